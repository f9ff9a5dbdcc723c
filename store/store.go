package store

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/nuwa-protocol/payment-kit-go/contract"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// ErrNotFound is returned by lookups that miss. Callers distinguish it from
// transport failures with errors.Is.
var ErrNotFound = errors.New("not found")

// ChannelMetadata is the locally cached view of one payment channel.
type ChannelMetadata struct {
	ChannelID subrav.ChannelID
	PayerDID  string
	PayeeDID  string
	AssetID   string
	Epoch     uint64
	Status    contract.ChannelStatus
	UpdatedAt time.Time
}

// SubChannelState is the locally cached view of one authorized sub-channel,
// including the verification key material fetched from chain and the claim
// high-water marks.
type SubChannelState struct {
	ChannelID    subrav.ChannelID
	VMIDFragment string
	Epoch        uint64

	// PublicKey and MethodType mirror the on-chain sub-channel authorization.
	PublicKey  []byte
	MethodType string

	LastClaimedAmount  *big.Int
	LastConfirmedNonce uint64

	UpdatedAt time.Time
}

// SubChannelPatch updates individual sub-channel fields; nil fields are left
// unchanged.
type SubChannelPatch struct {
	LastClaimedAmount  *big.Int
	LastConfirmedNonce *uint64
	Epoch              *uint64
}

// ChannelFilter narrows ListChannelMetadata. Zero values match everything.
type ChannelFilter struct {
	PayerDID string
	PayeeDID string
	Status   *contract.ChannelStatus
}

// Page bounds a listing. A zero Limit means no bound.
type Page struct {
	Offset int
	Limit  int
}

// ChannelRepository persists channel metadata and per-sub-channel state.
type ChannelRepository interface {
	SetChannelMetadata(ctx context.Context, metadata *ChannelMetadata) error
	GetChannelMetadata(ctx context.Context, channelID subrav.ChannelID) (*ChannelMetadata, error)
	ListChannelMetadata(ctx context.Context, filter *ChannelFilter, page *Page) ([]*ChannelMetadata, error)

	SetSubChannelState(ctx context.Context, state *SubChannelState) error
	GetSubChannelState(ctx context.Context, channelID subrav.ChannelID, vmIDFragment string) (*SubChannelState, error)
	UpdateSubChannelState(ctx context.Context, channelID subrav.ChannelID, vmIDFragment string, patch *SubChannelPatch) error
}

// RAVRepository persists signed SubRAVs. Save is idempotent on
// (channelId, vmIdFragment, nonce) so crash-replayed persists are harmless.
type RAVRepository interface {
	Save(ctx context.Context, signed *subrav.SignedSubRAV) error
	GetLatest(ctx context.Context, channelID subrav.ChannelID, vmIDFragment string) (*subrav.SignedSubRAV, error)
	List(ctx context.Context, channelID subrav.ChannelID) ([]*subrav.SignedSubRAV, error)
	MarkAsClaimed(ctx context.Context, channelID subrav.ChannelID, vmIDFragment string, upToNonce uint64) error

	// GetUnclaimed returns the latest unclaimed signed SubRAV per
	// sub-channel of the channel, keyed by vmIdFragment.
	GetUnclaimed(ctx context.Context, channelID subrav.ChannelID) (map[string]*subrav.SignedSubRAV, error)
}

// PendingSubRAVRepository persists payee-emitted unsigned proposals, at most
// one per sub-channel.
type PendingSubRAVRepository interface {
	Save(ctx context.Context, proposal *subrav.SubRAV) error
	Find(ctx context.Context, channelID subrav.ChannelID, nonce uint64) (*subrav.SubRAV, error)
	FindLatestBySubChannel(ctx context.Context, channelID subrav.ChannelID, vmIDFragment string) (*subrav.SubRAV, error)
	Remove(ctx context.Context, channelID subrav.ChannelID, vmIDFragment string, nonce uint64) error

	// Cleanup removes proposals older than maxAge and returns how many were
	// dropped.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}

// Store bundles the three repositories a payee needs.
type Store struct {
	Channels ChannelRepository
	RAVs     RAVRepository
	Pending  PendingSubRAVRepository
}

// NewMemoryStore returns a Store backed entirely by in-process maps.
func NewMemoryStore() *Store {
	return &Store{
		Channels: NewMemoryChannelRepository(),
		RAVs:     NewMemoryRAVRepository(),
		Pending:  NewMemoryPendingSubRAVRepository(),
	}
}
