package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

var (
	ErrChannelNotFound         = errors.New("channel not found")
	ErrChannelExists           = errors.New("channel already exists")
	ErrChannelClosed           = errors.New("channel is closed")
	ErrEpochMismatch           = errors.New("channel epoch mismatch")
	ErrChainIDMismatch         = errors.New("chain id mismatch")
	ErrSubChannelNotAuthorized = errors.New("sub-channel not authorized")
	ErrAssetNotFound           = errors.New("asset not found")
	ErrInsufficientFunds       = errors.New("insufficient hub balance")
	ErrInvalidSignature        = errors.New("invalid receipt signature")
	ErrNoOperatorKey           = errors.New("no operator key configured")
)

// ChannelStatus is the on-chain lifecycle state of a payment channel.
type ChannelStatus int

const (
	ChannelStatusOpen ChannelStatus = iota
	ChannelStatusClosing
	ChannelStatusClosed
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelStatusOpen:
		return "open"
	case ChannelStatusClosing:
		return "closing"
	case ChannelStatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelInfo is the hub's view of one payment channel.
type ChannelInfo struct {
	ChannelID subrav.ChannelID
	PayerDID  string
	PayeeDID  string
	AssetID   string
	Epoch     uint64
	Status    ChannelStatus
}

// SubChannelInfo is the hub's view of one authorized sub-channel, including
// the verification key registered for it.
type SubChannelInfo struct {
	ChannelID    subrav.ChannelID
	VMIDFragment string
	Epoch        uint64

	PublicKey  []byte
	MethodType subrav.KeyType

	LastClaimedAmount  *big.Int
	LastConfirmedNonce uint64
	AuthorizedAt       time.Time
}

// AssetInfo describes an asset the hub settles in.
type AssetInfo struct {
	AssetID  string
	Symbol   string
	Decimals uint8
}

// TxResult reports a submitted hub transaction.
type TxResult struct {
	TxHash      string
	BlockHeight uint64
	Events      []string
}

// ClaimResult reports a settled claim. ClaimedAmount is zero when the claim
// replayed an already confirmed nonce.
type ClaimResult struct {
	TxResult
	ClaimedAmount *big.Int
}

// OpenChannelParams identifies the channel to open. The channel id is
// derived, not chosen.
type OpenChannelParams struct {
	PayerDID string
	PayeeDID string
	AssetID  string
}

// AuthorizeSubChannelParams registers a verification key for one sub-channel.
type AuthorizeSubChannelParams struct {
	ChannelID    subrav.ChannelID
	VMIDFragment string
	PublicKey    []byte
	MethodType   subrav.KeyType
}

// OpenChannelWithSubChannelParams opens a channel and authorizes its first
// sub-channel in one transaction.
type OpenChannelWithSubChannelParams struct {
	OpenChannelParams
	VMIDFragment string
	PublicKey    []byte
	MethodType   subrav.KeyType
}

// OpenChannelResult carries the derived channel identity next to the
// transaction receipt.
type OpenChannelResult struct {
	TxResult
	ChannelID subrav.ChannelID
	Epoch     uint64
}

// CloseChannelParams identifies the channel to close.
type CloseChannelParams struct {
	ChannelID subrav.ChannelID
}

// Contract is the payment-hub surface both sides of a channel depend on.
// MemoryHub implements it in process, EVMAdapter against a deployed hub.
type Contract interface {
	GetChainID(ctx context.Context) (uint64, error)

	OpenChannel(ctx context.Context, params *OpenChannelParams) (*OpenChannelResult, error)
	OpenChannelWithSubChannel(ctx context.Context, params *OpenChannelWithSubChannelParams) (*OpenChannelResult, error)
	AuthorizeSubChannel(ctx context.Context, params *AuthorizeSubChannelParams) (*TxResult, error)
	CloseChannel(ctx context.Context, params *CloseChannelParams) (*TxResult, error)

	// ClaimFromChannel settles the signed receipt. Replays with a nonce at or
	// below the confirmed high-water mark succeed with a zero claimed amount.
	ClaimFromChannel(ctx context.Context, signed *subrav.SignedSubRAV) (*ClaimResult, error)

	GetChannelStatus(ctx context.Context, channelID subrav.ChannelID) (*ChannelInfo, error)
	GetSubChannel(ctx context.Context, channelID subrav.ChannelID, vmIDFragment string) (*SubChannelInfo, error)

	GetAssetInfo(ctx context.Context, assetID string) (*AssetInfo, error)
	// GetAssetPrice returns the price of one whole asset unit in picoUSD.
	GetAssetPrice(ctx context.Context, assetID string) (*big.Int, error)
	GetHubBalance(ctx context.Context, ownerDID string, assetID string) (*big.Int, error)
}

const channelDerivationTag = "nuwa:channel:v1"

// DeriveChannelID computes the deterministic channel id for a
// (payer, payee, asset) triple:
//
//	keccak256("nuwa:channel:v1" | payerDid | payeeDid | assetId)
//
// with "|" as the literal separator byte.
func DeriveChannelID(payerDID, payeeDID, assetID string) subrav.ChannelID {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(strings.Join([]string{channelDerivationTag, payerDID, payeeDID, assetID}, "|")))

	var id subrav.ChannelID
	copy(id[:], h.Sum(nil))
	return id
}

// Keccak256Hash hashes an identifier string the way the hub stores DIDs and
// asset ids on chain.
func Keccak256Hash(s string) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(s))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
