package store

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

type subChannelKey struct {
	channelID    subrav.ChannelID
	vmIDFragment string
}

// MemoryChannelRepository keeps channel metadata and sub-channel state in
// process memory. All reads hand out copies so callers never share mutable
// state with the repository.
type MemoryChannelRepository struct {
	mu          sync.RWMutex
	channels    map[subrav.ChannelID]*ChannelMetadata
	subChannels map[subChannelKey]*SubChannelState
}

// NewMemoryChannelRepository creates an empty in-memory channel repository.
func NewMemoryChannelRepository() *MemoryChannelRepository {
	return &MemoryChannelRepository{
		channels:    make(map[subrav.ChannelID]*ChannelMetadata),
		subChannels: make(map[subChannelKey]*SubChannelState),
	}
}

func (r *MemoryChannelRepository) SetChannelMetadata(_ context.Context, metadata *ChannelMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *metadata
	stored.UpdatedAt = time.Now()
	r.channels[metadata.ChannelID] = &stored

	return nil
}

func (r *MemoryChannelRepository) GetChannelMetadata(_ context.Context, channelID subrav.ChannelID) (*ChannelMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metadata, ok := r.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}

	out := *metadata
	return &out, nil
}

func (r *MemoryChannelRepository) ListChannelMetadata(_ context.Context, filter *ChannelFilter, page *Page) ([]*ChannelMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*ChannelMetadata
	for _, metadata := range r.channels {
		if filter != nil {
			if filter.PayerDID != "" && metadata.PayerDID != filter.PayerDID {
				continue
			}
			if filter.PayeeDID != "" && metadata.PayeeDID != filter.PayeeDID {
				continue
			}
			if filter.Status != nil && metadata.Status != *filter.Status {
				continue
			}
		}
		out := *metadata
		matched = append(matched, &out)
	}

	// Deterministic order so pagination is stable
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ChannelID.String() < matched[j].ChannelID.String()
	})

	if page != nil {
		if page.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[page.Offset:]
		if page.Limit > 0 && page.Limit < len(matched) {
			matched = matched[:page.Limit]
		}
	}

	return matched, nil
}

func (r *MemoryChannelRepository) SetSubChannelState(_ context.Context, state *SubChannelState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *state
	if state.LastClaimedAmount != nil {
		stored.LastClaimedAmount = new(big.Int).Set(state.LastClaimedAmount)
	} else {
		stored.LastClaimedAmount = big.NewInt(0)
	}
	stored.PublicKey = append([]byte(nil), state.PublicKey...)
	stored.UpdatedAt = time.Now()

	r.subChannels[subChannelKey{state.ChannelID, state.VMIDFragment}] = &stored

	return nil
}

func (r *MemoryChannelRepository) GetSubChannelState(_ context.Context, channelID subrav.ChannelID, vmIDFragment string) (*SubChannelState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.subChannels[subChannelKey{channelID, vmIDFragment}]
	if !ok {
		return nil, ErrNotFound
	}

	return copySubChannelState(state), nil
}

func (r *MemoryChannelRepository) UpdateSubChannelState(_ context.Context, channelID subrav.ChannelID, vmIDFragment string, patch *SubChannelPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.subChannels[subChannelKey{channelID, vmIDFragment}]
	if !ok {
		return ErrNotFound
	}

	if patch.LastClaimedAmount != nil {
		state.LastClaimedAmount = new(big.Int).Set(patch.LastClaimedAmount)
	}
	if patch.LastConfirmedNonce != nil {
		state.LastConfirmedNonce = *patch.LastConfirmedNonce
	}
	if patch.Epoch != nil {
		state.Epoch = *patch.Epoch
	}
	state.UpdatedAt = time.Now()

	return nil
}

func copySubChannelState(state *SubChannelState) *SubChannelState {
	out := *state
	out.PublicKey = append([]byte(nil), state.PublicKey...)
	if state.LastClaimedAmount != nil {
		out.LastClaimedAmount = new(big.Int).Set(state.LastClaimedAmount)
	}
	return &out
}

type storedRAV struct {
	signed  *subrav.SignedSubRAV
	claimed bool
}

// MemoryRAVRepository keeps signed SubRAVs in process memory, indexed by
// sub-channel and nonce.
type MemoryRAVRepository struct {
	mu   sync.RWMutex
	ravs map[subChannelKey]map[uint64]*storedRAV
}

// NewMemoryRAVRepository creates an empty in-memory RAV repository.
func NewMemoryRAVRepository() *MemoryRAVRepository {
	return &MemoryRAVRepository{
		ravs: make(map[subChannelKey]map[uint64]*storedRAV),
	}
}

func (r *MemoryRAVRepository) Save(_ context.Context, signed *subrav.SignedSubRAV) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := subChannelKey{signed.SubRAV.ChannelID, signed.SubRAV.VMIDFragment}
	byNonce, ok := r.ravs[key]
	if !ok {
		byNonce = make(map[uint64]*storedRAV)
		r.ravs[key] = byNonce
	}

	// Replays of an already stored nonce are accepted and ignored
	if _, exists := byNonce[signed.SubRAV.Nonce]; exists {
		return nil
	}

	byNonce[signed.SubRAV.Nonce] = &storedRAV{signed: copySignedSubRAV(signed)}

	return nil
}

func (r *MemoryRAVRepository) GetLatest(_ context.Context, channelID subrav.ChannelID, vmIDFragment string) (*subrav.SignedSubRAV, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byNonce, ok := r.ravs[subChannelKey{channelID, vmIDFragment}]
	if !ok || len(byNonce) == 0 {
		return nil, ErrNotFound
	}

	var latest *storedRAV
	for _, stored := range byNonce {
		if latest == nil || stored.signed.SubRAV.Nonce > latest.signed.SubRAV.Nonce {
			latest = stored
		}
	}

	return copySignedSubRAV(latest.signed), nil
}

func (r *MemoryRAVRepository) List(_ context.Context, channelID subrav.ChannelID) ([]*subrav.SignedSubRAV, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*subrav.SignedSubRAV
	for key, byNonce := range r.ravs {
		if key.channelID != channelID {
			continue
		}
		for _, stored := range byNonce {
			out = append(out, copySignedSubRAV(stored.signed))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubRAV.VMIDFragment != out[j].SubRAV.VMIDFragment {
			return out[i].SubRAV.VMIDFragment < out[j].SubRAV.VMIDFragment
		}
		return out[i].SubRAV.Nonce < out[j].SubRAV.Nonce
	})

	return out, nil
}

func (r *MemoryRAVRepository) MarkAsClaimed(_ context.Context, channelID subrav.ChannelID, vmIDFragment string, upToNonce uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byNonce, ok := r.ravs[subChannelKey{channelID, vmIDFragment}]
	if !ok {
		return ErrNotFound
	}

	for nonce, stored := range byNonce {
		if nonce <= upToNonce {
			stored.claimed = true
		}
	}

	return nil
}

func (r *MemoryRAVRepository) GetUnclaimed(_ context.Context, channelID subrav.ChannelID) (map[string]*subrav.SignedSubRAV, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*subrav.SignedSubRAV)
	for key, byNonce := range r.ravs {
		if key.channelID != channelID {
			continue
		}

		var latest *storedRAV
		for _, stored := range byNonce {
			if stored.claimed {
				continue
			}
			if latest == nil || stored.signed.SubRAV.Nonce > latest.signed.SubRAV.Nonce {
				latest = stored
			}
		}
		if latest != nil {
			out[key.vmIDFragment] = copySignedSubRAV(latest.signed)
		}
	}

	return out, nil
}

func copySignedSubRAV(signed *subrav.SignedSubRAV) *subrav.SignedSubRAV {
	return &subrav.SignedSubRAV{
		SubRAV:    *signed.SubRAV.Clone(),
		Signature: append([]byte(nil), signed.Signature...),
	}
}

type pendingEntry struct {
	proposal  *subrav.SubRAV
	createdAt time.Time
}

// MemoryPendingSubRAVRepository keeps at most one unsigned proposal per
// sub-channel in process memory.
type MemoryPendingSubRAVRepository struct {
	mu      sync.RWMutex
	pending map[subChannelKey]*pendingEntry
}

// NewMemoryPendingSubRAVRepository creates an empty in-memory proposal
// repository.
func NewMemoryPendingSubRAVRepository() *MemoryPendingSubRAVRepository {
	return &MemoryPendingSubRAVRepository{
		pending: make(map[subChannelKey]*pendingEntry),
	}
}

func (r *MemoryPendingSubRAVRepository) Save(_ context.Context, proposal *subrav.SubRAV) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Overwrite semantics keep the one-pending-per-sub-channel invariant
	r.pending[subChannelKey{proposal.ChannelID, proposal.VMIDFragment}] = &pendingEntry{
		proposal:  proposal.Clone(),
		createdAt: time.Now(),
	}

	return nil
}

func (r *MemoryPendingSubRAVRepository) Find(_ context.Context, channelID subrav.ChannelID, nonce uint64) (*subrav.SubRAV, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for key, entry := range r.pending {
		if key.channelID == channelID && entry.proposal.Nonce == nonce {
			return entry.proposal.Clone(), nil
		}
	}

	return nil, ErrNotFound
}

func (r *MemoryPendingSubRAVRepository) FindLatestBySubChannel(_ context.Context, channelID subrav.ChannelID, vmIDFragment string) (*subrav.SubRAV, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.pending[subChannelKey{channelID, vmIDFragment}]
	if !ok {
		return nil, ErrNotFound
	}

	return entry.proposal.Clone(), nil
}

func (r *MemoryPendingSubRAVRepository) Remove(_ context.Context, channelID subrav.ChannelID, vmIDFragment string, nonce uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := subChannelKey{channelID, vmIDFragment}
	entry, ok := r.pending[key]
	if !ok || entry.proposal.Nonce != nonce {
		// Removing a proposal that was already replaced is not an error
		return nil
	}

	delete(r.pending, key)

	return nil
}

func (r *MemoryPendingSubRAVRepository) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)

	removed := 0
	for key, entry := range r.pending {
		if entry.createdAt.Before(cutoff) {
			delete(r.pending, key)
			removed++
		}
	}

	return removed, nil
}
