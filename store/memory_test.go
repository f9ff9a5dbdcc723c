package store

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuwa-protocol/payment-kit-go/contract"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

func testChannelID(fill byte) subrav.ChannelID {
	var id subrav.ChannelID
	for i := range id {
		id[i] = fill
	}
	return id
}

func testRAV(channelID subrav.ChannelID, fragment string, nonce uint64, amount int64) *subrav.SignedSubRAV {
	return &subrav.SignedSubRAV{
		SubRAV: subrav.SubRAV{
			Version:           subrav.SupportedVersion,
			ChainID:           4,
			ChannelID:         channelID,
			ChannelEpoch:      0,
			VMIDFragment:      fragment,
			AccumulatedAmount: big.NewInt(amount),
			Nonce:             nonce,
		},
		Signature: []byte{0xde, 0xad},
	}
}

func TestMemoryChannelRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryChannelRepository()
	channelID := testChannelID(0x11)

	_, err := repo.GetChannelMetadata(ctx, channelID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.SetChannelMetadata(ctx, &ChannelMetadata{
		ChannelID: channelID,
		PayerDID:  "did:nuwa:payer1",
		PayeeDID:  "did:nuwa:payee1",
		AssetID:   "eth:4:0xusdc",
		Epoch:     0,
		Status:    contract.ChannelStatusOpen,
	}))

	metadata, err := repo.GetChannelMetadata(ctx, channelID)
	require.NoError(t, err)
	assert.Equal(t, "did:nuwa:payer1", metadata.PayerDID)
	assert.Equal(t, contract.ChannelStatusOpen, metadata.Status)
	assert.False(t, metadata.UpdatedAt.IsZero())

	// Mutating the returned copy must not leak into the repository
	metadata.PayerDID = "did:nuwa:intruder"
	metadata, err = repo.GetChannelMetadata(ctx, channelID)
	require.NoError(t, err)
	assert.Equal(t, "did:nuwa:payer1", metadata.PayerDID)
}

func TestMemoryChannelRepositoryList(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryChannelRepository()

	for i, payer := range []string{"did:nuwa:alice", "did:nuwa:alice", "did:nuwa:bob"} {
		status := contract.ChannelStatusOpen
		if i == 1 {
			status = contract.ChannelStatusClosed
		}
		require.NoError(t, repo.SetChannelMetadata(ctx, &ChannelMetadata{
			ChannelID: testChannelID(byte(i + 1)),
			PayerDID:  payer,
			PayeeDID:  "did:nuwa:payee1",
			Status:    status,
		}))
	}

	all, err := repo.ListChannelMetadata(ctx, nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	alice, err := repo.ListChannelMetadata(ctx, &ChannelFilter{PayerDID: "did:nuwa:alice"}, nil)
	require.NoError(t, err)
	assert.Len(t, alice, 2)

	open := contract.ChannelStatusOpen
	aliceOpen, err := repo.ListChannelMetadata(ctx, &ChannelFilter{PayerDID: "did:nuwa:alice", Status: &open}, nil)
	require.NoError(t, err)
	require.Len(t, aliceOpen, 1)
	assert.Equal(t, testChannelID(1), aliceOpen[0].ChannelID)

	// Pagination over the deterministic channel-id order
	page, err := repo.ListChannelMetadata(ctx, nil, &Page{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, testChannelID(2), page[0].ChannelID)

	empty, err := repo.ListChannelMetadata(ctx, nil, &Page{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryChannelRepositorySubChannels(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryChannelRepository()
	channelID := testChannelID(0x22)

	_, err := repo.GetSubChannelState(ctx, channelID, "key-1")
	require.ErrorIs(t, err, ErrNotFound)

	err = repo.UpdateSubChannelState(ctx, channelID, "key-1", &SubChannelPatch{})
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.SetSubChannelState(ctx, &SubChannelState{
		ChannelID:    channelID,
		VMIDFragment: "key-1",
		Epoch:        0,
		PublicKey:    []byte{1, 2, 3},
		MethodType:   "EcdsaSecp256k1VerificationKey2019",
	}))

	state, err := repo.GetSubChannelState(ctx, channelID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, state.PublicKey)
	assert.Equal(t, uint64(0), state.LastConfirmedNonce)
	require.NotNil(t, state.LastClaimedAmount)
	assert.Equal(t, int64(0), state.LastClaimedAmount.Int64())

	nonce := uint64(5)
	require.NoError(t, repo.UpdateSubChannelState(ctx, channelID, "key-1", &SubChannelPatch{
		LastClaimedAmount:  big.NewInt(500),
		LastConfirmedNonce: &nonce,
	}))

	state, err = repo.GetSubChannelState(ctx, channelID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), state.LastClaimedAmount.Int64())
	assert.Equal(t, uint64(5), state.LastConfirmedNonce)
	assert.Equal(t, uint64(0), state.Epoch, "unpatched fields stay put")
}

func TestMemoryRAVRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRAVRepository()
	channelID := testChannelID(0x33)

	_, err := repo.GetLatest(ctx, channelID, "key-1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Save(ctx, testRAV(channelID, "key-1", 1, 100)))
	require.NoError(t, repo.Save(ctx, testRAV(channelID, "key-1", 3, 300)))
	require.NoError(t, repo.Save(ctx, testRAV(channelID, "key-1", 2, 200)))
	require.NoError(t, repo.Save(ctx, testRAV(channelID, "key-2", 1, 50)))

	latest, err := repo.GetLatest(ctx, channelID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest.SubRAV.Nonce)
	assert.Equal(t, int64(300), latest.SubRAV.AccumulatedAmount.Int64())

	// Replaying an already stored nonce is accepted and changes nothing
	require.NoError(t, repo.Save(ctx, testRAV(channelID, "key-1", 3, 999)))
	latest, err = repo.GetLatest(ctx, channelID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), latest.SubRAV.AccumulatedAmount.Int64())

	list, err := repo.List(ctx, channelID)
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, "key-1", list[0].SubRAV.VMIDFragment)
	assert.Equal(t, uint64(1), list[0].SubRAV.Nonce)
	assert.Equal(t, "key-2", list[3].SubRAV.VMIDFragment)
}

func TestMemoryRAVRepositoryClaims(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRAVRepository()
	channelID := testChannelID(0x44)

	err := repo.MarkAsClaimed(ctx, channelID, "key-1", 1)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Save(ctx, testRAV(channelID, "key-1", 1, 100)))
	require.NoError(t, repo.Save(ctx, testRAV(channelID, "key-1", 2, 200)))
	require.NoError(t, repo.Save(ctx, testRAV(channelID, "key-2", 1, 50)))

	unclaimed, err := repo.GetUnclaimed(ctx, channelID)
	require.NoError(t, err)
	require.Len(t, unclaimed, 2)
	assert.Equal(t, uint64(2), unclaimed["key-1"].SubRAV.Nonce)
	assert.Equal(t, uint64(1), unclaimed["key-2"].SubRAV.Nonce)

	require.NoError(t, repo.MarkAsClaimed(ctx, channelID, "key-1", 2))

	unclaimed, err = repo.GetUnclaimed(ctx, channelID)
	require.NoError(t, err)
	require.Len(t, unclaimed, 1)
	assert.Contains(t, unclaimed, "key-2")

	// New receipts become claimable again
	require.NoError(t, repo.Save(ctx, testRAV(channelID, "key-1", 3, 300)))
	unclaimed, err = repo.GetUnclaimed(ctx, channelID)
	require.NoError(t, err)
	assert.Len(t, unclaimed, 2)
}

func TestMemoryPendingSubRAVRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPendingSubRAVRepository()
	channelID := testChannelID(0x55)

	_, err := repo.FindLatestBySubChannel(ctx, channelID, "key-1")
	require.ErrorIs(t, err, ErrNotFound)

	first := &testRAV(channelID, "key-1", 1, 100).SubRAV
	require.NoError(t, repo.Save(ctx, first))

	// Overwrite keeps a single proposal per sub-channel
	second := &testRAV(channelID, "key-1", 2, 200).SubRAV
	require.NoError(t, repo.Save(ctx, second))

	pending, err := repo.FindLatestBySubChannel(ctx, channelID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pending.Nonce)

	_, err = repo.Find(ctx, channelID, 1)
	require.ErrorIs(t, err, ErrNotFound)

	found, err := repo.Find(ctx, channelID, 2)
	require.NoError(t, err)
	assert.Equal(t, "key-1", found.VMIDFragment)

	// Removing a stale nonce leaves the newer proposal alone
	require.NoError(t, repo.Remove(ctx, channelID, "key-1", 1))
	_, err = repo.FindLatestBySubChannel(ctx, channelID, "key-1")
	require.NoError(t, err)

	require.NoError(t, repo.Remove(ctx, channelID, "key-1", 2))
	_, err = repo.FindLatestBySubChannel(ctx, channelID, "key-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPendingSubRAVRepositoryCleanup(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPendingSubRAVRepository()
	channelID := testChannelID(0x66)

	require.NoError(t, repo.Save(ctx, &testRAV(channelID, "key-1", 1, 100).SubRAV))
	time.Sleep(5 * time.Millisecond)

	removed, err := repo.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	removed, err = repo.Cleanup(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.FindLatestBySubChannel(ctx, channelID, "key-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNewMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	require.NotNil(t, s.Channels)
	require.NotNil(t, s.RAVs)
	require.NotNil(t, s.Pending)
}
