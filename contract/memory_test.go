package contract

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/streamingfast/eth-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

const (
	testChainID  = uint64(4)
	testAssetID  = "eth:4:0xusdc"
	testPayerDID = "did:nuwa:payer1"
	testPayeeDID = "did:nuwa:payee1"
	testFragment = "key-1"
)

func newTestHub(t *testing.T) (*MemoryHub, *eth.PrivateKey, subrav.ChannelID) {
	t.Helper()

	hub := NewMemoryHub(testChainID)
	hub.RegisterAsset(testAssetID, "USDC", 8, new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil))
	require.NoError(t, hub.Deposit(testPayerDID, testAssetID, big.NewInt(1_000_000)))

	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)

	result, err := hub.OpenChannelWithSubChannel(context.Background(), &OpenChannelWithSubChannelParams{
		OpenChannelParams: OpenChannelParams{PayerDID: testPayerDID, PayeeDID: testPayeeDID, AssetID: testAssetID},
		VMIDFragment:      testFragment,
		PublicKey:         key.PublicKey().Address(),
		MethodType:        subrav.KeyTypeEcdsaSecp256k1,
	})
	require.NoError(t, err)

	return hub, key, result.ChannelID
}

func signRAV(t *testing.T, key *eth.PrivateKey, rav *subrav.SubRAV) *subrav.SignedSubRAV {
	t.Helper()

	data, err := subrav.Encode(rav)
	require.NoError(t, err)

	sig, err := key.Sign(eth.Keccak256(data))
	require.NoError(t, err)

	return &subrav.SignedSubRAV{SubRAV: *rav.Clone(), Signature: sig[:]}
}

func claimableRAV(channelID subrav.ChannelID, nonce uint64, amount int64) *subrav.SubRAV {
	return &subrav.SubRAV{
		Version:           subrav.SupportedVersion,
		ChainID:           testChainID,
		ChannelID:         channelID,
		ChannelEpoch:      0,
		VMIDFragment:      testFragment,
		AccumulatedAmount: big.NewInt(amount),
		Nonce:             nonce,
	}
}

func TestDeriveChannelID(t *testing.T) {
	a := DeriveChannelID("did:nuwa:a", "did:nuwa:b", "asset")
	b := DeriveChannelID("did:nuwa:a", "did:nuwa:b", "asset")
	c := DeriveChannelID("did:nuwa:a", "did:nuwa:c", "asset")

	// Should be deterministic
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestMemoryHubOpenChannel(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub(testChainID)
	hub.RegisterAsset(testAssetID, "USDC", 8, big.NewInt(1))

	params := &OpenChannelParams{PayerDID: testPayerDID, PayeeDID: testPayeeDID, AssetID: testAssetID}

	result, err := hub.OpenChannel(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, DeriveChannelID(testPayerDID, testPayeeDID, testAssetID), result.ChannelID)
	assert.Equal(t, uint64(0), result.Epoch)
	assert.NotEmpty(t, result.TxHash)

	_, err = hub.OpenChannel(ctx, params)
	require.ErrorIs(t, err, ErrChannelExists)

	_, err = hub.OpenChannel(ctx, &OpenChannelParams{PayerDID: testPayerDID, PayeeDID: testPayeeDID, AssetID: "unregistered"})
	require.ErrorIs(t, err, ErrAssetNotFound)

	info, err := hub.GetChannelStatus(ctx, result.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, ChannelStatusOpen, info.Status)
	assert.Equal(t, testPayerDID, info.PayerDID)

	_, err = hub.GetChannelStatus(ctx, subrav.ChannelID{0xff})
	require.ErrorIs(t, err, ErrChannelNotFound)
}

func TestMemoryHubAuthorizeSubChannel(t *testing.T) {
	ctx := context.Background()
	hub, key, channelID := newTestHub(t)

	sub, err := hub.GetSubChannel(ctx, channelID, testFragment)
	require.NoError(t, err)
	assert.Equal(t, []byte(key.PublicKey().Address()), sub.PublicKey)
	assert.Equal(t, subrav.KeyTypeEcdsaSecp256k1, sub.MethodType)
	assert.Equal(t, uint64(0), sub.LastConfirmedNonce)

	_, err = hub.GetSubChannel(ctx, channelID, "key-unknown")
	require.ErrorIs(t, err, ErrSubChannelNotAuthorized)

	_, err = hub.AuthorizeSubChannel(ctx, &AuthorizeSubChannelParams{
		ChannelID:    subrav.ChannelID{0xff},
		VMIDFragment: "key-2",
		PublicKey:    []byte{1},
		MethodType:   subrav.KeyTypeEcdsaSecp256k1,
	})
	require.ErrorIs(t, err, ErrChannelNotFound)
}

func TestMemoryHubClaimFlow(t *testing.T) {
	ctx := context.Background()
	hub, key, channelID := newTestHub(t)

	result, err := hub.ClaimFromChannel(ctx, signRAV(t, key, claimableRAV(channelID, 1, 500)))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500), result.ClaimedAmount)

	payee, err := hub.GetHubBalance(ctx, testPayeeDID, testAssetID)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500), payee)

	payer, err := hub.GetHubBalance(ctx, testPayerDID, testAssetID)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(999_500), payer)

	// Next claim only settles the delta above the last claimed amount
	result, err = hub.ClaimFromChannel(ctx, signRAV(t, key, claimableRAV(channelID, 2, 800)))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(300), result.ClaimedAmount)

	// Replaying a confirmed nonce settles as a no-op
	result, err = hub.ClaimFromChannel(ctx, signRAV(t, key, claimableRAV(channelID, 2, 800)))
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.ClaimedAmount.Int64())

	result, err = hub.ClaimFromChannel(ctx, signRAV(t, key, claimableRAV(channelID, 1, 500)))
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.ClaimedAmount.Int64())

	sub, err := hub.GetSubChannel(ctx, channelID, testFragment)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sub.LastConfirmedNonce)
	assert.Equal(t, big.NewInt(800), sub.LastClaimedAmount)
}

func TestMemoryHubClaimValidation(t *testing.T) {
	ctx := context.Background()
	hub, key, channelID := newTestHub(t)

	// Wrong chain
	rav := claimableRAV(channelID, 1, 100)
	rav.ChainID = 99
	_, err := hub.ClaimFromChannel(ctx, signRAV(t, key, rav))
	require.ErrorIs(t, err, ErrChainIDMismatch)

	// Wrong epoch
	rav = claimableRAV(channelID, 1, 100)
	rav.ChannelEpoch = 7
	_, err = hub.ClaimFromChannel(ctx, signRAV(t, key, rav))
	require.ErrorIs(t, err, ErrEpochMismatch)

	// Unknown sub-channel
	rav = claimableRAV(channelID, 1, 100)
	rav.VMIDFragment = "key-unknown"
	_, err = hub.ClaimFromChannel(ctx, signRAV(t, key, rav))
	require.ErrorIs(t, err, ErrSubChannelNotAuthorized)

	// Signature by a different key
	otherKey, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	_, err = hub.ClaimFromChannel(ctx, signRAV(t, otherKey, claimableRAV(channelID, 1, 100)))
	require.ErrorIs(t, err, ErrInvalidSignature)

	// Tampered amount after signing
	signed := signRAV(t, key, claimableRAV(channelID, 1, 100))
	signed.SubRAV.AccumulatedAmount = big.NewInt(100_000)
	_, err = hub.ClaimFromChannel(ctx, signed)
	require.ErrorIs(t, err, ErrInvalidSignature)

	// More than the payer's hub balance
	_, err = hub.ClaimFromChannel(ctx, signRAV(t, key, claimableRAV(channelID, 1, 2_000_000)))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// Unknown channel
	rav = claimableRAV(subrav.ChannelID{0xff}, 1, 100)
	_, err = hub.ClaimFromChannel(ctx, signRAV(t, key, rav))
	require.ErrorIs(t, err, ErrChannelNotFound)
}

func TestMemoryHubCloseAndReopen(t *testing.T) {
	ctx := context.Background()
	hub, key, channelID := newTestHub(t)

	_, err := hub.CloseChannel(ctx, &CloseChannelParams{ChannelID: channelID})
	require.NoError(t, err)

	_, err = hub.CloseChannel(ctx, &CloseChannelParams{ChannelID: channelID})
	require.ErrorIs(t, err, ErrChannelClosed)

	_, err = hub.ClaimFromChannel(ctx, signRAV(t, key, claimableRAV(channelID, 1, 100)))
	require.ErrorIs(t, err, ErrChannelClosed)

	// Reopening bumps the epoch and drops old sub-channel authorizations
	result, err := hub.OpenChannel(ctx, &OpenChannelParams{PayerDID: testPayerDID, PayeeDID: testPayeeDID, AssetID: testAssetID})
	require.NoError(t, err)
	assert.Equal(t, channelID, result.ChannelID)
	assert.Equal(t, uint64(1), result.Epoch)

	_, err = hub.GetSubChannel(ctx, channelID, testFragment)
	require.ErrorIs(t, err, ErrSubChannelNotAuthorized)
}

func TestMemoryHubAuthorizationDelay(t *testing.T) {
	ctx := context.Background()
	hub, _, channelID := newTestHub(t)
	hub.SetAuthorizationDelay(30 * time.Millisecond)

	otherKey, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)

	_, err = hub.AuthorizeSubChannel(ctx, &AuthorizeSubChannelParams{
		ChannelID:    channelID,
		VMIDFragment: "key-2",
		PublicKey:    otherKey.PublicKey().Address(),
		MethodType:   subrav.KeyTypeEcdsaSecp256k1,
	})
	require.NoError(t, err)

	_, err = hub.GetSubChannel(ctx, channelID, "key-2")
	require.ErrorIs(t, err, ErrSubChannelNotAuthorized, "authorization not visible yet")

	time.Sleep(50 * time.Millisecond)

	_, err = hub.GetSubChannel(ctx, channelID, "key-2")
	require.NoError(t, err)
}

func TestMemoryHubBalances(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub(testChainID)
	hub.RegisterAsset(testAssetID, "USDC", 8, big.NewInt(1))

	balance, err := hub.GetHubBalance(ctx, "did:nuwa:nobody", testAssetID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Int64())

	_, err = hub.GetHubBalance(ctx, testPayerDID, "unregistered")
	require.ErrorIs(t, err, ErrAssetNotFound)

	err = hub.Deposit(testPayerDID, "unregistered", big.NewInt(1))
	require.ErrorIs(t, err, ErrAssetNotFound)

	err = hub.Deposit(testPayerDID, testAssetID, big.NewInt(0))
	require.Error(t, err)

	chainID, err := hub.GetChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, testChainID, chainID)
}
