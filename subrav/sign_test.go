package subrav

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/streamingfast/eth-go"
	"github.com/stretchr/testify/require"
)

const (
	testPayerDID = "did:nuwa:payer1"
	testFragment = "key-1"
)

func newSecpIdentity(t *testing.T) (*LocalSigner, *StaticResolver, string) {
	t.Helper()

	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)

	keyID := testPayerDID + "#" + testFragment
	signer := NewLocalSigner()
	signer.AddSecp256k1Key(keyID, key)

	vm, ok := signer.VerificationMethod(keyID)
	require.True(t, ok)

	resolver := NewStaticResolver()
	resolver.AddVerificationMethod(testPayerDID, *vm)

	return signer, resolver, keyID
}

func newEdIdentity(t *testing.T) (*LocalSigner, *StaticResolver, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	keyID := testPayerDID + "#" + testFragment
	signer := NewLocalSigner()
	signer.AddEd25519Key(keyID, priv)

	vm, ok := signer.VerificationMethod(keyID)
	require.True(t, ok)

	resolver := NewStaticResolver()
	resolver.AddVerificationMethod(testPayerDID, *vm)

	return signer, resolver, keyID
}

func testRAV() *SubRAV {
	return &SubRAV{
		Version:           1,
		ChainID:           4,
		ChannelID:         testChannelID(0xaa),
		ChannelEpoch:      0,
		VMIDFragment:      testFragment,
		AccumulatedAmount: big.NewInt(100_000),
		Nonce:             1,
	}
}

func TestSignVerify_Secp256k1(t *testing.T) {
	ctx := context.Background()
	signer, resolver, keyID := newSecpIdentity(t)

	signed, err := Sign(ctx, testRAV(), signer, keyID)
	require.NoError(t, err)
	require.Len(t, signed.Signature, 65)

	ok, err := Verify(ctx, signed, testPayerDID, resolver)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSignVerify_Ed25519(t *testing.T) {
	ctx := context.Background()
	signer, resolver, keyID := newEdIdentity(t)

	signed, err := Sign(ctx, testRAV(), signer, keyID)
	require.NoError(t, err)
	require.Len(t, signed.Signature, ed25519.SignatureSize)

	ok, err := Verify(ctx, signed, testPayerDID, resolver)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerify_TamperedAmount(t *testing.T) {
	ctx := context.Background()
	signer, resolver, keyID := newSecpIdentity(t)

	signed, err := Sign(ctx, testRAV(), signer, keyID)
	require.NoError(t, err)

	signed.SubRAV.AccumulatedAmount = big.NewInt(999_999)

	ok, err := Verify(ctx, signed, testPayerDID, resolver)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerify_UnknownDID(t *testing.T) {
	ctx := context.Background()
	signer, resolver, keyID := newSecpIdentity(t)

	signed, err := Sign(ctx, testRAV(), signer, keyID)
	require.NoError(t, err)

	ok, err := Verify(ctx, signed, "did:nuwa:someone-else", resolver)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerify_UnknownFragment(t *testing.T) {
	ctx := context.Background()
	signer, resolver, keyID := newSecpIdentity(t)

	rav := testRAV()
	rav.VMIDFragment = "other-key"
	signed, err := Sign(ctx, rav, signer, keyID)
	require.NoError(t, err)

	ok, err := Verify(ctx, signed, testPayerDID, resolver)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyWithKey_UnsupportedKeyType(t *testing.T) {
	ctx := context.Background()
	signer, _, keyID := newSecpIdentity(t)

	signed, err := Sign(ctx, testRAV(), signer, keyID)
	require.NoError(t, err)

	ok, err := VerifyWithKey(signed, []byte{1, 2, 3}, KeyType("JsonWebKey2020"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyWithKey_WrongKey(t *testing.T) {
	ctx := context.Background()
	signer, _, keyID := newSecpIdentity(t)

	otherKey, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)

	signed, err := Sign(ctx, testRAV(), signer, keyID)
	require.NoError(t, err)

	ok, err := VerifyWithKey(signed, otherKey.PublicKey().Address(), KeyTypeEcdsaSecp256k1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyWithKey_SignatureLengthMismatch(t *testing.T) {
	ctx := context.Background()
	signer, _, keyID := newEdIdentity(t)

	signed, err := Sign(ctx, testRAV(), signer, keyID)
	require.NoError(t, err)

	vm, ok := signer.VerificationMethod(keyID)
	require.True(t, ok)

	// An ed25519 signature is not a recoverable secp256k1 signature
	accepted, err := VerifyWithKey(signed, vm.PublicKey, KeyTypeEcdsaSecp256k1)
	require.NoError(t, err)
	require.False(t, accepted)
}

func TestLocalSigner_UnknownKey(t *testing.T) {
	signer := NewLocalSigner()
	_, err := signer.Sign(context.Background(), "did:nuwa:payer1#nope", []byte("data"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStaticResolver_UnknownDID(t *testing.T) {
	resolver := NewStaticResolver()
	_, err := resolver.ResolveDID(context.Background(), "did:nuwa:ghost")
	require.ErrorIs(t, err, ErrDIDNotFound)
}

func TestVerificationMethod_Fragment(t *testing.T) {
	vm := &VerificationMethod{ID: "did:nuwa:payer1#key-1"}
	require.Equal(t, "key-1", vm.Fragment())

	vm.ID = "no-fragment"
	require.Equal(t, "", vm.Fragment())
}
