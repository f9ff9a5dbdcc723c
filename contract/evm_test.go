package contract

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

func TestSelector(t *testing.T) {
	a := selector("getChannel(bytes32)")
	b := selector("getChannel(bytes32)")
	c := selector("getSubChannel(bytes32,bytes32)")

	assert.Len(t, a, 4)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestLeftPad32(t *testing.T) {
	padded := leftPad32([]byte{0xab, 0xcd})
	require.Len(t, padded, 32)
	assert.Equal(t, byte(0xab), padded[30])
	assert.Equal(t, byte(0xcd), padded[31])
	assert.Equal(t, byte(0), padded[0])

	full := make([]byte, 32)
	full[0] = 0x11
	assert.Equal(t, full, leftPad32(full))

	// Oversized inputs keep the low-order 32 bytes
	over := append([]byte{0xff}, full...)
	assert.Equal(t, full, leftPad32(over))
}

func TestEncodeCall(t *testing.T) {
	id := subrav.ChannelID{0x01, 0x02}
	data := encodeCall("getChannel(bytes32)", id[:])

	require.Len(t, data, 4+32)
	assert.Equal(t, selector("getChannel(bytes32)"), data[:4])
	assert.Equal(t, id[:], data[4:36])
}

func TestEncodeBytesCall(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	data := encodeBytesCall("claimFromChannel(bytes)", payload)

	// selector + offset word + length word + payload padded to 32
	require.Len(t, data, 4+32+32+32)

	offset := new(big.Int).SetBytes(data[4:36])
	assert.Equal(t, int64(32), offset.Int64())

	length := new(big.Int).SetBytes(data[36:68])
	assert.Equal(t, int64(len(payload)), length.Int64())

	assert.Equal(t, payload, data[68:68+len(payload)])
	for _, b := range data[68+len(payload):] {
		assert.Equal(t, byte(0), b)
	}

	// Word-aligned payloads get no padding
	aligned := encodeBytesCall("claimFromChannel(bytes)", make([]byte, 64))
	assert.Len(t, aligned, 4+32+32+64)
}

func TestWordHelpers(t *testing.T) {
	result := make([]byte, 64)
	result[31] = 0x05
	result[63] = 0xff

	v, err := wordUint64(result, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)

	b, err := wordBig(result, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(255), b.Int64())

	_, err = word(result, 2)
	require.ErrorContains(t, err, "result too short")

	// Values wider than 64 bits refuse the uint64 view
	wide := make([]byte, 32)
	wide[0] = 0x01
	_, err = wordUint64(wide, 0)
	require.ErrorContains(t, err, "overflows uint64")
}

func TestPackSubChannelKey(t *testing.T) {
	code, words, err := packSubChannelKey(subrav.KeyTypeEcdsaSecp256k1, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, uint8(methodTypeCodeSecp256k1), code)
	require.Len(t, words, 64)
	assert.Equal(t, []byte{1, 2, 3}, words[:3])

	code, _, err = packSubChannelKey(subrav.KeyTypeEd25519, make([]byte, 32))
	require.NoError(t, err)
	assert.Equal(t, uint8(methodTypeCodeEd25519), code)

	_, _, err = packSubChannelKey("UnknownKey2023", []byte{1})
	require.ErrorContains(t, err, "unsupported method type")

	_, _, err = packSubChannelKey(subrav.KeyTypeEd25519, make([]byte, 65))
	require.ErrorContains(t, err, "public key must be")

	_, _, err = packSubChannelKey(subrav.KeyTypeEd25519, nil)
	require.Error(t, err)
}

func TestMethodTypeFromCode(t *testing.T) {
	assert.Equal(t, subrav.KeyTypeEcdsaSecp256k1, methodTypeFromCode(methodTypeCodeSecp256k1))
	assert.Equal(t, subrav.KeyTypeEd25519, methodTypeFromCode(methodTypeCodeEd25519))
	assert.Empty(t, methodTypeFromCode(0))
}

func TestTrimRightZeros(t *testing.T) {
	assert.Equal(t, []byte("USDC"), trimRightZeros(append([]byte("USDC"), make([]byte, 28)...)))
	assert.Empty(t, trimRightZeros(make([]byte, 32)))
	assert.Equal(t, []byte{0, 1}, trimRightZeros([]byte{0, 1, 0}))
}
