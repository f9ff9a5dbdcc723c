package subrav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

const (
	channelIDSize = 32
	amountSize    = 32

	// fixedHeadSize covers version through the fragment length prefix,
	// fixedTailSize the amount and nonce.
	fixedHeadSize = 1 + 8 + channelIDSize + 8 + 4
	fixedTailSize = amountSize + 8
)

var ErrUnsupportedVersion = errors.New("unsupported subrav version")

// Encode produces the canonical binary form: big-endian fixed-width integers
// and a u32 length-prefixed utf8 fragment, in declared field order. Encoding
// does not gate the version so forward-compatible proposers can emit newer
// layouts; acceptance is enforced by Decode.
func Encode(s *SubRAV) ([]byte, error) {
	if s.AccumulatedAmount == nil || s.AccumulatedAmount.Sign() < 0 || s.AccumulatedAmount.Cmp(MaxUint256) > 0 {
		return nil, ErrAmountOutOfRange
	}
	frag := []byte(s.VMIDFragment)
	if len(frag) > MaxVMIDFragmentLen {
		return nil, fmt.Errorf("vm id fragment exceeds %d bytes", MaxVMIDFragmentLen)
	}

	out := make([]byte, 0, fixedHeadSize+len(frag)+fixedTailSize)
	out = append(out, s.Version)
	out = binary.BigEndian.AppendUint64(out, s.ChainID)
	out = append(out, s.ChannelID[:]...)
	out = binary.BigEndian.AppendUint64(out, s.ChannelEpoch)
	out = binary.BigEndian.AppendUint32(out, uint32(len(frag)))
	out = append(out, frag...)
	out = append(out, encodeAmount(s.AccumulatedAmount)...)
	out = binary.BigEndian.AppendUint64(out, s.Nonce)
	return out, nil
}

// Decode parses the canonical binary form. The version byte is gated before
// any other field is interpreted; trailing bytes are refused.
func Decode(data []byte) (*SubRAV, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("truncated subrav: empty input")
	}
	version := data[0]
	if version != SupportedVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	if len(data) < fixedHeadSize {
		return nil, fmt.Errorf("truncated subrav: %d bytes", len(data))
	}

	off := 1
	chainID := binary.BigEndian.Uint64(data[off:])
	off += 8

	var channelID ChannelID
	copy(channelID[:], data[off:off+channelIDSize])
	off += channelIDSize

	epoch := binary.BigEndian.Uint64(data[off:])
	off += 8

	fragLen := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if fragLen > MaxVMIDFragmentLen {
		return nil, fmt.Errorf("vm id fragment exceeds %d bytes", MaxVMIDFragmentLen)
	}
	if len(data) != fixedHeadSize+fragLen+fixedTailSize {
		return nil, fmt.Errorf("subrav length mismatch: got %d bytes, want %d", len(data), fixedHeadSize+fragLen+fixedTailSize)
	}

	frag := string(data[off : off+fragLen])
	off += fragLen

	amount := new(big.Int).SetBytes(data[off : off+amountSize])
	off += amountSize

	nonce := binary.BigEndian.Uint64(data[off:])

	return &SubRAV{
		Version:           version,
		ChainID:           chainID,
		ChannelID:         channelID,
		ChannelEpoch:      epoch,
		VMIDFragment:      frag,
		AccumulatedAmount: amount,
		Nonce:             nonce,
	}, nil
}

func encodeAmount(v *big.Int) []byte {
	out := make([]byte, amountSize)
	b := v.Bytes()
	copy(out[amountSize-len(b):], b)
	return out
}
