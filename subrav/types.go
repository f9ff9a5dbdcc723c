package subrav

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
)

// SupportedVersion is the only SubRAV version accepted by this implementation.
const SupportedVersion uint8 = 1

// MaxVMIDFragmentLen bounds the verification-method fragment on the wire.
const MaxVMIDFragmentLen = 255

// MaxUint256 is the maximum value for an accumulated amount
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

var (
	ErrInvalidChannelID = errors.New("channel id must be a 0x-prefixed 64-char lowercase hex string")
	ErrAmountOutOfRange = errors.New("accumulated amount out of uint256 range")
	ErrNonceOverflow    = errors.New("nonce overflow")
)

// ChannelID is the 32-byte payment channel identifier
type ChannelID [32]byte

// ParseChannelID parses the canonical wire form: 0x-prefixed, 64 hex chars, lowercase.
func ParseChannelID(s string) (ChannelID, error) {
	var id ChannelID
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return id, fmt.Errorf("%w: %q", ErrInvalidChannelID, s)
	}
	hexPart := s[2:]
	if strings.ToLower(hexPart) != hexPart {
		return id, fmt.Errorf("%w: %q", ErrInvalidChannelID, s)
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return id, fmt.Errorf("%w: %q", ErrInvalidChannelID, s)
	}
	copy(id[:], raw)
	return id, nil
}

// MustParseChannelID parses s or panics; for tests and static configuration.
func MustParseChannelID(s string) ChannelID {
	id, err := ParseChannelID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the canonical wire form
func (c ChannelID) String() string {
	return "0x" + hex.EncodeToString(c[:])
}

// MarshalJSON implements json.Marshaler
func (c ChannelID) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON implements json.Unmarshaler, enforcing the canonical form
func (c *ChannelID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := ParseChannelID(s)
	if err != nil {
		return err
	}
	*c = id
	return nil
}

// SubRAV is a sub-channel receipt and voucher: the cumulative balance owed to
// the payee on one sub-channel at one nonce. Immutable once constructed.
type SubRAV struct {
	Version           uint8
	ChainID           uint64
	ChannelID         ChannelID
	ChannelEpoch      uint64
	VMIDFragment      string
	AccumulatedAmount *big.Int
	Nonce             uint64
}

// NewHandshake builds the nonce-0, amount-0 SubRAV a payer signs on its very
// first call over a newly opened sub-channel.
func NewHandshake(chainID uint64, channelID ChannelID, epoch uint64, vmIDFragment string) *SubRAV {
	return &SubRAV{
		Version:           SupportedVersion,
		ChainID:           chainID,
		ChannelID:         channelID,
		ChannelEpoch:      epoch,
		VMIDFragment:      vmIDFragment,
		AccumulatedAmount: big.NewInt(0),
		Nonce:             0,
	}
}

// Next derives the successor proposal: nonce incremented by one, accumulated
// amount increased by delta, everything else carried over.
func (s *SubRAV) Next(delta *big.Int) (*SubRAV, error) {
	if delta == nil || delta.Sign() < 0 {
		return nil, fmt.Errorf("delta must be a non-negative amount")
	}
	if s.Nonce == math.MaxUint64 {
		return nil, ErrNonceOverflow
	}
	amount := new(big.Int).Add(s.AccumulatedAmount, delta)
	if amount.Cmp(MaxUint256) > 0 {
		return nil, ErrAmountOutOfRange
	}

	next := s.Clone()
	next.Nonce = s.Nonce + 1
	next.AccumulatedAmount = amount
	return next, nil
}

// Clone returns a deep copy
func (s *SubRAV) Clone() *SubRAV {
	out := *s
	if s.AccumulatedAmount != nil {
		out.AccumulatedAmount = new(big.Int).Set(s.AccumulatedAmount)
	}
	return &out
}

// Equal reports field-wise equality
func (s *SubRAV) Equal(o *SubRAV) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.Version == o.Version &&
		s.ChainID == o.ChainID &&
		s.ChannelID == o.ChannelID &&
		s.ChannelEpoch == o.ChannelEpoch &&
		s.VMIDFragment == o.VMIDFragment &&
		s.Nonce == o.Nonce &&
		amountsEqual(s.AccumulatedAmount, o.AccumulatedAmount)
}

// Validate checks the structural constraints a SubRAV must satisfy before it
// enters the pipeline. Version acceptance is a decode-time concern and is not
// re-checked here.
func (s *SubRAV) Validate() error {
	if s.VMIDFragment == "" {
		return fmt.Errorf("vm id fragment must not be empty")
	}
	if len(s.VMIDFragment) > MaxVMIDFragmentLen {
		return fmt.Errorf("vm id fragment exceeds %d bytes", MaxVMIDFragmentLen)
	}
	if s.AccumulatedAmount == nil || s.AccumulatedAmount.Sign() < 0 || s.AccumulatedAmount.Cmp(MaxUint256) > 0 {
		return ErrAmountOutOfRange
	}
	return nil
}

// SignedSubRAV pairs a SubRAV with the payer signature over its canonical
// encoding. The signature length depends on the verification method key type.
type SignedSubRAV struct {
	SubRAV    SubRAV
	Signature []byte
}

func amountsEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}
