package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// WireVersion is the envelope payload version.
const WireVersion = 1

// RequestPayload is the payment envelope attached to a request.
type RequestPayload struct {
	Version      int
	ClientTxRef  string
	MaxAmount    *big.Int // optional spend cap in asset units
	SignedSubRAV *subrav.SignedSubRAV
}

// ErrorInfo is the error member of a response payload.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

// ResponsePayload is the payment envelope attached to a response.
type ResponsePayload struct {
	Version      int
	ClientTxRef  string
	ServiceTxRef string
	SubRAV       *subrav.SubRAV // unsigned next proposal
	Cost         *big.Int       // asset units
	CostUSD      *big.Int       // picoUSD
	Error        *ErrorInfo
}

// Wire forms: every numeric travels as a decimal string to preserve
// precision across JSON implementations.

type subRAVWire struct {
	Version           string `json:"version"`
	ChainID           string `json:"chainId"`
	ChannelID         string `json:"channelId"`
	ChannelEpoch      string `json:"channelEpoch"`
	VMIDFragment      string `json:"vmIdFragment"`
	AccumulatedAmount string `json:"accumulatedAmount"`
	Nonce             string `json:"nonce"`
}

type signedSubRAVWire struct {
	SubRAV    subRAVWire `json:"subRav"`
	Signature string     `json:"signature"`
}

type requestWire struct {
	Version      int               `json:"version"`
	ClientTxRef  string            `json:"clientTxRef"`
	MaxAmount    string            `json:"maxAmount,omitempty"`
	SignedSubRAV *signedSubRAVWire `json:"signedSubRav,omitempty"`
}

type responseWire struct {
	Version      int         `json:"version"`
	ClientTxRef  string      `json:"clientTxRef,omitempty"`
	ServiceTxRef string      `json:"serviceTxRef,omitempty"`
	SubRAV       *subRAVWire `json:"subRav,omitempty"`
	Cost         string      `json:"cost,omitempty"`
	CostUSD      string      `json:"costUsd,omitempty"`
	Error        *ErrorInfo  `json:"error,omitempty"`
}

func subRAVToWire(s *subrav.SubRAV) *subRAVWire {
	return &subRAVWire{
		Version:           strconv.FormatUint(uint64(s.Version), 10),
		ChainID:           strconv.FormatUint(s.ChainID, 10),
		ChannelID:         s.ChannelID.String(),
		ChannelEpoch:      strconv.FormatUint(s.ChannelEpoch, 10),
		VMIDFragment:      s.VMIDFragment,
		AccumulatedAmount: s.AccumulatedAmount.String(),
		Nonce:             strconv.FormatUint(s.Nonce, 10),
	}
}

func subRAVFromWire(w *subRAVWire) (*subrav.SubRAV, error) {
	version, err := strconv.ParseUint(w.Version, 10, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", w.Version, err)
	}
	chainID, err := strconv.ParseUint(w.ChainID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chainId %q: %w", w.ChainID, err)
	}
	channelID, err := subrav.ParseChannelID(w.ChannelID)
	if err != nil {
		return nil, err
	}
	epoch, err := strconv.ParseUint(w.ChannelEpoch, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid channelEpoch %q: %w", w.ChannelEpoch, err)
	}
	amount, ok := new(big.Int).SetString(w.AccumulatedAmount, 10)
	if !ok || amount.Sign() < 0 || amount.Cmp(subrav.MaxUint256) > 0 {
		return nil, fmt.Errorf("invalid accumulatedAmount %q", w.AccumulatedAmount)
	}
	nonce, err := strconv.ParseUint(w.Nonce, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce %q: %w", w.Nonce, err)
	}

	return &subrav.SubRAV{
		Version:           uint8(version),
		ChainID:           chainID,
		ChannelID:         channelID,
		ChannelEpoch:      epoch,
		VMIDFragment:      w.VMIDFragment,
		AccumulatedAmount: amount,
		Nonce:             nonce,
	}, nil
}

// MarshalSubRAV renders the wire JSON form of an unsigned SubRAV, the same
// object shape embedded in response envelopes and recovery documents.
func MarshalSubRAV(s *subrav.SubRAV) ([]byte, error) {
	return json.Marshal(subRAVToWire(s))
}

// UnmarshalSubRAV parses the wire JSON form of an unsigned SubRAV.
func UnmarshalSubRAV(data []byte) (*subrav.SubRAV, error) {
	var w subRAVWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parsing subrav: %w", err)
	}
	return subRAVFromWire(&w)
}

// MarshalSignedSubRAV renders the wire JSON form of a signed SubRAV, as
// carried in commit requests.
func MarshalSignedSubRAV(s *subrav.SignedSubRAV) ([]byte, error) {
	return json.Marshal(&signedSubRAVWire{
		SubRAV:    *subRAVToWire(&s.SubRAV),
		Signature: base64.RawURLEncoding.EncodeToString(s.Signature),
	})
}

// UnmarshalSignedSubRAV parses the wire JSON form of a signed SubRAV.
func UnmarshalSignedSubRAV(data []byte) (*subrav.SignedSubRAV, error) {
	var w signedSubRAVWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parsing signed subrav: %w", err)
	}
	rav, err := subRAVFromWire(&w.SubRAV)
	if err != nil {
		return nil, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(w.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	return &subrav.SignedSubRAV{SubRAV: *rav, Signature: sig}, nil
}

// MarshalRequest renders the request payload as envelope JSON.
func MarshalRequest(p *RequestPayload) ([]byte, error) {
	if p.ClientTxRef == "" {
		return nil, fmt.Errorf("clientTxRef is required")
	}

	w := requestWire{Version: p.Version, ClientTxRef: p.ClientTxRef}
	if w.Version == 0 {
		w.Version = WireVersion
	}
	if p.MaxAmount != nil {
		w.MaxAmount = p.MaxAmount.String()
	}
	if p.SignedSubRAV != nil {
		w.SignedSubRAV = &signedSubRAVWire{
			SubRAV:    *subRAVToWire(&p.SignedSubRAV.SubRAV),
			Signature: base64.RawURLEncoding.EncodeToString(p.SignedSubRAV.Signature),
		}
	}
	return json.Marshal(&w)
}

// UnmarshalRequest parses envelope JSON into a request payload.
func UnmarshalRequest(data []byte) (*RequestPayload, error) {
	var w requestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parsing request payload: %w", err)
	}
	if w.Version != WireVersion {
		return nil, fmt.Errorf("%w: %d", subrav.ErrUnsupportedVersion, w.Version)
	}
	if w.ClientTxRef == "" {
		return nil, fmt.Errorf("clientTxRef is required")
	}

	p := &RequestPayload{Version: w.Version, ClientTxRef: w.ClientTxRef}
	if w.MaxAmount != "" {
		maxAmount, ok := new(big.Int).SetString(w.MaxAmount, 10)
		if !ok || maxAmount.Sign() < 0 {
			return nil, fmt.Errorf("invalid maxAmount %q", w.MaxAmount)
		}
		p.MaxAmount = maxAmount
	}
	if w.SignedSubRAV != nil {
		rav, err := subRAVFromWire(&w.SignedSubRAV.SubRAV)
		if err != nil {
			return nil, err
		}
		sig, err := base64.RawURLEncoding.DecodeString(w.SignedSubRAV.Signature)
		if err != nil {
			return nil, fmt.Errorf("invalid signature encoding: %w", err)
		}
		p.SignedSubRAV = &subrav.SignedSubRAV{SubRAV: *rav, Signature: sig}
	}
	return p, nil
}

// MarshalResponse renders the response payload as envelope JSON.
func MarshalResponse(p *ResponsePayload) ([]byte, error) {
	w := responseWire{
		Version:      p.Version,
		ClientTxRef:  p.ClientTxRef,
		ServiceTxRef: p.ServiceTxRef,
		Error:        p.Error,
	}
	if w.Version == 0 {
		w.Version = WireVersion
	}
	if p.SubRAV != nil {
		w.SubRAV = subRAVToWire(p.SubRAV)
	}
	if p.Cost != nil {
		w.Cost = p.Cost.String()
	}
	if p.CostUSD != nil {
		w.CostUSD = p.CostUSD.String()
	}
	return json.Marshal(&w)
}

// UnmarshalResponse parses envelope JSON into a response payload.
func UnmarshalResponse(data []byte) (*ResponsePayload, error) {
	var w responseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parsing response payload: %w", err)
	}
	if w.Version != WireVersion {
		return nil, fmt.Errorf("%w: %d", subrav.ErrUnsupportedVersion, w.Version)
	}

	p := &ResponsePayload{
		Version:      w.Version,
		ClientTxRef:  w.ClientTxRef,
		ServiceTxRef: w.ServiceTxRef,
		Error:        w.Error,
	}
	if w.SubRAV != nil {
		rav, err := subRAVFromWire(w.SubRAV)
		if err != nil {
			return nil, err
		}
		p.SubRAV = rav
	}
	if w.Cost != "" {
		cost, ok := new(big.Int).SetString(w.Cost, 10)
		if !ok {
			return nil, fmt.Errorf("invalid cost %q", w.Cost)
		}
		p.Cost = cost
	}
	if w.CostUSD != "" {
		costUSD, ok := new(big.Int).SetString(w.CostUSD, 10)
		if !ok {
			return nil, fmt.Errorf("invalid costUsd %q", w.CostUSD)
		}
		p.CostUSD = costUSD
	}
	return p, nil
}
