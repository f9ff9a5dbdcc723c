package envelope

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// DIDAuthScheme is the Authorization scheme for DID-bound request auth.
const DIDAuthScheme = "DIDAuthV1"

// DefaultDIDAuthSkew is the accepted clock skew for token timestamps.
const DefaultDIDAuthSkew = 300 * time.Second

// DIDAuthToken is a one-shot authentication token: the holder of the key
// named by KeyID vouches for DID over a bound audience at a point in time.
type DIDAuthToken struct {
	DID       string
	KeyID     string
	Audience  string // "<METHOD> <path>" for HTTP, "tool <name>" for MCP
	Timestamp int64  // unix seconds
	Nonce     string
	Signature []byte
}

type didAuthWire struct {
	DID       string `json:"did"`
	KeyID     string `json:"keyId"`
	Audience  string `json:"aud"`
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

func didAuthSigningPayload(did, keyID, audience string, timestamp int64, nonce string) []byte {
	return []byte(strings.Join([]string{
		DIDAuthScheme, did, keyID, audience, strconv.FormatInt(timestamp, 10), nonce,
	}, "|"))
}

// NewDIDAuthHeader signs a fresh token and renders the Authorization header
// value "DIDAuthV1 <base64url(JSON)>".
func NewDIDAuthHeader(ctx context.Context, signer subrav.Signer, did, keyID, audience string) (string, error) {
	token := &DIDAuthToken{
		DID:       did,
		KeyID:     keyID,
		Audience:  audience,
		Timestamp: time.Now().Unix(),
		Nonce:     uuid.New().String(),
	}

	sig, err := signer.Sign(ctx, keyID, didAuthSigningPayload(token.DID, token.KeyID, token.Audience, token.Timestamp, token.Nonce))
	if err != nil {
		return "", fmt.Errorf("signing did auth token: %w", err)
	}
	token.Signature = sig

	wire := didAuthWire{
		DID:       token.DID,
		KeyID:     token.KeyID,
		Audience:  token.Audience,
		Timestamp: strconv.FormatInt(token.Timestamp, 10),
		Nonce:     token.Nonce,
		Signature: base64.RawURLEncoding.EncodeToString(token.Signature),
	}
	data, err := json.Marshal(&wire)
	if err != nil {
		return "", err
	}
	return DIDAuthScheme + " " + base64.RawURLEncoding.EncodeToString(data), nil
}

// ParseDIDAuthHeader parses an Authorization header value carrying the
// DIDAuthV1 scheme.
func ParseDIDAuthHeader(value string) (*DIDAuthToken, error) {
	scheme, rest, found := strings.Cut(value, " ")
	if !found || scheme != DIDAuthScheme {
		return nil, fmt.Errorf("authorization scheme is not %s", DIDAuthScheme)
	}

	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(rest))
	if err != nil {
		return nil, fmt.Errorf("decoding did auth token: %w", err)
	}

	var wire didAuthWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("parsing did auth token: %w", err)
	}
	if wire.DID == "" || wire.KeyID == "" {
		return nil, fmt.Errorf("did auth token missing did or keyId")
	}
	timestamp, err := strconv.ParseInt(wire.Timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid did auth timestamp %q: %w", wire.Timestamp, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(wire.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid did auth signature encoding: %w", err)
	}

	return &DIDAuthToken{
		DID:       wire.DID,
		KeyID:     wire.KeyID,
		Audience:  wire.Audience,
		Timestamp: timestamp,
		Nonce:     wire.Nonce,
		Signature: sig,
	}, nil
}

// KeyFragment returns the fragment of the token's key id.
func (t *DIDAuthToken) KeyFragment() string {
	if i := strings.LastIndexByte(t.KeyID, '#'); i >= 0 {
		return t.KeyID[i+1:]
	}
	return ""
}

// Verify checks the token signature against the resolved DID document, the
// audience binding when expectedAudience is non-empty, and the timestamp
// against the skew window. It returns (false, nil) for every authentication
// failure; the error return is reserved for resolver failures.
func (t *DIDAuthToken) Verify(ctx context.Context, resolver subrav.DIDResolver, expectedAudience string, maxSkew time.Duration) (bool, error) {
	if maxSkew <= 0 {
		maxSkew = DefaultDIDAuthSkew
	}
	if !strings.HasPrefix(t.KeyID, t.DID+"#") {
		return false, nil
	}
	if expectedAudience != "" && t.Audience != expectedAudience {
		return false, nil
	}

	age := time.Since(time.Unix(t.Timestamp, 0))
	if age > maxSkew || age < -maxSkew {
		return false, nil
	}

	doc, err := resolver.ResolveDID(ctx, t.DID)
	if err != nil {
		if errors.Is(err, subrav.ErrDIDNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("resolving did %q: %w", t.DID, err)
	}
	vm, ok := doc.FindVerificationMethod(t.KeyFragment())
	if !ok {
		return false, nil
	}

	payload := didAuthSigningPayload(t.DID, t.KeyID, t.Audience, t.Timestamp, t.Nonce)
	return subrav.VerifyBytesWithKey(payload, t.Signature, vm.PublicKey, vm.Type), nil
}
