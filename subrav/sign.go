package subrav

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/streamingfast/eth-go"
)

// KeyType identifies the signature algorithm of a DID verification method.
type KeyType string

const (
	KeyTypeEcdsaSecp256k1 KeyType = "EcdsaSecp256k1VerificationKey2019"
	KeyTypeEd25519        KeyType = "Ed25519VerificationKey2020"
)

var (
	ErrDIDNotFound = errors.New("did document not found")
	ErrKeyNotFound = errors.New("signing key not found")
)

// VerificationMethod is one public key of a DID document.
//
// For secp256k1 the PublicKey accepts the 65-byte uncompressed SEC1 point,
// the raw 64-byte X||Y point, or the derived 20-byte address. For ed25519 it
// is the 32-byte public key.
type VerificationMethod struct {
	ID        string // "<did>#<fragment>"
	Type      KeyType
	PublicKey []byte
}

// Fragment returns the part of the method id after the '#'.
func (vm *VerificationMethod) Fragment() string {
	if i := strings.LastIndexByte(vm.ID, '#'); i >= 0 {
		return vm.ID[i+1:]
	}
	return ""
}

// DIDDocument is the subset of a resolved DID document the verifier needs.
type DIDDocument struct {
	DID                 string
	VerificationMethods []VerificationMethod
}

// FindVerificationMethod returns the method whose id ends with "#<fragment>".
func (d *DIDDocument) FindVerificationMethod(fragment string) (*VerificationMethod, bool) {
	for i := range d.VerificationMethods {
		if strings.HasSuffix(d.VerificationMethods[i].ID, "#"+fragment) {
			return &d.VerificationMethods[i], true
		}
	}
	return nil, false
}

// DIDResolver yields verification-method public keys for a DID.
type DIDResolver interface {
	ResolveDID(ctx context.Context, did string) (*DIDDocument, error)
}

// Signer produces key-scoped signatures over arbitrary bytes. keyID names a
// verification method as "<did>#<fragment>". The codec never handles private
// keys.
type Signer interface {
	Sign(ctx context.Context, keyID string, data []byte) ([]byte, error)
}

// Sign signs the canonical encoding of rav with the key named by keyID.
func Sign(ctx context.Context, rav *SubRAV, signer Signer, keyID string) (*SignedSubRAV, error) {
	data, err := Encode(rav)
	if err != nil {
		return nil, fmt.Errorf("encoding subrav: %w", err)
	}
	sig, err := signer.Sign(ctx, keyID, data)
	if err != nil {
		return nil, fmt.Errorf("signing subrav: %w", err)
	}
	return &SignedSubRAV{SubRAV: *rav.Clone(), Signature: sig}, nil
}

// Verify resolves payerDID and checks the signature against the verification
// method named by the SubRAV's vmIdFragment. It returns (false, nil) when the
// DID or method is unknown, the key type is unsupported, or the signature is
// invalid; a non-nil error is reserved for resolver transport failures.
func Verify(ctx context.Context, signed *SignedSubRAV, payerDID string, resolver DIDResolver) (bool, error) {
	doc, err := resolver.ResolveDID(ctx, payerDID)
	if err != nil {
		if errors.Is(err, ErrDIDNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("resolving did %q: %w", payerDID, err)
	}
	vm, ok := doc.FindVerificationMethod(signed.SubRAV.VMIDFragment)
	if !ok {
		return false, nil
	}
	return VerifyWithKey(signed, vm.PublicKey, vm.Type)
}

// VerifyWithKey checks the signature against an explicit public key.
func VerifyWithKey(signed *SignedSubRAV, publicKey []byte, keyType KeyType) (bool, error) {
	data, err := Encode(&signed.SubRAV)
	if err != nil {
		return false, fmt.Errorf("encoding subrav: %w", err)
	}
	return VerifyBytesWithKey(data, signed.Signature, publicKey, keyType), nil
}

// VerifyBytesWithKey checks a raw signature over data. secp256k1 signatures
// are recovered over the keccak256 digest and compared by signer address,
// ed25519 signatures cover data directly; both mirror LocalSigner.
func VerifyBytesWithKey(data, signature, publicKey []byte, keyType KeyType) bool {
	switch keyType {
	case KeyTypeEcdsaSecp256k1:
		if len(signature) != 65 {
			return false
		}
		expected, err := secp256k1Address(publicKey)
		if err != nil {
			return false
		}
		var sig eth.Signature
		copy(sig[:], signature)
		recovered, err := sig.Recover(eth.Keccak256(data))
		if err != nil {
			return false
		}
		return bytes.Equal(recovered, expected)

	case KeyTypeEd25519:
		if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature)

	default:
		return false
	}
}

// secp256k1Address derives the signer address from any of the supported
// public key representations.
func secp256k1Address(publicKey []byte) (eth.Address, error) {
	switch len(publicKey) {
	case 20:
		return eth.Address(publicKey), nil
	case 64:
		h := eth.Keccak256(publicKey)
		return eth.Address(h[12:]), nil
	case 65:
		if publicKey[0] != 0x04 {
			return nil, fmt.Errorf("uncompressed secp256k1 key must start with 0x04")
		}
		h := eth.Keccak256(publicKey[1:])
		return eth.Address(h[12:]), nil
	}
	return nil, fmt.Errorf("unsupported secp256k1 public key length %d", len(publicKey))
}
