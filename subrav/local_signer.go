package subrav

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/streamingfast/eth-go"
)

// LocalSigner keeps key material in memory and signs with the algorithm each
// key was registered under. It backs the payer client in tests, the CLI and
// the example; deployments with external key management provide their own
// Signer.
type LocalSigner struct {
	mu   sync.RWMutex
	keys map[string]*localKey
}

type localKey struct {
	keyType KeyType
	secp    *eth.PrivateKey
	ed      ed25519.PrivateKey
}

// NewLocalSigner creates an empty signer
func NewLocalSigner() *LocalSigner {
	return &LocalSigner{keys: make(map[string]*localKey)}
}

// AddSecp256k1Key registers a recoverable secp256k1 key under keyID.
func (s *LocalSigner) AddSecp256k1Key(keyID string, key *eth.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[keyID] = &localKey{keyType: KeyTypeEcdsaSecp256k1, secp: key}
}

// AddEd25519Key registers an ed25519 key under keyID.
func (s *LocalSigner) AddEd25519Key(keyID string, key ed25519.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[keyID] = &localKey{keyType: KeyTypeEd25519, ed: key}
}

// Sign implements Signer. secp256k1 keys sign the keccak256 digest of data,
// ed25519 keys sign data directly; VerifyWithKey mirrors both.
func (s *LocalSigner) Sign(ctx context.Context, keyID string, data []byte) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	switch key.keyType {
	case KeyTypeEcdsaSecp256k1:
		sig, err := key.secp.Sign(eth.Keccak256(data))
		if err != nil {
			return nil, fmt.Errorf("signing with %s: %w", keyID, err)
		}
		return sig[:], nil
	case KeyTypeEd25519:
		return ed25519.Sign(key.ed, data), nil
	}
	return nil, fmt.Errorf("%w: %s has unsupported key type %s", ErrKeyNotFound, keyID, key.keyType)
}

// VerificationMethod returns the public half of a registered key in a form
// VerifyWithKey accepts.
func (s *LocalSigner) VerificationMethod(keyID string) (*VerificationMethod, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, false
	}

	vm := &VerificationMethod{ID: keyID, Type: key.keyType}
	switch key.keyType {
	case KeyTypeEcdsaSecp256k1:
		vm.PublicKey = key.secp.PublicKey().Address()
	case KeyTypeEd25519:
		vm.PublicKey = key.ed.Public().(ed25519.PublicKey)
	}
	return vm, true
}

// StaticResolver serves DID documents from an in-memory map. It is the
// reference DIDResolver for tests, the example and single-node deployments
// that pin their counterparties.
type StaticResolver struct {
	mu   sync.RWMutex
	docs map[string]*DIDDocument
}

// NewStaticResolver creates an empty resolver
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{docs: make(map[string]*DIDDocument)}
}

// AddDocument registers or replaces the document for doc.DID.
func (r *StaticResolver) AddDocument(doc *DIDDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.DID] = doc
}

// AddVerificationMethod appends vm to the document for did, creating the
// document on first use.
func (r *StaticResolver) AddVerificationMethod(did string, vm VerificationMethod) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[did]
	if !ok {
		doc = &DIDDocument{DID: did}
		r.docs[did] = doc
	}
	doc.VerificationMethods = append(doc.VerificationMethods, vm)
}

// ResolveDID implements DIDResolver.
func (r *StaticResolver) ResolveDID(ctx context.Context, did string) (*DIDDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[did]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDIDNotFound, did)
	}

	out := &DIDDocument{DID: doc.DID, VerificationMethods: make([]VerificationMethod, len(doc.VerificationMethods))}
	copy(out.VerificationMethods, doc.VerificationMethods)
	return out, nil
}
