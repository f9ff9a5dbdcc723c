package subrav

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RegistryConfig is a static DID registry, usually loaded from a YAML file:
//
//	documents:
//	  - did: did:nuwa:alice
//	    verification_methods:
//	      - id: key-1
//	        type: EcdsaSecp256k1VerificationKey2019
//	        public_key: "0x2cbc5e2576e3ab3d6d96f06c9537e0fc0e48c4cf"
//
// Method ids may be bare fragments; they are qualified against the document
// DID. Public keys are hex, with or without the 0x prefix.
type RegistryConfig struct {
	Documents []RegistryDocument `yaml:"documents"`
}

type RegistryDocument struct {
	DID                 string           `yaml:"did"`
	VerificationMethods []RegistryMethod `yaml:"verification_methods"`
}

type RegistryMethod struct {
	ID        string `yaml:"id"`
	Type      string `yaml:"type"`
	PublicKey string `yaml:"public_key"`
}

// LoadStaticResolver builds a StaticResolver from a YAML registry file.
func LoadStaticResolver(path string) (*StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading did registry: %w", err)
	}

	return ParseStaticResolver(data)
}

// ParseStaticResolver builds a StaticResolver from YAML registry bytes.
func ParseStaticResolver(data []byte) (*StaticResolver, error) {
	var config RegistryConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing did registry: %w", err)
	}

	resolver := NewStaticResolver()
	for _, doc := range config.Documents {
		if doc.DID == "" {
			return nil, fmt.Errorf("registry document missing did")
		}

		out := &DIDDocument{DID: doc.DID}
		for _, method := range doc.VerificationMethods {
			keyType := KeyType(method.Type)
			switch keyType {
			case KeyTypeEcdsaSecp256k1, KeyTypeEd25519:
			default:
				return nil, fmt.Errorf("registry method %q has unsupported type %q", method.ID, method.Type)
			}

			key, err := hex.DecodeString(strings.TrimPrefix(method.PublicKey, "0x"))
			if err != nil {
				return nil, fmt.Errorf("registry method %q has invalid public key: %w", method.ID, err)
			}
			if len(key) == 0 {
				return nil, fmt.Errorf("registry method %q has empty public key", method.ID)
			}

			id := method.ID
			if !strings.Contains(id, "#") {
				id = doc.DID + "#" + id
			}
			out.VerificationMethods = append(out.VerificationMethods, VerificationMethod{
				ID:        id,
				Type:      keyType,
				PublicKey: key,
			})
		}
		resolver.AddDocument(out)
	}

	return resolver, nil
}
