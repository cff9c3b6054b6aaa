package sig

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/pem"
	"fmt"

	"crypto/x509"
)

// GenerateSigningKey creates an ephemeral keypair for the given algorithm.
func GenerateSigningKey(kid string, alg SigAlg) (*SignatureKey, error) {
	switch alg {
	case SigAlgES256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("could not generate key: %w", err)
		}
		return &SignatureKey{Kid: kid, Alg: alg, Key: key}, nil
	case SigAlgEdDSA:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("could not generate key: %w", err)
		}
		return &SignatureKey{Kid: kid, Alg: alg, Key: key}, nil
	}
	return nil, fmt.Errorf("unknown alg: %s", alg)
}

// LoadSigningKeyPEM parses a private key from PEM data. Accepts PKCS#8
// ("PRIVATE KEY") and SEC 1 ("EC PRIVATE KEY") blocks. The parsed key must
// match alg: *ecdsa.PrivateKey on P-256 for ES256, ed25519.PrivateKey for
// EdDSA.
func LoadSigningKeyPEM(kid string, alg SigAlg, data []byte) (*SignatureKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	var parsed any
	var err error
	switch block.Type {
	case "PRIVATE KEY":
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		parsed, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("could not parse private key: %w", err)
	}

	switch key := parsed.(type) {
	case *ecdsa.PrivateKey:
		if alg != SigAlgES256 {
			return nil, fmt.Errorf("key type %T does not match alg %s", key, alg)
		}
		if key.Curve != elliptic.P256() {
			return nil, fmt.Errorf("ES256 requires a P-256 key")
		}
		return &SignatureKey{Kid: kid, Alg: alg, Key: key}, nil
	case ed25519.PrivateKey:
		if alg != SigAlgEdDSA {
			return nil, fmt.Errorf("key type %T does not match alg %s", key, alg)
		}
		return &SignatureKey{Kid: kid, Alg: alg, Key: key}, nil
	}
	return nil, fmt.Errorf("unsupported key type: %T", parsed)
}
