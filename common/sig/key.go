package sig

import (
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// structure to hold a key used to validate the signature
type SignatureVerificationKey struct {
	Kid string
	Key crypto.PublicKey
	Alg SigAlg
}

// SignatureKey holds the issuer's private signing key. It signs pre-assembled
// JWS signing inputs and never hands out the private material; a KMS-backed
// implementation can replace it behind the same method set.
type SignatureKey struct {
	Kid string
	Alg SigAlg
	Key crypto.PrivateKey
}

func (k *SignatureKey) Algorithm() SigAlg { return k.Alg }

// Sign produces the raw JWS signature over signingInput (the
// base64url(header) + "." + base64url(payload) string).
func (k *SignatureKey) Sign(signingInput []byte) ([]byte, error) {
	if k.Key == nil {
		return nil, errors.New("nil key")
	}
	method, err := k.Alg.ToGoJWT()
	if err != nil {
		return nil, fmt.Errorf("could not sign payload: %w", err)
	}
	sigBytes, err := method.Sign(string(signingInput), k.Key)
	if err != nil {
		return nil, fmt.Errorf("could not sign payload: %w", err)
	}
	return sigBytes, nil
}

func (k *SignatureKey) PublicJWK() (jose.JSONWebKey, error) {
	signer, ok := k.Key.(crypto.Signer)
	if !ok {
		return jose.JSONWebKey{}, fmt.Errorf("unsupported key type: %T", k.Key)
	}
	return jose.JSONWebKey{
		Key:       signer.Public(),
		KeyID:     k.Kid,
		Algorithm: k.Alg.String(),
		Use:       "sig",
	}, nil
}

// VerificationKey returns the public half in the form the verifier consumes.
func (k *SignatureKey) VerificationKey() (SignatureVerificationKey, error) {
	signer, ok := k.Key.(crypto.Signer)
	if !ok {
		return SignatureVerificationKey{}, fmt.Errorf("unsupported key type: %T", k.Key)
	}
	return SignatureVerificationKey{Kid: k.Kid, Key: signer.Public(), Alg: k.Alg}, nil
}

// Thumbprint computes the RFC 7638 JWK thumbprint: SHA-256 over the canonical
// JSON of the key's required members, base64url without padding.
func Thumbprint(jwk jose.JSONWebKey) (string, error) {
	digest, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("could not compute thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(digest), nil
}

// FindVerificationKey returns a matching key by kid, or the only key when the
// token carries no kid and exactly one key is configured.
func FindVerificationKey(keys []SignatureVerificationKey, kid string) (*SignatureVerificationKey, bool) {
	if kid == "" {
		if len(keys) == 1 {
			return &keys[0], true
		}
		return nil, false
	}
	for i := range keys {
		if keys[i].Kid == kid {
			return &keys[i], true
		}
	}
	return nil, false
}
