package ekey

import (
	"github.com/go-jose/go-jose/v4"
	jwtx "github.com/golang-jwt/jwt/v5"

	"github.com/axent-pl/ekey/common/sig"
)

// Token header values.
const (
	TokenType = "EKEY"
)

// BindMode selects how the token is bound to the client key.
type BindMode string

const (
	BindDPoP BindMode = "DPoP"
	BindMTLS BindMode = "mTLS"
)

// Confirmation carries the key binding per RFC 7800: jkt is the RFC 7638
// thumbprint of the client JWK (DPoP) or the normalized SHA-256 fingerprint
// of the client certificate DER (mTLS).
type Confirmation struct {
	JKT string `json:"jkt"`
}

// Claims is the EKEY token payload.
type Claims struct {
	jwtx.RegisteredClaims
	Cap   Capability    `json:"cap"`
	Cnf   *Confirmation `json:"cnf,omitempty"`
	Trace string        `json:"trace"`
}

// KeyProvider owns the issuer's signing keypair. Sign receives the
// pre-assembled JWS signing input and returns the raw signature; the private
// key never leaves the provider, so a KMS-backed implementation fits behind
// the same interface.
type KeyProvider interface {
	Sign(signingInput []byte) ([]byte, error)
	PublicJWK() (jose.JSONWebKey, error)
	Algorithm() sig.SigAlg
}
