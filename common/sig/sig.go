package sig

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// SigAlg represents a signature algorithm permitted for EKEY tokens and
// DPoP proofs. The set is deliberately closed: ES256 and EdDSA only.
type SigAlg int

const (
	SigAlgUnknown SigAlg = iota

	// ECDSA over P-256 with SHA-256
	SigAlgES256

	// Ed25519
	SigAlgEdDSA
)

func (sa SigAlg) String() string {
	switch sa {
	case SigAlgES256:
		return "ES256"
	case SigAlgEdDSA:
		return "EdDSA"
	}
	return "unknown"
}

func (sa SigAlg) ToGoJWT() (jwt.SigningMethod, error) {
	switch sa {
	case SigAlgES256:
		return jwt.SigningMethodES256, nil
	case SigAlgEdDSA:
		return jwt.SigningMethodEdDSA, nil
	}
	return nil, fmt.Errorf("unknown alg: %s", sa)
}

func FromName(s string) (SigAlg, error) {
	switch s {
	case "ES256":
		return SigAlgES256, nil
	case "EdDSA":
		return SigAlgEdDSA, nil
	}
	return SigAlgUnknown, fmt.Errorf("unknown alg: %s", s)
}
