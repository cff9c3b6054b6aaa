package ekey

import (
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	jwtx "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/axent-pl/ekey/common/sig"
)

// ProofType is the required typ header of a DPoP proof.
const ProofType = "dpop+jwt"

// BuildProof signs a DPoP proof with the client's key, embedding the public
// JWK in the header. htu should be the canonical origin + pathname of the
// request, with no query or fragment.
func BuildProof(key *sig.SignatureKey, method, htu, nonce string, now int64) (string, error) {
	if key == nil || key.Key == nil {
		return "", fmt.Errorf("nil client key")
	}
	signingMethod, err := key.Alg.ToGoJWT()
	if err != nil {
		return "", fmt.Errorf("could not build proof: %w", err)
	}
	jwk, err := key.PublicJWK()
	if err != nil {
		return "", fmt.Errorf("could not build proof: %w", err)
	}

	claims := jwtx.MapClaims{
		"htm":   method,
		"htu":   htu,
		"iat":   now,
		"nonce": nonce,
		"jti":   uuid.NewString(),
	}
	token := jwtx.NewWithClaims(signingMethod, claims)
	token.Header["typ"] = ProofType
	token.Header["jwk"] = publicJWKHeader(jwk)

	proof, err := token.SignedString(key.Key)
	if err != nil {
		return "", fmt.Errorf("could not sign proof: %w", err)
	}
	return proof, nil
}

// publicJWKHeader renders a JWK as the generic map that goes into the JOSE
// header. Only the key members survive; use/alg hints are dropped.
func publicJWKHeader(jwk jose.JSONWebKey) map[string]any {
	jwk.Use = ""
	jwk.Algorithm = ""
	jwk.KeyID = ""
	raw, err := jwk.MarshalJSON()
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
