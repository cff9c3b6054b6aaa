package ekey

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	jwtx "github.com/golang-jwt/jwt/v5"

	"github.com/axent-pl/ekey/common"
	"github.com/axent-pl/ekey/common/logx"
	"github.com/axent-pl/ekey/common/sig"
)

// IssueRequest describes one token mint. JWK is required when Bind is DPoP,
// CertFingerprint when Bind is mTLS.
type IssueRequest struct {
	Sub string
	Aud string
	Cap Capability

	// Token validity in seconds, 1..60. Zero selects DefaultTTL.
	TTL int

	// Binding mode; empty selects BindDPoP.
	Bind BindMode

	JWK             *jose.JSONWebKey
	CertFingerprint string
}

// IssueResponse is the mint result handed back to the client.
type IssueResponse struct {
	Token     string
	Trace     string
	ExpiresAt int64
	ExpiresIn int
	JKT       string
}

// Issuer mints signed EKEY tokens. Key and Clock are required; Issuer is the
// iss claim stamped into every token.
type Issuer struct {
	Issuer string
	Key    KeyProvider
	Clock  common.Clock
}

// Issue validates the request, derives the key binding, and mints a signed
// token carrying a fresh 128-bit trace nonce.
func (iss *Issuer) Issue(ctx context.Context, req IssueRequest) (*IssueResponse, error) {
	bind := req.Bind
	if bind == "" {
		bind = BindDPoP
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	if _, _, err := ParseAction(req.Cap.Action); err != nil {
		logx.L().Debug("invalid capability action", "context", ctx, "error", err)
		return nil, issueErr(IssueInvalidRequest, err)
	}
	limit := req.Cap.EffectiveLimit()
	if limit < 1 || limit > MaxLimit {
		logx.L().Debug("capability limit out of range", "context", ctx, "limit", limit)
		return nil, issueErr(IssueInvalidRequest, fmt.Errorf("limit must be in [1,%d]", MaxLimit))
	}
	if ttl < 1 || ttl > MaxTTL {
		logx.L().Debug("ttl out of range", "context", ctx, "ttl", ttl)
		return nil, issueErr(IssueInvalidRequest, fmt.Errorf("ttl must be in [1,%d]", MaxTTL))
	}
	if req.Sub == "" {
		return nil, issueErr(IssueInvalidRequest, fmt.Errorf("sub is required"))
	}
	if req.Aud == "" {
		return nil, issueErr(IssueInvalidRequest, fmt.Errorf("aud is required"))
	}

	jkt, err := iss.binding(bind, req)
	if err != nil {
		logx.L().Debug("could not derive binding", "context", ctx, "error", err)
		return nil, err
	}

	trace, err := newTrace()
	if err != nil {
		logx.L().Debug("could not generate trace", "context", ctx, "error", err)
		return nil, issueErr(IssueSignerFailure, err)
	}

	now := iss.Clock.Now()
	exp := now + int64(ttl)

	claims := Claims{
		RegisteredClaims: jwtx.RegisteredClaims{
			Issuer:    iss.Issuer,
			Subject:   req.Sub,
			Audience:  jwtx.ClaimStrings{req.Aud},
			IssuedAt:  jwtx.NewNumericDate(time.Unix(now, 0)),
			ExpiresAt: jwtx.NewNumericDate(time.Unix(exp, 0)),
		},
		Cap: Capability{
			Action: req.Cap.Action,
			Scope:  req.Cap.Scope,
			Limit:  limit,
			Subcap: req.Cap.Subcap,
		},
		Cnf:   &Confirmation{JKT: jkt},
		Trace: trace,
	}

	token, err := iss.sign(claims, bind)
	if err != nil {
		logx.L().Debug("could not sign token", "context", ctx, "error", err)
		return nil, issueErr(IssueSignerFailure, err)
	}

	return &IssueResponse{
		Token:     token,
		Trace:     trace,
		ExpiresAt: exp,
		ExpiresIn: ttl,
		JKT:       jkt,
	}, nil
}

func (iss *Issuer) binding(bind BindMode, req IssueRequest) (string, error) {
	switch bind {
	case BindDPoP:
		if req.JWK == nil {
			return "", issueErr(IssueInvalidBinding, fmt.Errorf("jwk is required for DPoP binding"))
		}
		jkt, err := sig.Thumbprint(*req.JWK)
		if err != nil {
			return "", issueErr(IssueInvalidBinding, err)
		}
		return jkt, nil
	case BindMTLS:
		if req.CertFingerprint == "" {
			return "", issueErr(IssueInvalidBinding, fmt.Errorf("cert_fingerprint is required for mTLS binding"))
		}
		return NormalizeFingerprint(req.CertFingerprint), nil
	}
	return "", issueErr(IssueInvalidRequest, fmt.Errorf("unknown bind mode %q", bind))
}

// sign assembles the JWS by hand so that the private key stays behind the
// KeyProvider: signing input goes in, raw signature comes out.
func (iss *Issuer) sign(claims Claims, bind BindMode) (string, error) {
	method, err := iss.Key.Algorithm().ToGoJWT()
	if err != nil {
		return "", err
	}
	token := jwtx.NewWithClaims(method, claims)
	token.Header["typ"] = TokenType
	token.Header["bind"] = string(bind)

	signingInput, err := token.SigningString()
	if err != nil {
		return "", fmt.Errorf("could not build signing input: %w", err)
	}
	sigBytes, err := iss.Key.Sign([]byte(signingInput))
	if err != nil {
		return "", fmt.Errorf("could not sign token: %w", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sigBytes), nil
}

// newTrace returns 16 bytes of crypto/rand entropy, hex-encoded: the 128-bit
// per-token nonce the usage store keys on.
func newTrace() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NormalizeFingerprint strips ':' separators and lowercases a certificate
// fingerprint. Bytes are otherwise preserved.
func NormalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(fp, ":", ""))
}
