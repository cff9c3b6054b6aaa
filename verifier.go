package ekey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	jwtx "github.com/golang-jwt/jwt/v5"

	"github.com/axent-pl/ekey/audit"
	"github.com/axent-pl/ekey/common"
	"github.com/axent-pl/ekey/common/logx"
	"github.com/axent-pl/ekey/common/sig"
	"github.com/axent-pl/ekey/usage"
)

// DefaultClockTolerance applies to token exp and proof iat comparisons.
const DefaultClockTolerance = 5 * time.Second

var proofAlgs = []string{sig.SigAlgES256.String(), sig.SigAlgEdDSA.String()}

// VerifyInput is one protected request: the presented token, the DPoP proof
// (empty in mTLS mode), and the request's method and absolute URL.
type VerifyInput struct {
	Token  string
	Proof  string
	Method string
	URL    string
}

// Result is returned on full verification success.
type Result struct {
	Sub   string
	Aud   string
	Cap   Capability
	Trace string
}

// Verifier checks tokens and their proofs of possession against a configured
// issuer, audience, and key set, consuming one unit of the per-trace usage
// quota on the way.
//
// Usage consumption happens BEFORE proof verification, so a replayed request
// trips the quota even when its proof is forged. The flip side: a request
// cancelled (or failing its proof) after consumption burns one unit of the
// limit without admitting anyone, which is the conservative direction.
type Verifier struct {
	Issuer   string
	Audience string
	Keys     []sig.SignatureVerificationKey

	// Tolerance for exp and iat comparisons. Zero selects
	// DefaultClockTolerance.
	ClockTolerance time.Duration

	Usage usage.Store
	Audit audit.Sink
	Clock common.Clock

	// Certs supplies the authenticated peer certificate in mTLS mode.
	Certs CertExtractor
}

// tokenHeader is the unverified EKEY JOSE header.
type tokenHeader struct {
	typ  string
	alg  string
	bind BindMode
	kid  string
}

// proofHeader is the unverified DPoP JOSE header.
type proofHeader struct {
	Typ string          `json:"typ"`
	Alg string          `json:"alg"`
	JWK json.RawMessage `json:"jwk"`
}

// proofPayload is the DPoP proof claim set.
type proofPayload struct {
	jwtx.RegisteredClaims
	HTM   string `json:"htm"`
	HTU   string `json:"htu"`
	Nonce string `json:"nonce"`
}

// Verify runs the full check sequence. Each step short-circuits the rest:
// presence, token signature and standard claims, capability presence, action
// alignment, trace presence, usage consumption, proof of possession. Audit
// events are emitted at the point of failure.
func (v *Verifier) Verify(ctx context.Context, in VerifyInput) (*Result, error) {
	now := v.Clock.Now()
	tolerance := v.tolerance()

	// 1. presence and edge parsing
	if in.Token == "" {
		return nil, verifyErr(VerifyInvalidRequest, fmt.Errorf("missing token"))
	}
	reqURL, err := url.Parse(in.URL)
	if err != nil || reqURL.Scheme == "" || reqURL.Host == "" {
		return nil, verifyErr(VerifyInvalidRequest, fmt.Errorf("malformed request url"))
	}

	header, err := v.parseTokenHeader(in.Token)
	if err != nil {
		logx.L().Debug("could not parse token header", "context", ctx, "error", err)
		return nil, verifyErr(VerifyInvalidToken, err)
	}
	if header.typ != TokenType {
		return nil, verifyErr(VerifyInvalidToken, fmt.Errorf("typ must be %q", TokenType))
	}
	if header.bind != BindDPoP && header.bind != BindMTLS {
		return nil, verifyErr(VerifyInvalidToken, fmt.Errorf("unknown bind mode"))
	}
	if header.bind == BindDPoP && in.Proof == "" {
		return nil, verifyErr(VerifyInvalidRequest, fmt.Errorf("missing proof"))
	}

	// 2. token signature + standard claims
	claims, err := v.parseToken(in.Token, header, now, tolerance)
	if err != nil {
		logx.L().Debug("token validation failed", "context", ctx, "error", err)
		if errors.Is(err, jwtx.ErrTokenExpired) {
			return nil, verifyErr(VerifyExpiredToken, err)
		}
		return nil, verifyErr(VerifyInvalidToken, err)
	}

	// 3. capability presence
	capMethod, capPath, err := ParseAction(claims.Cap.Action)
	if err != nil {
		return nil, verifyErr(VerifyInvalidToken, err)
	}

	// 4. action alignment: exact match, no trailing-slash folding
	if strings.ToUpper(in.Method) != capMethod || reqURL.EscapedPath() != capPath {
		return nil, v.fail(claims, audit.OutcomeCapMismatch, now,
			verifyErrDetail(VerifyCapabilityMismatch, fmt.Errorf("request does not match capability"),
				map[string]any{"action": claims.Cap.Action}))
	}

	// 5. trace presence
	if claims.Trace == "" {
		return nil, verifyErr(VerifyInvalidToken, fmt.Errorf("missing trace"))
	}

	// 6. usage consumption (before PoP: replays trip the quota even with a
	// forged proof)
	exp := claims.ExpiresAt.Unix()
	if err := v.Usage.Consume(ctx, claims.Trace, claims.Cap.EffectiveLimit(), exp, now); err != nil {
		switch {
		case errors.Is(err, usage.ErrTokenExpired):
			return nil, v.fail(claims, audit.OutcomeExpired, now, verifyErr(VerifyExpiredToken, err))
		case errors.Is(err, usage.ErrLimitExhausted):
			return nil, v.fail(claims, audit.OutcomeReplayBlocked, now, verifyErr(VerifyReplayDetected, err))
		}
		logx.L().Debug("usage store failure", "context", ctx, "error", err)
		return nil, fmt.Errorf("%w: usage store: %v", common.ErrInternal, err)
	}

	// 7. proof of possession
	switch header.bind {
	case BindDPoP:
		err = v.verifyDPoP(in.Proof, strings.ToUpper(in.Method), canonicalHTU(reqURL), claims, now, tolerance)
	case BindMTLS:
		err = v.verifyMTLS(ctx, claims)
	}
	if err != nil {
		logx.L().Debug("proof verification failed", "context", ctx, "error", err)
		return nil, v.fail(claims, audit.OutcomeInvalidProof, now, err)
	}

	// 8. admit
	v.record(audit.Event{
		Sub:       claims.Subject,
		Trace:     claims.Trace,
		Outcome:   audit.OutcomeAllowed,
		Timestamp: now,
	})
	return &Result{
		Sub:   claims.Subject,
		Aud:   v.Audience,
		Cap:   claims.Cap,
		Trace: claims.Trace,
	}, nil
}

func (v *Verifier) tolerance() time.Duration {
	if v.ClockTolerance == 0 {
		return DefaultClockTolerance
	}
	return v.ClockTolerance
}

func (v *Verifier) parseTokenHeader(token string) (tokenHeader, error) {
	parser := jwtx.NewParser()
	unverified, _, err := parser.ParseUnverified(token, jwtx.MapClaims{})
	if err != nil || unverified == nil {
		return tokenHeader{}, fmt.Errorf("could not parse token: %w", err)
	}
	var h tokenHeader
	if t, ok := unverified.Header["typ"].(string); ok {
		h.typ = t
	}
	if a, ok := unverified.Header["alg"].(string); ok {
		h.alg = a
	}
	if b, ok := unverified.Header["bind"].(string); ok {
		h.bind = BindMode(b)
	}
	if k, ok := unverified.Header["kid"].(string); ok {
		h.kid = k
	}
	return h, nil
}

func (v *Verifier) parseToken(token string, header tokenHeader, now int64, tolerance time.Duration) (*Claims, error) {
	key, found := sig.FindVerificationKey(v.Keys, header.kid)
	if !found {
		return nil, fmt.Errorf("no verification key for token")
	}
	if header.alg != key.Alg.String() {
		return nil, fmt.Errorf("alg %q does not match key", header.alg)
	}

	claims := &Claims{}
	parsed, err := jwtx.ParseWithClaims(
		token,
		claims,
		func(t *jwtx.Token) (interface{}, error) { return key.Key, nil },
		jwtx.WithValidMethods([]string{key.Alg.String()}),
		jwtx.WithIssuer(v.Issuer),
		jwtx.WithAudience(v.Audience),
		jwtx.WithLeeway(tolerance),
		jwtx.WithExpirationRequired(),
		jwtx.WithTimeFunc(func() time.Time { return time.Unix(now, 0) }),
	)
	if err != nil {
		return nil, err
	}
	if parsed == nil || !parsed.Valid {
		return nil, errors.New("token is invalid")
	}
	if claims.Subject == "" {
		return nil, errors.New("missing sub")
	}
	return claims, nil
}

func (v *Verifier) verifyDPoP(proof, method, htu string, claims *Claims, now int64, tolerance time.Duration) error {
	header, err := parseProofHeader(proof)
	if err != nil {
		return verifyErr(VerifyInvalidProof, err)
	}
	if !strings.EqualFold(header.Typ, ProofType) {
		return verifyErr(VerifyInvalidProof, fmt.Errorf("typ must be %q", ProofType))
	}
	if len(header.JWK) == 0 {
		return verifyErr(VerifyInvalidProof, fmt.Errorf("missing jwk in proof header"))
	}

	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(header.JWK); err != nil {
		return verifyErr(VerifyInvalidProof, fmt.Errorf("could not parse embedded jwk: %w", err))
	}
	if !jwk.IsPublic() {
		return verifyErr(VerifyInvalidProof, fmt.Errorf("embedded jwk must be a public key"))
	}

	payload := &proofPayload{}
	parsed, err := jwtx.ParseWithClaims(
		proof,
		payload,
		func(t *jwtx.Token) (interface{}, error) { return jwk.Key, nil },
		jwtx.WithValidMethods(proofAlgs),
	)
	if err != nil || parsed == nil || !parsed.Valid {
		return verifyErr(VerifyInvalidProof, fmt.Errorf("proof signature invalid"))
	}

	if payload.HTM != method {
		return verifyErr(VerifyInvalidProof, fmt.Errorf("htm mismatch"))
	}
	if payload.HTU != htu {
		return verifyErr(VerifyInvalidProof, fmt.Errorf("htu mismatch"))
	}
	if payload.Nonce != claims.Trace {
		return verifyErr(VerifyInvalidProof, fmt.Errorf("nonce does not match trace"))
	}
	if payload.IssuedAt == nil {
		return verifyErr(VerifyInvalidProof, fmt.Errorf("missing iat"))
	}
	iat := payload.IssuedAt.Unix()
	drift := now - iat
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(tolerance.Seconds()) {
		return verifyErr(VerifyInvalidProof, fmt.Errorf("iat outside tolerance"))
	}

	if claims.Cnf == nil || claims.Cnf.JKT == "" {
		return verifyErr(VerifyInvalidToken, fmt.Errorf("missing cnf.jkt"))
	}
	jkt, err := sig.Thumbprint(jwk)
	if err != nil {
		return verifyErr(VerifyInvalidProof, err)
	}
	if jkt != claims.Cnf.JKT {
		return verifyErr(VerifyInvalidProof, fmt.Errorf("key thumbprint does not match binding"))
	}
	return nil
}

func (v *Verifier) verifyMTLS(ctx context.Context, claims *Claims) error {
	if v.Certs == nil {
		return verifyErr(VerifyInvalidRequest, fmt.Errorf("no client certificate source"))
	}
	peer := v.Certs.ClientCertificate(ctx)
	if peer == nil {
		return verifyErr(VerifyInvalidRequest, fmt.Errorf("missing client certificate"))
	}
	if claims.Cnf == nil || claims.Cnf.JKT == "" {
		return verifyErr(VerifyInvalidToken, fmt.Errorf("missing cnf.jkt"))
	}
	if NormalizeFingerprint(peer.Fingerprint) != claims.Cnf.JKT {
		return verifyErr(VerifyInvalidProof, fmt.Errorf("certificate fingerprint does not match binding"))
	}
	return nil
}

// fail emits the audit event for a failed check and passes the error through.
func (v *Verifier) fail(claims *Claims, outcome audit.Outcome, now int64, err error) error {
	v.record(audit.Event{
		Sub:       claims.Subject,
		Trace:     claims.Trace,
		Outcome:   outcome,
		Reason:    err.Error(),
		Timestamp: now,
	})
	return err
}

func (v *Verifier) record(ev audit.Event) {
	if v.Audit == nil {
		return
	}
	v.Audit.Record(ev)
}

func parseProofHeader(proof string) (proofHeader, error) {
	parts := strings.Split(proof, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return proofHeader{}, fmt.Errorf("proof must have three segments")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return proofHeader{}, fmt.Errorf("invalid proof header encoding")
	}
	var h proofHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return proofHeader{}, fmt.Errorf("invalid proof header")
	}
	return h, nil
}

// canonicalHTU renders origin + pathname: lowercased scheme and host, default
// ports stripped, no query or fragment.
func canonicalHTU(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" {
		isDefault := (scheme == "https" && port == "443") || (scheme == "http" && port == "80")
		if !isDefault {
			host = host + ":" + port
		}
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}
