package ekey_test

import (
	"context"
	"errors"
	"testing"

	jwtx "github.com/golang-jwt/jwt/v5"

	ekey "github.com/axent-pl/ekey"
	"github.com/axent-pl/ekey/common"
	"github.com/axent-pl/ekey/common/sig"
)

func newIssuer(t *testing.T, now int64) (*ekey.Issuer, *sig.SignatureKey) {
	t.Helper()
	key, err := sig.GenerateSigningKey("issuer-key", sig.SigAlgES256)
	if err != nil {
		t.Fatal(err)
	}
	iss := &ekey.Issuer{
		Issuer: "https://issuer.example.com",
		Key:    key,
		Clock:  common.ClockFunc(func() int64 { return now }),
	}
	return iss, key
}

func clientJWK(t *testing.T) (*sig.SignatureKey, *ekey.IssueRequest) {
	t.Helper()
	clientKey, err := sig.GenerateSigningKey("", sig.SigAlgES256)
	if err != nil {
		t.Fatal(err)
	}
	jwk, err := clientKey.PublicJWK()
	if err != nil {
		t.Fatal(err)
	}
	req := &ekey.IssueRequest{
		Sub: "agent-1",
		Aud: "https://api.example.com",
		Cap: ekey.Capability{Action: "POST:/payments", Limit: 1},
		TTL: 30,
		JWK: &jwk,
	}
	return clientKey, req
}

func TestIssuer_Issue_DPoP(t *testing.T) {
	const now = int64(1_700_000_000)
	iss, _ := newIssuer(t, now)
	clientKey, req := clientJWK(t)

	resp, err := iss.Issue(context.Background(), *req)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	if resp.ExpiresAt != now+30 || resp.ExpiresIn != 30 {
		t.Errorf("expiry = (%d, %d), want (%d, 30)", resp.ExpiresAt, resp.ExpiresIn, now+30)
	}
	if len(resp.Trace) != 32 {
		t.Errorf("trace length = %d, want 32 hex chars", len(resp.Trace))
	}

	jwk, _ := clientKey.PublicJWK()
	wantJKT, err := sig.Thumbprint(jwk)
	if err != nil {
		t.Fatal(err)
	}
	if resp.JKT != wantJKT {
		t.Errorf("jkt = %q, want thumbprint of client key", resp.JKT)
	}

	parser := jwtx.NewParser()
	claims := &ekey.Claims{}
	parsed, _, err := parser.ParseUnverified(resp.Token, claims)
	if err != nil {
		t.Fatalf("could not parse minted token: %v", err)
	}
	if typ := parsed.Header["typ"]; typ != ekey.TokenType {
		t.Errorf("typ = %v, want %q", typ, ekey.TokenType)
	}
	if bind := parsed.Header["bind"]; bind != string(ekey.BindDPoP) {
		t.Errorf("bind = %v, want DPoP", bind)
	}
	if alg := parsed.Header["alg"]; alg != "ES256" {
		t.Errorf("alg = %v, want ES256", alg)
	}
	if claims.Issuer != "https://issuer.example.com" || claims.Subject != "agent-1" {
		t.Errorf("iss/sub = %q/%q", claims.Issuer, claims.Subject)
	}
	if claims.IssuedAt.Unix() != now || claims.ExpiresAt.Unix() != now+30 {
		t.Errorf("iat/exp = %d/%d", claims.IssuedAt.Unix(), claims.ExpiresAt.Unix())
	}
	if claims.Cap.Action != "POST:/payments" || claims.Cap.Limit != 1 {
		t.Errorf("cap = %+v", claims.Cap)
	}
	if claims.Cnf == nil || claims.Cnf.JKT != wantJKT {
		t.Errorf("cnf = %+v", claims.Cnf)
	}
	if claims.Trace != resp.Trace {
		t.Errorf("trace claim %q != response trace %q", claims.Trace, resp.Trace)
	}
}

func TestIssuer_Issue_MTLSFingerprintNormalization(t *testing.T) {
	iss, _ := newIssuer(t, 1_700_000_000)

	resp, err := iss.Issue(context.Background(), ekey.IssueRequest{
		Sub:             "agent-1",
		Aud:             "https://api.example.com",
		Cap:             ekey.Capability{Action: "GET:/reports"},
		Bind:            ekey.BindMTLS,
		CertFingerprint: "AB:CD:EF:01:23",
	})
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}
	if resp.JKT != "abcdef0123" {
		t.Errorf("jkt = %q, want normalized fingerprint", resp.JKT)
	}
}

func TestIssuer_Issue_Validation(t *testing.T) {
	_, base := clientJWK(t)

	tests := []struct {
		name     string
		mutate   func(r *ekey.IssueRequest)
		wantKind ekey.IssueErrorKind
	}{
		{
			name:     "malformed action",
			mutate:   func(r *ekey.IssueRequest) { r.Cap.Action = "post:/payments" },
			wantKind: ekey.IssueInvalidRequest,
		},
		{
			name:     "limit above max",
			mutate:   func(r *ekey.IssueRequest) { r.Cap.Limit = 11 },
			wantKind: ekey.IssueInvalidRequest,
		},
		{
			name:     "ttl above max",
			mutate:   func(r *ekey.IssueRequest) { r.TTL = 61 },
			wantKind: ekey.IssueInvalidRequest,
		},
		{
			name:     "negative ttl",
			mutate:   func(r *ekey.IssueRequest) { r.TTL = -1 },
			wantKind: ekey.IssueInvalidRequest,
		},
		{
			name:     "missing sub",
			mutate:   func(r *ekey.IssueRequest) { r.Sub = "" },
			wantKind: ekey.IssueInvalidRequest,
		},
		{
			name:     "missing aud",
			mutate:   func(r *ekey.IssueRequest) { r.Aud = "" },
			wantKind: ekey.IssueInvalidRequest,
		},
		{
			name:     "missing jwk for DPoP",
			mutate:   func(r *ekey.IssueRequest) { r.JWK = nil },
			wantKind: ekey.IssueInvalidBinding,
		},
		{
			name: "missing fingerprint for mTLS",
			mutate: func(r *ekey.IssueRequest) {
				r.Bind = ekey.BindMTLS
				r.CertFingerprint = ""
			},
			wantKind: ekey.IssueInvalidBinding,
		},
		{
			name:     "unknown bind",
			mutate:   func(r *ekey.IssueRequest) { r.Bind = "PoP" },
			wantKind: ekey.IssueInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iss, _ := newIssuer(t, 1_700_000_000)
			req := *base
			tt.mutate(&req)
			_, err := iss.Issue(context.Background(), req)
			if err == nil {
				t.Fatal("Issue() succeeded unexpectedly")
			}
			var issueErr *ekey.IssueError
			if !errors.As(err, &issueErr) {
				t.Fatalf("error %v is not an IssueError", err)
			}
			if issueErr.Kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", issueErr.Kind, tt.wantKind)
			}
		})
	}
}

func TestIssuer_Issue_BoundaryAcceptance(t *testing.T) {
	iss, _ := newIssuer(t, 1_700_000_000)
	_, req := clientJWK(t)

	req.TTL = 60
	req.Cap.Limit = 10
	if _, err := iss.Issue(context.Background(), *req); err != nil {
		t.Errorf("Issue(ttl=60, limit=10) failed: %v", err)
	}
}

func TestIssuer_Issue_UniqueTraces(t *testing.T) {
	iss, _ := newIssuer(t, 1_700_000_000)
	_, req := clientJWK(t)

	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		resp, err := iss.Issue(context.Background(), *req)
		if err != nil {
			t.Fatal(err)
		}
		if _, dup := seen[resp.Trace]; dup {
			t.Fatalf("duplicate trace %q", resp.Trace)
		}
		seen[resp.Trace] = struct{}{}
	}
}
