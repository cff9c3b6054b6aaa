// Package httpapi exposes the issuance service over HTTP: token minting,
// JWKS publication, and a health probe. Verification stays in the resource
// servers; this surface only mints.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-jose/go-jose/v4"

	ekey "github.com/axent-pl/ekey"
	"github.com/axent-pl/ekey/common/logx"
)

// tokenRequest is the POST /token body. Pointers distinguish absent fields
// from explicit zero values: ttl and cap.limit have defaults when absent but
// reject zero when present.
type tokenRequest struct {
	Sub  string     `json:"sub"`
	Aud  string     `json:"aud"`
	Cap  capRequest `json:"cap"`
	TTL  *int       `json:"ttl"`
	Bind string     `json:"bind"`

	JWK             json.RawMessage `json:"jwk"`
	CertFingerprint string          `json:"cert_fingerprint"`
}

type capRequest struct {
	Action string   `json:"action"`
	Scope  string   `json:"scope"`
	Limit  *int     `json:"limit"`
	Subcap []string `json:"subcap"`
}

type tokenResponse struct {
	Token     string  `json:"token"`
	Trace     string  `json:"trace"`
	ExpiresAt int64   `json:"expires_at"`
	ExpiresIn int     `json:"expires_in"`
	Cnf       cnfBody `json:"cnf"`
}

type cnfBody struct {
	JKT string `json:"jkt"`
}

type fieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error   string       `json:"error"`
	Details []fieldError `json:"details,omitempty"`
}

// Server wires the issuer into an HTTP router.
type Server struct {
	Issuer *ekey.Issuer
	Key    ekey.KeyProvider
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/token", s.handleToken)
	r.Get("/.well-known/jwks.json", s.handleJWKS)
	r.Get("/healthz", s.handleHealth)
	return r
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{
			Error:   "invalid_request",
			Details: []fieldError{{Path: "", Message: "malformed JSON body"}},
		})
		return
	}

	if details := validateTokenRequest(&body); len(details) > 0 {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Details: details})
		return
	}

	req := ekey.IssueRequest{
		Sub: body.Sub,
		Aud: body.Aud,
		Cap: ekey.Capability{
			Action: body.Cap.Action,
			Scope:  body.Cap.Scope,
			Subcap: body.Cap.Subcap,
		},
		Bind:            ekey.BindMode(body.Bind),
		CertFingerprint: body.CertFingerprint,
	}
	if body.Cap.Limit != nil {
		req.Cap.Limit = *body.Cap.Limit
	}
	if body.TTL != nil {
		req.TTL = *body.TTL
	}
	if len(body.JWK) > 0 {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(body.JWK); err != nil {
			writeError(w, http.StatusBadRequest, errorResponse{
				Error:   "invalid_request",
				Details: []fieldError{{Path: "jwk", Message: "malformed JWK"}},
			})
			return
		}
		req.JWK = &jwk
	}

	resp, err := s.Issuer.Issue(r.Context(), req)
	if err != nil {
		var issueErr *ekey.IssueError
		if errors.As(err, &issueErr) && issueErr.Kind != ekey.IssueSignerFailure {
			writeError(w, http.StatusBadRequest, errorResponse{
				Error:   "invalid_request",
				Details: []fieldError{{Path: "", Message: issueErr.Error()}},
			})
			return
		}
		logx.L().Error("token issuance failed", "error", err)
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "signer_failure"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(tokenResponse{
		Token:     resp.Token,
		Trace:     resp.Trace,
		ExpiresAt: resp.ExpiresAt,
		ExpiresIn: resp.ExpiresIn,
		Cnf:       cnfBody{JKT: resp.JKT},
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwk, err := s.Key.PublicJWK()
	if err != nil {
		logx.L().Error("could not render public JWK", "error", err)
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func validateTokenRequest(body *tokenRequest) []fieldError {
	var details []fieldError
	if body.Sub == "" {
		details = append(details, fieldError{Path: "sub", Message: "required"})
	}
	if body.Aud == "" {
		details = append(details, fieldError{Path: "aud", Message: "required"})
	} else if u, err := url.Parse(body.Aud); err != nil || u.Scheme == "" || u.Host == "" {
		details = append(details, fieldError{Path: "aud", Message: "must be an absolute URL"})
	}
	if body.Cap.Action == "" {
		details = append(details, fieldError{Path: "cap.action", Message: "required"})
	}
	if body.Cap.Limit != nil && (*body.Cap.Limit < 1 || *body.Cap.Limit > ekey.MaxLimit) {
		details = append(details, fieldError{Path: "cap.limit", Message: "must be in [1,10]"})
	}
	if body.TTL != nil && (*body.TTL < 1 || *body.TTL > ekey.MaxTTL) {
		details = append(details, fieldError{Path: "ttl", Message: "must be in [1,60]"})
	}
	switch ekey.BindMode(body.Bind) {
	case "", ekey.BindDPoP:
		if len(body.JWK) == 0 {
			details = append(details, fieldError{Path: "jwk", Message: "required for DPoP binding"})
		}
	case ekey.BindMTLS:
		if body.CertFingerprint == "" {
			details = append(details, fieldError{Path: "cert_fingerprint", Message: "required for mTLS binding"})
		}
	default:
		details = append(details, fieldError{Path: "bind", Message: "must be DPoP or mTLS"})
	}
	return details
}

func writeError(w http.ResponseWriter, status int, body errorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
