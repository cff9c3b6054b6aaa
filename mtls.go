package ekey

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
)

// PeerIdentity describes an authenticated mTLS client certificate.
// Fingerprint is the normalized SHA-256 of the certificate DER (lowercase
// hex, no separators).
type PeerIdentity struct {
	Fingerprint string
	Subject     string
	SPIFFEID    string
}

// CertExtractor yields the presented client certificate of the current
// request, or nil when the peer is missing or unauthenticated. Callers
// translate nil into an invalid-request error.
type CertExtractor interface {
	ClientCertificate(ctx context.Context) *PeerIdentity
}

// TLSStateExtractor reads the peer certificate from a completed TLS
// handshake, typically http.Request.TLS.
type TLSStateExtractor struct {
	State *tls.ConnectionState
}

func (e TLSStateExtractor) ClientCertificate(ctx context.Context) *PeerIdentity {
	if e.State == nil || len(e.State.PeerCertificates) == 0 {
		return nil
	}
	cert := e.State.PeerCertificates[0]
	id := &PeerIdentity{
		Fingerprint: CertFingerprint(cert.Raw),
		Subject:     cert.Subject.CommonName,
	}
	for _, uri := range cert.URIs {
		if uri.Scheme == "spiffe" {
			id.SPIFFEID = uri.String()
			break
		}
	}
	return id
}

// CertFingerprint computes the SHA-256 of certificate DER bytes as lowercase
// hex.
func CertFingerprint(der []byte) string {
	digest := sha256.Sum256(der)
	return hex.EncodeToString(digest[:])
}
