// Package transport implements C5: the two control-plane listeners, served
// side by side (spec §4.5) — a server-authenticated pairing endpoint and a
// mutually-authenticated control endpoint — built the way the teacher
// builds its HTTPS/websocket server: a self-signed TLS identity
// (server/tls.go) plus an Echo application (server/internal/httpapi) with
// a gorilla/websocket upgrade route (server/internal/ws).
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/cribcall/cribcall/internal/cerr"
	"github.com/cribcall/cribcall/internal/identity"
	"github.com/cribcall/cribcall/internal/trust"
)

// allowedCipherSuites restricts TLS 1.2 negotiation to ECDHE-based AEAD
// suites (spec §4.5: "Cipher suites restricted to ECDHE-based AEAD
// suites"). TLS 1.3's cipher suites are fixed AEAD suites chosen by the
// runtime and aren't configurable the same way, so this list only
// constrains the 1.2 fallback.
var allowedCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
}

func serverCertificate(id *identity.Identity) (tls.Certificate, error) {
	der, key, err := id.TLSCertificate()
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: load server certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// BuildPairingTLSConfig returns the TLS config for the server-authenticated
// pairing endpoint: this device presents id's certificate, the peer's
// client certificate is never requested (spec §4.5 item 1).
func BuildPairingTLSConfig(id *identity.Identity) (*tls.Config, error) {
	cert, err := serverCertificate(id)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
		CipherSuites: allowedCipherSuites,
	}, nil
}

// BuildControlTLSConfig returns the TLS config for the mutually-authenticated
// control endpoint (spec §4.5 item 2). Peers present self-signed leaf
// certificates with no common CA, so standard chain verification is
// disabled in favor of a fingerprint check against the live Trust Store,
// evaluated fresh on every handshake so newly trusted/evicted peers take
// effect without restarting the listener (spec §4.5's "MUST NOT require
// restarting the listening socket").
func BuildControlTLSConfig(id *identity.Identity, store *trust.Store) (*tls.Config, error) {
	cert, err := serverCertificate(id)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
		CipherSuites: allowedCipherSuites,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return cerr.New(cerr.ClientCertificateRequired, "no client certificate presented")
			}
			fp := identity.Fingerprint(rawCerts[0])
			if !store.Contains(fp) {
				return cerr.New(cerr.ClientCertificateUntrusted, "client certificate fingerprint not in trust store")
			}
			return nil
		},
	}, nil
}
