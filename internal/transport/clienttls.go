package transport

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/cribcall/cribcall/internal/cerr"
	"github.com/cribcall/cribcall/internal/identity"
)

// BuildPairingClientTLSConfig is the Listener side of spec §4.3 step 1:
// "single-sided TLS (Monitor presents cert; Listener verifies its SHA-256
// matches the expected fingerprint and aborts with ServerPinMismatch
// otherwise)". Standard chain verification is skipped (the certificates
// are self-signed, spec §4.1) in favor of the explicit fingerprint pin.
func BuildPairingClientTLSConfig(expectedFingerprint string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, // pin is enforced by VerifyPeerCertificate below
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS13,
		CipherSuites:       allowedCipherSuites,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPin(rawCerts, expectedFingerprint)
		},
	}
}

// BuildControlClientTLSConfig is the Listener side of the mTLS control
// connection (spec §4.5 item 2): this device presents id's certificate as
// its client identity and pins the Monitor's presented server certificate
// to expectedFingerprint (the fingerprint trusted during pairing), exactly
// as the pairing client does.
func BuildControlClientTLSConfig(id *identity.Identity, expectedFingerprint string) (*tls.Config, error) {
	cert, err := serverCertificate(id)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS13,
		CipherSuites:       allowedCipherSuites,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPin(rawCerts, expectedFingerprint)
		},
	}, nil
}

func verifyPin(rawCerts [][]byte, expectedFingerprint string) error {
	if len(rawCerts) == 0 {
		return cerr.New(cerr.ServerPinMismatch, "server presented no certificate")
	}
	fp := identity.Fingerprint(rawCerts[0])
	if !identity.EqualFingerprint(fp, expectedFingerprint) {
		return cerr.New(cerr.ServerPinMismatch, "server certificate fingerprint does not match pinned value")
	}
	return nil
}
