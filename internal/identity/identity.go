// Package identity implements C1: device identity generation, persistence,
// and canonical fingerprinting of the long-lived self-signed certificate
// every CribCall device presents on the control plane.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cribcall/cribcall/internal/cerr"
)

// validity is the certificate lifetime from first creation, per spec §4.1.
const validity = 10 * 365 * 24 * time.Hour

// Identity is the immutable-after-creation device identity (spec §3).
// Fingerprint is always sha256(CertificateDER) rendered as lowercase hex;
// that invariant is enforced at construction and never recomputed from a
// stored value.
type Identity struct {
	DeviceID       string
	CertificateDER []byte
	PrivateKeyDER  []byte
	FingerprintHex string
}

// Store is the injected secure storage adapter (spec §6's SecureIdentityStore).
// Put must be atomic (write-to-temp-then-rename or equivalent); Get reports
// ok == false with a nil error when no identity has been persisted yet.
type Store interface {
	Get() (der []byte, keyDER []byte, deviceID string, ok bool, err error)
	Put(der []byte, keyDER []byte, deviceID string) error
}

// Fingerprint returns the canonical lowercase-hex SHA-256 fingerprint of a
// DER-encoded certificate. All fingerprint comparisons elsewhere in the
// system must lowercase both sides first (spec §4.1); this function always
// emits lowercase so callers that use it directly need no extra care.
func Fingerprint(certDER []byte) string {
	sum := sha256.Sum256(certDER)
	return hex.EncodeToString(sum[:])
}

// LoadOrCreate returns the device's persisted identity, generating and
// persisting a new one on first use. Store failures are fatal: per spec
// §4.1 callers MUST abort rather than continue with an ephemeral identity.
func LoadOrCreate(store Store) (*Identity, error) {
	der, keyDER, deviceID, ok, err := store.Get()
	if err != nil {
		return nil, cerr.Wrap(cerr.IdentityStoreUnavailable, "read persisted identity", err)
	}
	if ok {
		return &Identity{
			DeviceID:       deviceID,
			CertificateDER: der,
			PrivateKeyDER:  keyDER,
			FingerprintHex: Fingerprint(der),
		}, nil
	}

	id, err := generate()
	if err != nil {
		return nil, err
	}
	if err := store.Put(id.CertificateDER, id.PrivateKeyDER, id.DeviceID); err != nil {
		return nil, cerr.Wrap(cerr.IdentityStoreUnavailable, "persist new identity", err)
	}
	return id, nil
}

// generate builds a fresh P-256 keypair and self-signed certificate with
// CN="CribCall Device" and SAN URI "cribcall:<device_id>", signed SHA-256,
// valid for 10 years (spec §4.1).
func generate() (*Identity, error) {
	deviceID := uuid.NewString()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, cerr.Wrap(cerr.IdentityStoreUnavailable, "generate P-256 key", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, cerr.Wrap(cerr.IdentityStoreUnavailable, "generate serial", err)
	}

	sanURI, err := url.Parse(fmt.Sprintf("cribcall:%s", deviceID))
	if err != nil {
		return nil, cerr.Wrap(cerr.IdentityStoreUnavailable, "build SAN URI", err)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "CribCall Device"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		URIs:                  []*url.URL{sanURI},
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, cerr.Wrap(cerr.IdentityStoreUnavailable, "create self-signed certificate", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, cerr.Wrap(cerr.IdentityStoreUnavailable, "marshal private key", err)
	}

	return &Identity{
		DeviceID:       deviceID,
		CertificateDER: certDER,
		PrivateKeyDER:  keyDER,
		FingerprintHex: Fingerprint(certDER),
	}, nil
}

// ParseCertificate parses a DER-encoded certificate, as used when verifying
// a peer's presented leaf during pairing or mTLS handshake.
func ParseCertificate(der []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("identity: parse certificate: %w", err)
	}
	return cert, nil
}

// TLSCertificate returns the parts a crypto/tls.Certificate is built from:
// the certificate DER and the parsed EC private key.
func (id *Identity) TLSCertificate() (cert []byte, key any, err error) {
	parsed, err := x509.ParseECPrivateKey(id.PrivateKeyDER)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: parse EC private key: %w", err)
	}
	return id.CertificateDER, parsed, nil
}

// EqualFingerprint compares two fingerprints case-insensitively, per spec
// §4.1's requirement that all components compare fingerprints that way.
func EqualFingerprint(a, b string) bool {
	return strings.EqualFold(a, b)
}
