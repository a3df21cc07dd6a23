// Package pairing implements C3: the Short-Authenticated-String ECDH
// pairing handshake (spec §4.3) that lets a Listener, having obtained a
// Monitor's certificate fingerprint out-of-band, establish mutual trust.
package pairing

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/cribcall/cribcall/internal/canonjson"
	"github.com/cribcall/cribcall/internal/cerr"
	"github.com/cribcall/cribcall/internal/ports"
)

// TTL is the hard pairing-session lifetime (spec §3, §4.3: "≤ 60 s").
const TTL = 60 * time.Second

// InitialAttempts is the number of confirm attempts a session is granted
// before it transitions to failed (spec §3, §4.3).
const InitialAttempts = 3

// QRTokenTTL is how long a Monitor-issued QR fast-path token remains valid
// (spec §4.3's "or after 10 minutes").
const QRTokenTTL = 10 * time.Minute

// maxSessions bounds the pending-session table so a flood of /pair/init
// cannot grow memory unboundedly; the oldest expired-or-failed session is
// evicted first when the cap is reached (SPEC_FULL.md ambient addition
// modeled on the teacher's bounded-eviction collections).
const maxSessions = 10000

// State is a Pairing Session's lifecycle state (spec §3).
type State string

const (
	StateInitiated State = "initiated"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
)

// Session is the Monitor-side pairing session record (spec §3).
type Session struct {
	SessionID          string
	ListenerFingerprint string
	PairingKey         []byte
	ComparisonCode     string
	ExpiresAt          time.Time
	AttemptsRemaining  int
	State              State
	TokenAuthenticated bool

	monitorFingerprint string
	createdAt          time.Time
	// terminalErr caches the error to return to any subsequent request
	// against a session that has reached attempts-exhausted, per spec
	// §4.3: "the session record is retained only long enough to answer
	// subsequent requests with the same terminal error."
	terminalErr error
}

// InitRequest is the body of POST /pair/init.
type InitRequest struct {
	ListenerName           string
	ListenerFingerprint    string
	ListenerECDHPublicKey  []byte
	QRToken                string // optional fast-path token
}

// InitResponse is returned from a successful /pair/init.
type InitResponse struct {
	SessionID            string
	MonitorName           string
	MonitorECDHPublicKey  []byte
	ExpiresInSec          int
	ComparisonCode        string
}

// ConfirmRequest is the body of POST /pair/confirm.
type ConfirmRequest struct {
	SessionID string
	AuthTag   []byte
}

// ConfirmResult is returned from a successful /pair/confirm; the caller
// (the control transport's handler) is responsible for adding the trusted
// peer using this fingerprint. The response's own remote_device_id and
// certificate_der come from this device's identity, not from the Listener.
type ConfirmResult struct {
	ListenerFingerprint string
}

// Manager runs the single server-side pairing state machine shared by both
// the QR-assisted and discovery-assisted flows (spec §4.3).
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	order      []string // insertion order, for bounded eviction
	qrTokens   map[string]time.Time

	clock        ports.Clock
	monitorName  string
	monitorFingerprint string
}

// NewManager constructs a Manager. monitorName and monitorFingerprint are
// this device's display name and certificate fingerprint.
func NewManager(clock ports.Clock, monitorName, monitorFingerprint string) *Manager {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Manager{
		sessions:           make(map[string]*Session),
		qrTokens:           make(map[string]time.Time),
		clock:              clock,
		monitorName:        monitorName,
		monitorFingerprint: monitorFingerprint,
	}
}

// IssueQRToken mints a single-use pairing token for embedding in a
// displayed QR code (spec §4.3 QR-token fast path).
func (m *Manager) IssueQRToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := uuid.NewString()
	m.qrTokens[token] = m.clock.Now().Add(QRTokenTTL)
	return token
}

// consumeQRTokenLocked validates and invalidates token, reporting whether it was
// valid (present and not expired). Must be called with m.mu held.
func (m *Manager) consumeQRTokenLocked(token string) bool {
	if token == "" {
		return false
	}
	expiry, ok := m.qrTokens[token]
	if !ok {
		return false
	}
	delete(m.qrTokens, token)
	return m.clock.Now().Before(expiry)
}

// Init handles POST /pair/init (spec §4.3 step 1).
func (m *Manager) Init(req InitRequest) (*InitResponse, error) {
	curve := ecdh.P256()

	listenerPub, err := curve.NewPublicKey(req.ListenerECDHPublicKey)
	if err != nil {
		return nil, cerr.Wrap(cerr.ProtocolError, "invalid listener ECDH public key", err)
	}

	monitorEphemeral, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pairing: generate ephemeral key: %w", err)
	}

	shared, err := monitorEphemeral.ECDH(listenerPub)
	if err != nil {
		return nil, cerr.Wrap(cerr.ProtocolError, "ECDH key agreement failed", err)
	}

	comparisonCode, err := deriveComparisonCode(shared)
	if err != nil {
		return nil, fmt.Errorf("pairing: derive comparison code: %w", err)
	}
	pairingKey, err := derivePairingKey(shared)
	if err != nil {
		return nil, fmt.Errorf("pairing: derive pairing key: %w", err)
	}

	now := m.clock.Now()
	sess := &Session{
		SessionID:           uuid.NewString(),
		ListenerFingerprint: req.ListenerFingerprint,
		PairingKey:          pairingKey,
		ComparisonCode:      comparisonCode,
		ExpiresAt:           now.Add(TTL),
		AttemptsRemaining:   InitialAttempts,
		State:               StateInitiated,
		createdAt:           now,
		monitorFingerprint:  m.monitorFingerprint,
	}

	m.mu.Lock()
	if req.QRToken != "" {
		sess.TokenAuthenticated = m.consumeQRTokenLocked(req.QRToken)
	}
	m.admitLocked(sess)
	m.mu.Unlock()

	return &InitResponse{
		SessionID:            sess.SessionID,
		MonitorName:           m.monitorName,
		MonitorECDHPublicKey:  monitorEphemeral.PublicKey().Bytes(),
		ExpiresInSec:          int(TTL.Seconds()),
		ComparisonCode:        comparisonCode,
	}, nil
}

// admitLocked inserts sess, evicting the oldest expired-or-failed session
// first if the table is at capacity. Must be called with m.mu held.
func (m *Manager) admitLocked(sess *Session) {
	if len(m.sessions) >= maxSessions {
		now := m.clock.Now()
		for i, id := range m.order {
			s := m.sessions[id]
			if s == nil {
				continue
			}
			if s.State == StateFailed || s.State == StateExpired || now.After(s.ExpiresAt) {
				delete(m.sessions, id)
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.sessions[sess.SessionID] = sess
	m.order = append(m.order, sess.SessionID)
}

// Confirm handles POST /pair/confirm (spec §4.3 step 2).
func (m *Manager) Confirm(req ConfirmRequest) (*ConfirmResult, error) {
	m.mu.Lock()
	sess, ok := m.sessions[req.SessionID]
	m.mu.Unlock()
	if !ok {
		return nil, cerr.New(cerr.PairingExpired, "unknown or expired pairing session")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sess.State == StateFailed {
		return nil, sess.terminalErr
	}
	if sess.State == StateConfirmed {
		// Re-confirm of an already-confirmed session is treated the same
		// as a fresh success (idempotent from the caller's point of view).
		return &ConfirmResult{
			ListenerFingerprint: sess.ListenerFingerprint,
		}, nil
	}

	now := m.clock.Now()
	if !now.Before(sess.ExpiresAt) {
		sess.State = StateExpired
		return nil, cerr.New(cerr.PairingExpired, "pairing session expired")
	}

	transcript := map[string]string{
		"session_id":           sess.SessionID,
		"listener_fingerprint": sess.ListenerFingerprint,
		"monitor_fingerprint":  sess.monitorFingerprint,
	}
	canon, err := canonjson.Marshal(transcript)
	if err != nil {
		return nil, fmt.Errorf("pairing: canonicalize transcript: %w", err)
	}

	mac := hmac.New(sha256.New, sess.PairingKey)
	mac.Write(canon)
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare(expected, req.AuthTag) != 1 {
		sess.AttemptsRemaining--
		if sess.AttemptsRemaining <= 0 {
			// This call itself still reports the auth failure it just saw
			// (spec §8: the first three failed confirms return
			// PairingAuthFailed); only a subsequent call, finding the
			// session already in StateFailed above, observes the cached
			// PairingAttemptsExhausted.
			sess.State = StateFailed
			sess.terminalErr = cerr.New(cerr.PairingAttemptsExhausted, "pairing confirm attempts exhausted")
		}
		return nil, cerr.New(cerr.PairingAuthFailed, "pairing authentication tag mismatch")
	}

	sess.State = StateConfirmed
	return &ConfirmResult{
		ListenerFingerprint: sess.ListenerFingerprint,
	}, nil
}

// deriveComparisonCode implements spec §4.3 step 3: HKDF-SHA256(shared, "",
// "cribcall-pair-code", 3 bytes) mod 1,000,000, displayed zero-padded.
func deriveComparisonCode(shared []byte) (string, error) {
	r := hkdf.New(sha256.New, shared, nil, []byte("cribcall-pair-code"))
	var buf [3]byte
	if _, err := readFull(r, buf[:]); err != nil {
		return "", err
	}
	n := uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
	code := n % 1000000
	return fmt.Sprintf("%06d", code), nil
}

// derivePairingKey implements spec §4.3 step 4: HKDF-SHA256(shared, "",
// "cribcall-pair-key", 32 bytes).
func derivePairingKey(shared []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, shared, nil, []byte("cribcall-pair-key"))
	key := make([]byte, 32)
	if _, err := readFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("pairing: short read deriving key material")
		}
	}
	return total, nil
}

// BuildTranscriptAuthTag is a helper for the Listener side (and tests): it
// computes the same auth_tag the Monitor expects, given the Listener's own
// derived pairing key and fingerprints.
func BuildTranscriptAuthTag(pairingKey []byte, sessionID, listenerFingerprint, monitorFingerprint string) ([]byte, error) {
	transcript := map[string]string{
		"session_id":           sessionID,
		"listener_fingerprint": listenerFingerprint,
		"monitor_fingerprint":  monitorFingerprint,
	}
	canon, err := canonjson.Marshal(transcript)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, pairingKey)
	mac.Write(canon)
	return mac.Sum(nil), nil
}

// DeriveListenerSide runs the Listener's half of the ECDH derivation: given
// its own ephemeral private key and the Monitor's public key from the
// /pair/init response, it computes the same comparison_code and
// pairing_key the Monitor derived (invariant 2, spec §8).
func DeriveListenerSide(listenerPriv *ecdh.PrivateKey, monitorPubBytes []byte) (comparisonCode string, pairingKey []byte, err error) {
	curve := ecdh.P256()
	monitorPub, err := curve.NewPublicKey(monitorPubBytes)
	if err != nil {
		return "", nil, fmt.Errorf("pairing: invalid monitor ECDH public key: %w", err)
	}
	shared, err := listenerPriv.ECDH(monitorPub)
	if err != nil {
		return "", nil, fmt.Errorf("pairing: ECDH key agreement failed: %w", err)
	}
	comparisonCode, err = deriveComparisonCode(shared)
	if err != nil {
		return "", nil, err
	}
	pairingKey, err = derivePairingKey(shared)
	if err != nil {
		return "", nil, err
	}
	return comparisonCode, pairingKey, nil
}
