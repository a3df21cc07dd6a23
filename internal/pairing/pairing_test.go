package pairing

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"
	"time"

	"github.com/cribcall/cribcall/internal/cerr"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newListenerKey(t *testing.T) *ecdh.PrivateKey {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate listener key: %v", err)
	}
	return key
}

// TestPairingHappyPath exercises invariant 2 (spec §8): both sides derive
// the same comparison_code and pairing_key, and confirm succeeds.
func TestPairingHappyPath(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	mgr := NewManager(clock, "Nursery", "monitor-fp-aaa")

	listenerKey := newListenerKey(t)

	initResp, err := mgr.Init(InitRequest{
		ListenerName:          "Phone",
		ListenerFingerprint:   "listener-fp-bbb",
		ListenerECDHPublicKey: listenerKey.PublicKey().Bytes(),
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	listenerCode, listenerKeyMaterial, err := DeriveListenerSide(listenerKey, initResp.MonitorECDHPublicKey)
	if err != nil {
		t.Fatalf("DeriveListenerSide: %v", err)
	}
	if listenerCode != initResp.ComparisonCode {
		t.Fatalf("comparison codes differ: monitor=%s listener=%s", initResp.ComparisonCode, listenerCode)
	}
	if len(initResp.ComparisonCode) != 6 {
		t.Fatalf("comparison code length = %d, want 6", len(initResp.ComparisonCode))
	}

	authTag, err := BuildTranscriptAuthTag(listenerKeyMaterial, initResp.SessionID, "listener-fp-bbb", "monitor-fp-aaa")
	if err != nil {
		t.Fatalf("BuildTranscriptAuthTag: %v", err)
	}

	result, err := mgr.Confirm(ConfirmRequest{SessionID: initResp.SessionID, AuthTag: authTag})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if result.ListenerFingerprint != "listener-fp-bbb" {
		t.Errorf("got listener fingerprint %s", result.ListenerFingerprint)
	}
}

// TestConfirmWrongAuthTagThenExhausted exercises the exact boundary spec §8
// names: "Fourth consecutive failed pairing confirm within a single session
// returns PairingAttemptsExhausted (first three return PairingAuthFailed)".
func TestConfirmWrongAuthTagThenExhausted(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	mgr := NewManager(clock, "Nursery", "monitor-fp-aaa")
	listenerKey := newListenerKey(t)

	initResp, err := mgr.Init(InitRequest{
		ListenerFingerprint:   "listener-fp-bbb",
		ListenerECDHPublicKey: listenerKey.PublicKey().Bytes(),
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	badTag := []byte("not-the-right-tag-not-the-right-tag")

	// The first InitialAttempts (3) failures each report PairingAuthFailed,
	// including the one that drives attempts_remaining to zero.
	for i := 0; i < InitialAttempts; i++ {
		_, err := mgr.Confirm(ConfirmRequest{SessionID: initResp.SessionID, AuthTag: badTag})
		if !cerr.Is(err, cerr.PairingAuthFailed) {
			t.Fatalf("attempt %d: expected PairingAuthFailed, got %v", i+1, err)
		}
	}

	// The 4th consecutive failure must exhaust attempts.
	_, err = mgr.Confirm(ConfirmRequest{SessionID: initResp.SessionID, AuthTag: badTag})
	if !cerr.Is(err, cerr.PairingAttemptsExhausted) {
		t.Fatalf("expected PairingAttemptsExhausted on 4th attempt, got %v", err)
	}

	// A subsequent request must answer with the same terminal error.
	_, err = mgr.Confirm(ConfirmRequest{SessionID: initResp.SessionID, AuthTag: badTag})
	if !cerr.Is(err, cerr.PairingAttemptsExhausted) {
		t.Fatalf("expected terminal PairingAttemptsExhausted retained, got %v", err)
	}
}

func TestConfirmExactlyAtExpiryFails(t *testing.T) {
	start := time.Now()
	clock := &fakeClock{now: start}
	mgr := NewManager(clock, "Nursery", "monitor-fp-aaa")
	listenerKey := newListenerKey(t)

	initResp, err := mgr.Init(InitRequest{
		ListenerFingerprint:   "listener-fp-bbb",
		ListenerECDHPublicKey: listenerKey.PublicKey().Bytes(),
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Advance the clock to exactly expires_at.
	clock.now = start.Add(TTL)

	_, err = mgr.Confirm(ConfirmRequest{SessionID: initResp.SessionID, AuthTag: []byte("whatever")})
	if !cerr.Is(err, cerr.PairingExpired) {
		t.Fatalf("expected PairingExpired at exact expiry, got %v", err)
	}
}

func TestConcurrentInitFromSameFingerprintIndependentSessions(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	mgr := NewManager(clock, "Nursery", "monitor-fp-aaa")
	listenerKey1 := newListenerKey(t)
	listenerKey2 := newListenerKey(t)

	resp1, err := mgr.Init(InitRequest{ListenerFingerprint: "listener-fp-bbb", ListenerECDHPublicKey: listenerKey1.PublicKey().Bytes()})
	if err != nil {
		t.Fatalf("Init 1: %v", err)
	}
	resp2, err := mgr.Init(InitRequest{ListenerFingerprint: "listener-fp-bbb", ListenerECDHPublicKey: listenerKey2.PublicKey().Bytes()})
	if err != nil {
		t.Fatalf("Init 2: %v", err)
	}
	if resp1.SessionID == resp2.SessionID {
		t.Error("expected independent session IDs for concurrent init from same fingerprint")
	}
}

func TestQRTokenFastPathSingleUse(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	mgr := NewManager(clock, "Nursery", "monitor-fp-aaa")
	token := mgr.IssueQRToken()

	listenerKey1 := newListenerKey(t)
	resp1, err := mgr.Init(InitRequest{
		ListenerFingerprint:   "listener-fp-bbb",
		ListenerECDHPublicKey: listenerKey1.PublicKey().Bytes(),
		QRToken:               token,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !mgr.sessions[resp1.SessionID].TokenAuthenticated {
		t.Error("expected first use of QR token to authenticate the session")
	}

	listenerKey2 := newListenerKey(t)
	resp2, err := mgr.Init(InitRequest{
		ListenerFingerprint:   "listener-fp-ccc",
		ListenerECDHPublicKey: listenerKey2.PublicKey().Bytes(),
		QRToken:               token,
	})
	if err != nil {
		t.Fatalf("Init (reuse): %v", err)
	}
	if mgr.sessions[resp2.SessionID].TokenAuthenticated {
		t.Error("expected QR token to be invalidated after first use")
	}
}

func TestQRTokenExpiresAfterTenMinutes(t *testing.T) {
	start := time.Now()
	clock := &fakeClock{now: start}
	mgr := NewManager(clock, "Nursery", "monitor-fp-aaa")
	token := mgr.IssueQRToken()

	clock.now = start.Add(QRTokenTTL + time.Second)

	listenerKey := newListenerKey(t)
	resp, err := mgr.Init(InitRequest{
		ListenerFingerprint:   "listener-fp-bbb",
		ListenerECDHPublicKey: listenerKey.PublicKey().Bytes(),
		QRToken:               token,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if mgr.sessions[resp.SessionID].TokenAuthenticated {
		t.Error("expected expired QR token to fail authentication")
	}
}
