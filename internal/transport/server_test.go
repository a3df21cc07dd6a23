package transport

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cribcall/cribcall/internal/identity"
	"github.com/cribcall/cribcall/internal/pairing"
	"github.com/cribcall/cribcall/internal/session"
	"github.com/cribcall/cribcall/internal/subscription"
	"github.com/cribcall/cribcall/internal/trust"
)

// memIdentityStore is an in-memory fake identity.Store for tests.
type memIdentityStore struct {
	der, key []byte
	deviceID string
	ok       bool
}

func (m *memIdentityStore) Get() ([]byte, []byte, string, bool, error) {
	return m.der, m.key, m.deviceID, m.ok, nil
}

func (m *memIdentityStore) Put(der, key []byte, deviceID string) error {
	m.der, m.key, m.deviceID, m.ok = der, key, deviceID, true
	return nil
}

func mustIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.LoadOrCreate(&memIdentityStore{})
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	return id
}

// memPeerRepo is an in-memory fake trust.Repository for tests.
type memPeerRepo struct{ peers map[string]trust.Peer }

func newMemPeerRepo() *memPeerRepo { return &memPeerRepo{peers: make(map[string]trust.Peer)} }

func (r *memPeerRepo) List() ([]trust.Peer, error) {
	out := make([]trust.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out, nil
}
func (r *memPeerRepo) Put(p trust.Peer) error        { r.peers[p.CertificateFingerprint] = p; return nil }
func (r *memPeerRepo) Delete(fp string) error         { delete(r.peers, fp); return nil }

// memSubRepo is an in-memory fake subscription.Repository for tests.
type memSubRepo struct{ subs map[string]subscription.Subscription }

func newMemSubRepo() *memSubRepo { return &memSubRepo{subs: make(map[string]subscription.Subscription)} }

func (r *memSubRepo) List() ([]subscription.Subscription, error) {
	out := make([]subscription.Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out, nil
}
func (r *memSubRepo) Put(s subscription.Subscription) error { r.subs[s.SubscriptionID] = s; return nil }
func (r *memSubRepo) Delete(id string) error                 { delete(r.subs, id); return nil }

type nopHandler struct{}

func (nopHandler) HandleMessage(string, string, string, []byte) error { return nil }

func newTestServer(t *testing.T) (*Server, *identity.Identity, *trust.Store) {
	t.Helper()
	id := mustIdentity(t)
	trustStore, err := trust.New(newMemPeerRepo())
	if err != nil {
		t.Fatalf("trust.New: %v", err)
	}
	subReg, err := subscription.New(newMemSubRepo(), nil)
	if err != nil {
		t.Fatalf("subscription.New: %v", err)
	}
	pairingMgr := pairing.NewManager(nil, "Nursery", id.FingerprintHex)
	sessionMgr := session.NewManager(nopHandler{}, nil)

	srv := New(Config{
		Identity:    id,
		TrustStore:  trustStore,
		PairingMgr:  pairingMgr,
		SubRegistry: subReg,
		SessionMgr:  sessionMgr,
		MonitorName: "Nursery",
	})
	return srv, id, trustStore
}

func TestPairingEndpointsOverPlainHTTPNeedNoClientCert(t *testing.T) {
	srv, _, trustStore := newTestServer(t)
	ts := httptest.NewServer(srv.pairingE)
	defer ts.Close()

	listenerID := mustIdentity(t)
	initBody, _ := json.Marshal(pairInitRequest{
		ListenerName:          "Nursery Phone",
		ListenerFingerprint:   listenerID.FingerprintHex,
		ListenerECDHPublicKey: []byte{0x04, 0x01, 0x02, 0x03},
	})

	// A bogus ECDH public key is rejected with a 400 (wraps cerr.ProtocolError).
	resp, err := http.Post(ts.URL+"/pair/init", "application/json", bytes.NewReader(initBody))
	if err != nil {
		t.Fatalf("POST /pair/init: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid ECDH key, got %d", resp.StatusCode)
	}

	// Unrelated paths 404.
	resp2, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unregistered path, got %d", resp2.StatusCode)
	}

	if trustStore.Contains(listenerID.FingerprintHex) {
		t.Error("a failed pairing attempt must not add a trusted peer")
	}
}

// buildClientTLSConfig creates an http.Client that presents clientID's
// self-signed certificate, skipping server verification (the test server's
// certificate isn't in any CA pool — not what this test exercises).
func buildClientTLSConfig(clientID *identity.Identity) (*http.Client, error) {
	der, key, err := clientID.TLSCertificate()
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates:       []tls.Certificate{cert},
				InsecureSkipVerify: true,
			},
		},
	}, nil
}

func TestControlEndpointRejectsUntrustedThenAcceptsTrustedPeer(t *testing.T) {
	srv, monitorID, trustStore := newTestServer(t)

	controlTLS, err := BuildControlTLSConfig(monitorID, trustStore)
	if err != nil {
		t.Fatalf("BuildControlTLSConfig: %v", err)
	}

	ts := httptest.NewUnstartedServer(srv.controlE)
	ts.TLS = controlTLS
	ts.StartTLS()
	defer ts.Close()

	listenerID := mustIdentity(t)
	client, err := buildClientTLSConfig(listenerID)
	if err != nil {
		t.Fatalf("buildClientTLSConfig: %v", err)
	}

	// Not yet trusted: the TLS handshake itself must fail closed.
	if _, err := client.Get(ts.URL + "/health"); err == nil {
		t.Fatal("expected TLS handshake to fail for an untrusted client certificate")
	}

	if err := trustStore.Add(trust.Peer{
		RemoteDeviceID:         listenerID.FingerprintHex,
		CertificateFingerprint: listenerID.FingerprintHex,
		AddedAt:                time.Now(),
	}); err != nil {
		t.Fatalf("trustStore.Add: %v", err)
	}

	resp, err := client.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health after trusting peer: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}

	var health map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("health status = %q, want ok", health["status"])
	}
}

func TestUnpairCancelsSubscriptionAndRemovesTrust(t *testing.T) {
	srv, monitorID, trustStore := newTestServer(t)

	listenerID := mustIdentity(t)
	fp := listenerID.FingerprintHex
	if err := trustStore.Add(trust.Peer{RemoteDeviceID: fp, CertificateFingerprint: fp, AddedAt: time.Now()}); err != nil {
		t.Fatalf("trustStore.Add: %v", err)
	}
	if _, err := srv.cfg.SubRegistry.Subscribe(fp, fp, subscription.SubscribeRequest{DeliveryToken: "T1"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	controlTLS, err := BuildControlTLSConfig(monitorID, trustStore)
	if err != nil {
		t.Fatalf("BuildControlTLSConfig: %v", err)
	}
	ts := httptest.NewUnstartedServer(srv.controlE)
	ts.TLS = controlTLS
	ts.StartTLS()
	defer ts.Close()

	client, err := buildClientTLSConfig(listenerID)
	if err != nil {
		t.Fatalf("buildClientTLSConfig: %v", err)
	}

	resp, err := client.Post(ts.URL+"/unpair", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /unpair: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if trustStore.Contains(fp) {
		t.Error("expected unpair to remove the trusted peer")
	}
	if len(srv.cfg.SubRegistry.Snapshot()) != 0 {
		t.Error("expected unpair to cancel the peer's subscriptions")
	}
}
