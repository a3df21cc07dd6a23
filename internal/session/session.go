// Package session implements C6: the per-connection control session state
// machine (connecting -> open -> draining -> closed), heartbeat, bounded
// outbound queue with priority displacement, and message dispatch over the
// C2 framed byte stream.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cribcall/cribcall/internal/cerr"
	"github.com/cribcall/cribcall/internal/framing"
	"github.com/cribcall/cribcall/internal/ports"
)

// State is a Control Session's lifecycle state (spec §4.6).
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message types recognized and dispatched by the core (spec §4.6).
const (
	TypeNoiseEvent           = "NOISE_EVENT"
	TypeStartStreamRequest   = "START_STREAM_REQUEST"
	TypeStartStreamResponse  = "START_STREAM_RESPONSE"
	TypeEndStream            = "END_STREAM"
	TypePinStream            = "PIN_STREAM"
	TypeWebRTCOffer          = "WEBRTC_OFFER"
	TypeWebRTCAnswer         = "WEBRTC_ANSWER"
	TypeWebRTCICE            = "WEBRTC_ICE"
	TypeFCMTokenUpdate       = "FCM_TOKEN_UPDATE"
	TypePing                 = "PING"
	TypePong                 = "PONG"
	TypeUnsupportedMessage   = "UNSUPPORTED_MESSAGE"
)

// relayedTypes are relayed opaquely to the registered MessageHandler;
// the core never interprets their payloads (spec §4.6, §9).
var relayedTypes = map[string]bool{
	TypeStartStreamRequest:  true,
	TypeStartStreamResponse: true,
	TypeEndStream:           true,
	TypePinStream:           true,
	TypeWebRTCOffer:         true,
	TypeWebRTCAnswer:        true,
	TypeWebRTCICE:           true,
	TypeFCMTokenUpdate:      true,
}

// envelope is the minimal shape needed to dispatch; full payloads for
// relayed types pass through untouched as raw JSON.
type envelope struct {
	Type string `json:"type"`
	Ts   int64  `json:"timestamp,omitempty"`
}

// heartbeatInterval and pongTimeout implement spec §4.6/§5: PING/PONG at
// 10s cadence, idle close after missing three consecutive pongs (~30s),
// draining must flush or force-close within 2s.
const (
	heartbeatInterval = 10 * time.Second
	pongTimeout        = 3 * heartbeatInterval
	drainTimeout       = 2 * time.Second
)

// outboundQueueCapacity is the bounded send queue size (spec §4.6).
const outboundQueueCapacity = 256

// MessageHandler receives relayed opaque messages (media signalling and
// FCM token updates) and inbound NOISE_EVENT frames (Listener side only).
// The core never parses these payloads.
type MessageHandler interface {
	HandleMessage(connectionID, peerFingerprint, msgType string, raw []byte) error
}

// Conn is the minimal duplex byte-stream capability a Session needs. A
// *tls.Conn satisfies it directly.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
}

// Session is one live control connection (spec §3's "Control Session").
type Session struct {
	ConnectionID    string
	PeerFingerprint string
	RemoteAddress   string
	OpenedAt        time.Time

	conn    Conn
	queue   *outboundQueue
	handler MessageHandler
	clock   ports.Clock

	mu              sync.Mutex
	state           State
	lastHeartbeatAt time.Time

	closeReason string
	closeOnce   sync.Once
	doneCh      chan struct{}
	flushedCh   chan struct{}
}

// priorityTypes are never subject to backpressure rejection; instead they
// displace the oldest non-priority queued message (spec §4.6).
var priorityTypes = map[string]bool{
	TypePong:       true,
	TypeEndStream:  true,
	TypeNoiseEvent: true,
}

// Manager owns every live Session, indexed both by connection id and by
// peer fingerprint under one lock (spec §9's "single owning structure with
// two indices maintained together under one lock").
type Manager struct {
	mu            sync.Mutex
	byConnID      map[string]*Session
	byFingerprint map[string]*Session
	handler       MessageHandler
	clock         ports.Clock
}

// NewManager constructs a Manager. handler receives relayed/opaque
// messages for every session the Manager owns.
func NewManager(handler MessageHandler, clock ports.Clock) *Manager {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Manager{
		byConnID:      make(map[string]*Session),
		byFingerprint: make(map[string]*Session),
		handler:       handler,
		clock:         clock,
	}
}

// Open admits a new Session over conn, whose peer has already been
// authenticated (certificate fingerprint verified) by the transport layer,
// and starts its reader/writer/heartbeat goroutines. ctx governs the
// session's lifetime; canceling it closes the session.
func (m *Manager) Open(ctx context.Context, conn Conn, connectionID, peerFingerprint, remoteAddress string) *Session {
	now := m.clock.Now()
	sess := &Session{
		ConnectionID:    connectionID,
		PeerFingerprint: peerFingerprint,
		RemoteAddress:   remoteAddress,
		OpenedAt:        now,
		conn:            conn,
		queue:           newOutboundQueue(outboundQueueCapacity),
		handler:         m.handler,
		clock:           m.clock,
		state:           StateOpen,
		lastHeartbeatAt: now,
		doneCh:          make(chan struct{}),
		flushedCh:       make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.byFingerprint[peerFingerprint]; ok {
		// One live session per peer: an old session for the same
		// fingerprint is superseded, matching spec's single-owner model.
		go old.Close("superseded")
	}
	m.byConnID[connectionID] = sess
	m.byFingerprint[peerFingerprint] = sess
	m.mu.Unlock()

	slog.Info("control session open", "connection_id", connectionID, "fingerprint", peerFingerprint, "remote", remoteAddress)

	go sess.writeLoop()
	go sess.readLoop(m, ctx)
	go sess.heartbeatLoop(ctx)

	return sess
}

// Get returns the live session for a connection id, if any.
func (m *Manager) Get(connectionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byConnID[connectionID]
	return s, ok
}

// GetByFingerprint returns the live session for a peer fingerprint, if any
// (used by C8 to decide between the live and stored delivery path).
func (m *Manager) GetByFingerprint(fingerprint string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byFingerprint[fingerprint]
	return s, ok
}

// SendNoiseEvent implements fanout's LiveSender: it enqueues
// payload on the live session for fingerprint, if any.
func (m *Manager) SendNoiseEvent(fingerprint string, payload []byte) (bool, error) {
	sess, ok := m.GetByFingerprint(fingerprint)
	if !ok {
		return false, nil
	}
	if err := sess.Send(payload, true); err != nil {
		return true, err
	}
	return true, nil
}

func (m *Manager) remove(sess *Session) {
	m.mu.Lock()
	if cur, ok := m.byConnID[sess.ConnectionID]; ok && cur == sess {
		delete(m.byConnID, sess.ConnectionID)
	}
	if cur, ok := m.byFingerprint[sess.PeerFingerprint]; ok && cur == sess {
		delete(m.byFingerprint, sess.PeerFingerprint)
	}
	m.mu.Unlock()
}

// EvictByFingerprint closes the live session for fingerprint, if any,
// with reason "peer_evicted" (spec §4.6 state diagram, §8 scenario 4).
// Trust-store removal that evicts a session happens-before any subsequent
// accept on the same fingerprint (spec §5 ordering guarantee) because the
// caller (the trust store observer loop) calls this synchronously from the
// change-notification handler before the handshake verifier can admit a
// new connection for the evicted fingerprint.
func (m *Manager) EvictByFingerprint(fingerprint string) {
	sess, ok := m.GetByFingerprint(fingerprint)
	if !ok {
		return
	}
	sess.Close("peer_evicted")
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byConnID)
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send queues payload for delivery. Non-priority sends on a full queue
// return cerr.Backpressure; priority messages displace the oldest
// non-priority queued message instead of being rejected (spec §4.6).
func (s *Session) Send(payload []byte, priority bool) error {
	if s.State() == StateClosed {
		return cerr.New(cerr.ProtocolError, "session is closed")
	}
	return s.queue.push(payload, priority)
}

// SendControl marshals msg to JSON and queues it, treating the message as
// priority iff its type is in priorityTypes.
func (s *Session) SendControl(msg map[string]any) error {
	msgType, _ := msg["type"].(string)
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("session: marshal control message: %w", err)
	}
	return s.Send(raw, priorityTypes[msgType])
}

// Close transitions the session to draining and then closed, recording
// reason for the close event (spec §7's "session errors are reported via
// the session's close event with a reason string").
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDraining
		s.closeReason = reason
		s.mu.Unlock()

		s.queue.closeForDrain()

		select {
		case <-s.flushedCh:
		case <-time.After(drainTimeout):
		}

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		_ = s.conn.Close()
		close(s.doneCh)

		slog.Info("control session closed", "connection_id", s.ConnectionID, "fingerprint", s.PeerFingerprint, "reason", reason)
	})
}

// Done returns a channel closed once the session has fully closed.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

func (s *Session) writeLoop() {
	defer close(s.flushedCh)
	for {
		item, ok := s.queue.pop()
		if !ok {
			return
		}
		if err := framing.Encode(s.conn, item); err != nil {
			slog.Warn("control session write failed", "connection_id", s.ConnectionID, "err", err)
			go s.Close("write_error")
			return
		}
	}
}

func (s *Session) readLoop(m *Manager, ctx context.Context) {
	defer func() {
		m.remove(s)
		s.Close(closeReasonOr(s, "peer_closed"))
	}()

	dec := framing.NewDecoder(s.conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := dec.Next()
		if err != nil {
			if err != io.EOF {
				slog.Debug("control session read ended", "connection_id", s.ConnectionID, "err", err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.recordCloseReason("protocol_error")
			return
		}

		if err := s.dispatch(env, raw); err != nil {
			s.recordCloseReason("protocol_error")
			return
		}
	}
}

func (s *Session) recordCloseReason(reason string) {
	s.mu.Lock()
	s.closeReason = reason
	s.mu.Unlock()
}

func closeReasonOr(s *Session, fallback string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeReason != "" {
		return s.closeReason
	}
	return fallback
}

func (s *Session) dispatch(env envelope, raw []byte) error {
	switch env.Type {
	case TypePing:
		return s.SendControl(map[string]any{"type": TypePong, "timestamp": env.Ts})
	case TypePong:
		s.mu.Lock()
		s.lastHeartbeatAt = s.clock.Now()
		s.mu.Unlock()
		return nil
	case TypeNoiseEvent:
		if s.handler != nil {
			return s.handler.HandleMessage(s.ConnectionID, s.PeerFingerprint, env.Type, raw)
		}
		return nil
	default:
		if relayedTypes[env.Type] {
			if s.handler != nil {
				return s.handler.HandleMessage(s.ConnectionID, s.PeerFingerprint, env.Type, raw)
			}
			return nil
		}
		return s.Send(mustJSON(map[string]any{"type": TypeUnsupportedMessage}), true)
	}
}

func mustJSON(v any) []byte {
	raw, _ := json.Marshal(v)
	return raw
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.doneCh:
			return
		case <-ticker.C:
			ts := s.clock.Now().UnixMilli()
			if err := s.SendControl(map[string]any{"type": TypePing, "timestamp": ts}); err != nil {
				go s.Close("write_error")
				return
			}

			s.mu.Lock()
			last := s.lastHeartbeatAt
			s.mu.Unlock()
			if s.clock.Now().Sub(last) > pongTimeout {
				// No PONG for three consecutive PING intervals (spec §7's
				// IdleTimeout).
				idleErr := cerr.New(cerr.IdleTimeout, "no PONG received for three consecutive heartbeat intervals")
				slog.Warn("control session idle timeout", "connection_id", s.ConnectionID, "fingerprint", s.PeerFingerprint, "err", idleErr)
				go s.Close(string(cerr.IdleTimeout))
				return
			}
		}
	}
}
