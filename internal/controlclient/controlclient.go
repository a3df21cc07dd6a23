// Package controlclient implements the Listener side of C6's control
// connection: dialing the Monitor's mutually-authenticated control
// endpoint and reconnecting with exponential backoff on unexpected close
// (spec §4.6 "Reconnection (Listener side)").
package controlclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cribcall/cribcall/internal/session"
	"github.com/cribcall/cribcall/internal/transport"
)

// backoff bounds per spec §4.6: "exponential backoff (1 s -> 30 s capped,
// jitter +-20 %), indefinitely".
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	jitterFraction = 0.2
)

// handshakeTimeout bounds a single dial+TLS-handshake attempt (spec §5).
const handshakeTimeout = 10 * time.Second

// TLSConfigFunc builds a fresh client TLS config for each dial attempt.
// Re-invoking it on every reconnect means each new handshake checks the
// Monitor's certificate against the pinned fingerprint the returned
// config carries; no Trust Store is consulted here.
type TLSConfigFunc func() (*tls.Config, error)

// Connector owns the reconnect loop for one Monitor peer. One Connector is
// the Listener-side analogue of one entry in session.Manager's
// byFingerprint index.
type Connector struct {
	addr          string
	tlsConfigFunc TLSConfigFunc
	sessionMgr    *session.Manager
	peerFP        string
}

// New constructs a Connector that dials addr (host:port of the Monitor's
// control endpoint) and, on each successful handshake, registers the
// resulting connection with sessionMgr under peerFingerprint.
func New(addr string, tlsConfigFunc TLSConfigFunc, sessionMgr *session.Manager, peerFingerprint string) *Connector {
	return &Connector{
		addr:          addr,
		tlsConfigFunc: tlsConfigFunc,
		sessionMgr:    sessionMgr,
		peerFP:        peerFingerprint,
	}
}

// Run blocks, maintaining a connection to the Monitor until ctx is
// canceled. Each dial failure or session close triggers a capped
// exponential backoff before the next attempt (spec §4.6); ctx
// cancellation interrupts an in-progress backoff promptly.
func (c *Connector) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		sess, err := c.dialOnce(ctx)
		if err != nil {
			slog.Warn("control client dial failed", "addr", c.addr, "err", err)
			if !sleepBackoff(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return
		}

		if !sleepBackoff(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// dialOnce performs the HTTP-level websocket upgrade against the Monitor's
// /control/ws endpoint (server.go's handleControlWS is the accepting side):
// the control plane rides over a websocket, not a bare TLS byte stream, so
// subsequent frames travel as websocket binary messages (internal/transport's
// wsConn coalesces framing's two Write calls into one such message).
func (c *Connector) dialOnce(ctx context.Context) (*session.Session, error) {
	tlsConfig, err := c.tlsConfigFunc()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	dialer := &websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: handshakeTimeout,
	}
	ws, _, err := dialer.DialContext(dialCtx, fmt.Sprintf("wss://%s/control/ws", c.addr), nil)
	if err != nil {
		return nil, err
	}

	conn := transport.NewClientConn(ws)
	connID := uuid.NewString()
	sess := c.sessionMgr.Open(ctx, conn, connID, c.peerFP, remoteAddrOf(ws.UnderlyingConn()))
	return sess, nil
}

func remoteAddrOf(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

func sleepBackoff(ctx context.Context, d time.Duration) bool {
	jittered := applyJitter(d)
	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func applyJitter(d time.Duration) time.Duration {
	delta := time.Duration(float64(d) * jitterFraction)
	if delta <= 0 {
		return d
	}
	offset := time.Duration(rand.Int63n(int64(2*delta))) - delta
	return d + offset
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
