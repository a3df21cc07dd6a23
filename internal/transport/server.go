package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/cribcall/cribcall/internal/cerr"
	"github.com/cribcall/cribcall/internal/identity"
	"github.com/cribcall/cribcall/internal/pairing"
	"github.com/cribcall/cribcall/internal/session"
	"github.com/cribcall/cribcall/internal/subscription"
	"github.com/cribcall/cribcall/internal/trust"
)

// writeTimeout bounds a single websocket control-frame write (mirrors the
// teacher's server/internal/ws/handler.go writeTimeout).
const writeTimeout = 5 * time.Second

// handshakeTimeout implements spec §5's "TLS handshake: 10 s; exceeding ->
// HandshakeTimeout, close."
const handshakeTimeout = 10 * time.Second

// maxBodySize enforces spec §4.5's "All request bodies are capped at 64 KB;
// oversize -> 413".
const maxBodySize = "64KB"

// fingerprintContextKey is where the control-endpoint auth middleware
// stores the authenticated peer's certificate fingerprint for handlers.
const fingerprintContextKey = "peer_fingerprint"

// Config wires the already-constructed core components into the two
// control-plane listeners.
type Config struct {
	Identity     *identity.Identity
	TrustStore   *trust.Store
	PairingMgr   *pairing.Manager
	SubRegistry  *subscription.Registry
	SessionMgr   *session.Manager
	MonitorName  string
	PairingAddr  string
	ControlAddr  string
}

// Server runs the pairing and control listeners side by side, each its own
// TLS identity and Echo application, following the teacher's
// httpapi.Server (Echo app + recover/log middleware + Run(ctx)) and
// server.Server (custom *http.Server carrying a pre-built tls.Config)
// patterns combined.
type Server struct {
	cfg       Config
	pairingE  *echo.Echo
	controlE  *echo.Echo
	upgrader  websocket.Upgrader
}

// New builds both Echo applications and registers their routes.
func New(cfg Config) *Server {
	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			// mTLS already authenticated the peer at the transport layer;
			// Origin is meaningless for a LAN device-to-device protocol.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
	s.pairingE = s.newPairingEcho()
	s.controlE = s.newControlEcho()
	return s
}

func baseEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(noStoreHeader())
	return e
}

// requestLogger mirrors server/internal/httpapi/server.go's slog-based
// access logging, quieting the high-frequency endpoints to debug level.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			path := c.Request().URL.Path
			level := slog.LevelInfo
			if path == "/health" || path == "/control/ws" {
				level = slog.LevelDebug
			}
			slog.Log(c.Request().Context(), level, "http request",
				"method", c.Request().Method,
				"path", path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", c.RealIP(),
			)
			return nil
		}
	}
}

// noStoreHeader implements spec §6's "all responses include
// Cache-Control: no-store".
func noStoreHeader() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
			return next(c)
		}
	}
}

func writeTaxonomyError(c echo.Context, err error) error {
	var ce *cerr.Error
	if errors.As(err, &ce) {
		status := ce.Code.HTTPStatus()
		if status == 0 {
			status = http.StatusBadRequest
		}
		return c.JSON(status, map[string]string{"error": string(ce.Code), "message": ce.Message})
	}
	return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
}

// newPairingEcho registers the pairing endpoint's two routes; every other
// path 404s by Echo's default not-found handler (spec §4.5 item 1).
func (s *Server) newPairingEcho() *echo.Echo {
	e := baseEcho()
	e.POST("/pair/init", s.handlePairInit)
	e.POST("/pair/confirm", s.handlePairConfirm)
	return e
}

// newControlEcho registers the mTLS control endpoint's routes behind a
// middleware that (a) re-validates the authenticated peer's fingerprint
// against the live Trust Store on every request, closing the gap for
// connections that outlive a trust-store removal (spec §4.5's fallback
// re-validation requirement, belt-and-suspenders with the TLS-layer
// VerifyPeerCertificate check in BuildControlTLSConfig) and (b) stashes the
// fingerprint for handlers.
func (s *Server) newControlEcho() *echo.Echo {
	e := baseEcho()
	e.Use(s.requirePeerFingerprint())
	e.GET("/health", s.handleHealth)
	e.GET("/control/ws", s.handleControlWS)
	e.POST("/noise/subscribe", s.handleNoiseSubscribe)
	e.POST("/noise/unsubscribe", s.handleNoiseUnsubscribe)
	e.POST("/unpair", s.handleUnpair)
	return e
}

func (s *Server) requirePeerFingerprint() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tlsState := c.Request().TLS
			if tlsState == nil || len(tlsState.PeerCertificates) == 0 {
				return writeTaxonomyError(c, cerr.New(cerr.ClientCertificateRequired, "client certificate required"))
			}
			fp := identity.Fingerprint(tlsState.PeerCertificates[0].Raw)
			if !s.cfg.TrustStore.Contains(fp) {
				return writeTaxonomyError(c, cerr.New(cerr.ClientCertificateUntrusted, "client certificate is not a trusted peer"))
			}
			c.Set(fingerprintContextKey, fp)
			return next(c)
		}
	}
}

func peerFingerprint(c echo.Context) string {
	fp, _ := c.Get(fingerprintContextKey).(string)
	return fp
}

// Run starts both listeners and blocks until ctx is canceled or either
// fails to start. On cancellation it calls http.Server.Shutdown on both
// servers with a 2 s budget, which stops accepting and drains ordinary
// HTTP requests. Upgraded /control/ws connections are hijacked and are not
// tracked by Shutdown: Run sends them no close frame and does not close
// them.
func (s *Server) Run(ctx context.Context) error {
	pairingTLS, err := BuildPairingTLSConfig(s.cfg.Identity)
	if err != nil {
		return err
	}
	controlTLS, err := BuildControlTLSConfig(s.cfg.Identity, s.cfg.TrustStore)
	if err != nil {
		return err
	}

	pairingRaw, err := net.Listen("tcp", s.cfg.PairingAddr)
	if err != nil {
		return err
	}
	controlRaw, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		_ = pairingRaw.Close()
		return err
	}

	pairingSrv := &http.Server{
		Addr:              s.cfg.PairingAddr,
		Handler:           s.pairingE,
		ReadHeaderTimeout: 10 * time.Second,
	}
	controlSrv := &http.Server{
		Addr:              s.cfg.ControlAddr,
		Handler:           s.controlE,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- runServe(pairingSrv, newHandshakeTimeoutListener(pairingRaw, pairingTLS, handshakeTimeout), "pairing")
	}()
	go func() {
		errCh <- runServe(controlSrv, newHandshakeTimeoutListener(controlRaw, controlTLS, handshakeTimeout), "control")
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down control transport")
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pairingSrv.Shutdown(shutCtx)
		_ = controlSrv.Shutdown(shutCtx)
		return nil
	}
}

func runServe(srv *http.Server, l net.Listener, name string) error {
	slog.Info("control transport listening", "listener", name, "addr", srv.Addr)
	err := srv.Serve(l)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handshakeTimeoutListener performs the TLS handshake itself at accept time
// (rather than leaving it to net/http's lazy per-request handshake) so a
// stalled or hostile peer can't hold a half-open handshake indefinitely: a
// connection that doesn't finish its handshake within timeout is closed and
// logged as cerr.HandshakeTimeout, and never reaches the http.Server loop at
// all (spec §5).
type handshakeTimeoutListener struct {
	net.Listener
	tlsConfig *tls.Config
	timeout   time.Duration
}

func newHandshakeTimeoutListener(inner net.Listener, tlsConfig *tls.Config, timeout time.Duration) *handshakeTimeoutListener {
	return &handshakeTimeoutListener{Listener: inner, tlsConfig: tlsConfig, timeout: timeout}
}

func (l *handshakeTimeoutListener) Accept() (net.Conn, error) {
	for {
		raw, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		conn := tls.Server(raw, l.tlsConfig)
		if err := conn.SetDeadline(time.Now().Add(l.timeout)); err != nil {
			_ = raw.Close()
			continue
		}
		if err := conn.HandshakeContext(context.Background()); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				slog.Warn("tls handshake timed out", "remote", raw.RemoteAddr(), "err", cerr.New(cerr.HandshakeTimeout, "TLS handshake exceeded 10s"))
			} else {
				slog.Debug("tls handshake failed", "remote", raw.RemoteAddr(), "err", err)
			}
			_ = conn.Close()
			continue
		}
		if err := conn.SetDeadline(time.Time{}); err != nil {
			_ = conn.Close()
			continue
		}
		return conn, nil
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// --- pairing handlers ---

type pairInitRequest struct {
	ListenerName          string `json:"listener_name"`
	ListenerFingerprint   string `json:"listener_fingerprint"`
	ListenerECDHPublicKey []byte `json:"listener_ecdh_public_key"`
	QRToken               string `json:"qr_token,omitempty"`
}

type pairInitResponse struct {
	SessionID            string `json:"session_id"`
	MonitorName          string `json:"monitor_name"`
	MonitorECDHPublicKey []byte `json:"monitor_ecdh_public_key"`
	ExpiresInSec         int    `json:"expires_in_sec"`
}

func (s *Server) handlePairInit(c echo.Context) error {
	var req pairInitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed_body"})
	}
	if req.ListenerFingerprint == "" || len(req.ListenerECDHPublicKey) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed_body"})
	}

	res, err := s.cfg.PairingMgr.Init(pairing.InitRequest{
		ListenerName:          req.ListenerName,
		ListenerFingerprint:   req.ListenerFingerprint,
		ListenerECDHPublicKey: req.ListenerECDHPublicKey,
		QRToken:               req.QRToken,
	})
	if err != nil {
		return writeTaxonomyError(c, err)
	}

	// The comparison code is never put on the wire (spec §4.3: humans
	// compare it out-of-band); it is only logged here for this device's
	// own local display surface.
	slog.Info("pairing init", "session_id", res.SessionID, "listener_fingerprint", req.ListenerFingerprint, "comparison_code", res.ComparisonCode)

	return c.JSON(http.StatusOK, pairInitResponse{
		SessionID:            res.SessionID,
		MonitorName:          res.MonitorName,
		MonitorECDHPublicKey: res.MonitorECDHPublicKey,
		ExpiresInSec:         res.ExpiresInSec,
	})
}

type pairConfirmRequest struct {
	SessionID string `json:"session_id"`
	AuthTag   []byte `json:"auth_tag"`
}

type pairConfirmResponse struct {
	RemoteDeviceID string `json:"remote_device_id"`
	MonitorName    string `json:"monitor_name"`
	CertificateDER []byte `json:"certificate_der"`
}

func (s *Server) handlePairConfirm(c echo.Context) error {
	var req pairConfirmRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed_body"})
	}
	if req.SessionID == "" || len(req.AuthTag) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed_body"})
	}

	res, err := s.cfg.PairingMgr.Confirm(pairing.ConfirmRequest{
		SessionID: req.SessionID,
		AuthTag:   req.AuthTag,
	})
	if err != nil {
		return writeTaxonomyError(c, err)
	}

	// The pairing body never carries the Listener's own device_id (only its
	// fingerprint and display name), so the fingerprint doubles as the
	// Trusted Peer's remote_device_id until the peer reports a real one
	// through a later authenticated request.
	peer := trust.Peer{
		RemoteDeviceID:         res.ListenerFingerprint,
		CertificateFingerprint: res.ListenerFingerprint,
		AddedAt:                time.Now(),
	}
	if err := s.cfg.TrustStore.Add(peer); err != nil {
		return writeTaxonomyError(c, cerr.Wrap(cerr.TrustStoreUnavailable, "persist trusted peer", err))
	}

	return c.JSON(http.StatusOK, pairConfirmResponse{
		RemoteDeviceID: s.cfg.Identity.DeviceID,
		MonitorName:    s.cfg.MonitorName,
		CertificateDER: s.cfg.Identity.CertificateDER,
	})
}

// --- control-endpoint handlers ---

func (s *Server) handleControlWS(c echo.Context) error {
	fp := peerFingerprint(c)
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("control ws upgrade failed", "fingerprint", fp, "err", err)
		return nil
	}

	connID := uuid.NewString()
	s.cfg.SessionMgr.Open(c.Request().Context(), newWSConn(conn), connID, fp, c.RealIP())
	return nil
}

type noiseSubscribeRequest struct {
	DeliveryToken      string                  `json:"delivery_token"`
	PlatformTag        string                  `json:"platform_tag"`
	DeliveryKind       subscription.DeliveryKind `json:"delivery_kind,omitempty"`
	WebhookURL         string                  `json:"webhook_url,omitempty"`
	Threshold          *int                    `json:"threshold,omitempty"`
	CooldownSeconds    *int                    `json:"cooldown_seconds,omitempty"`
	AutoStreamType     *string                 `json:"auto_stream_type,omitempty"`
	AutoStreamDuration *int                    `json:"auto_stream_duration,omitempty"`
	LeaseSeconds       *int                    `json:"lease_seconds,omitempty"`
}

type noiseSubscribeResponse struct {
	SubscriptionID       string    `json:"subscription_id"`
	DeviceID             string    `json:"device_id"`
	ExpiresAt            time.Time `json:"expires_at"`
	AcceptedLeaseSeconds int       `json:"accepted_lease_seconds"`
}

func (s *Server) deviceIDFor(fp string) string {
	if peer, ok := s.cfg.TrustStore.Get(fp); ok && peer.RemoteDeviceID != "" {
		return peer.RemoteDeviceID
	}
	return fp
}

func (s *Server) handleNoiseSubscribe(c echo.Context) error {
	fp := peerFingerprint(c)
	var req noiseSubscribeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed_body"})
	}

	res, err := s.cfg.SubRegistry.Subscribe(s.deviceIDFor(fp), fp, subscription.SubscribeRequest{
		DeliveryToken:      req.DeliveryToken,
		PlatformTag:        req.PlatformTag,
		DeliveryKind:       req.DeliveryKind,
		WebhookURL:         req.WebhookURL,
		Threshold:          req.Threshold,
		CooldownSeconds:    req.CooldownSeconds,
		AutoStreamType:     req.AutoStreamType,
		AutoStreamDuration: req.AutoStreamDuration,
		LeaseSeconds:       req.LeaseSeconds,
	})
	if err != nil {
		return writeTaxonomyError(c, err)
	}

	return c.JSON(http.StatusOK, noiseSubscribeResponse{
		SubscriptionID:       res.SubscriptionID,
		DeviceID:             res.DeviceID,
		ExpiresAt:            res.ExpiresAt,
		AcceptedLeaseSeconds: res.AcceptedLeaseSeconds,
	})
}

type noiseUnsubscribeRequest struct {
	DeliveryToken  string `json:"delivery_token,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

type noiseUnsubscribeResponse struct {
	DeviceID       string     `json:"device_id"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Unsubscribed   bool       `json:"unsubscribed"`
}

func (s *Server) handleNoiseUnsubscribe(c echo.Context) error {
	fp := peerFingerprint(c)
	var req noiseUnsubscribeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed_body"})
	}

	res, err := s.cfg.SubRegistry.Unsubscribe(s.deviceIDFor(fp), fp, req.DeliveryToken, req.SubscriptionID)
	if err != nil {
		return writeTaxonomyError(c, err)
	}

	return c.JSON(http.StatusOK, noiseUnsubscribeResponse{
		DeviceID:       res.DeviceID,
		SubscriptionID: res.SubscriptionID,
		ExpiresAt:      res.ExpiresAt,
		Unsubscribed:   res.Unsubscribed,
	})
}

// handleUnpair implements POST /unpair (spec §4.7): removes the caller's
// own trusted-peer record, cancels its subscriptions, and evicts any live
// control session with its fingerprint, atomically from the caller's point
// of view: no partial-failure state is ever observable by a subsequent
// request.
func (s *Server) handleUnpair(c echo.Context) error {
	fp := peerFingerprint(c)

	if err := s.cfg.SubRegistry.CancelAllForPeer(fp); err != nil {
		return writeTaxonomyError(c, cerr.Wrap(cerr.RepositoryUnavailable, "cancel subscriptions", err))
	}
	if _, err := s.cfg.TrustStore.Remove(fp); err != nil {
		return writeTaxonomyError(c, cerr.Wrap(cerr.TrustStoreUnavailable, "remove trusted peer", err))
	}
	s.cfg.SessionMgr.EvictByFingerprint(fp)

	return c.JSON(http.StatusOK, map[string]bool{"unpaired": true})
}
