// Command monitor runs the CribCall Monitor side of the control plane: it
// accepts pairing requests, serves the mutually-authenticated control
// connection to paired Listeners, and fans out noise events to subscribers.
// Audio capture and noise-level detection are external to this binary
// (spec §1); callers wire their own detector to call Engine.Dispatch.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/cribcall/cribcall/internal/config"
	"github.com/cribcall/cribcall/internal/fanout"
	"github.com/cribcall/cribcall/internal/identity"
	"github.com/cribcall/cribcall/internal/pairing"
	"github.com/cribcall/cribcall/internal/session"
	"github.com/cribcall/cribcall/internal/store"
	"github.com/cribcall/cribcall/internal/subscription"
	"github.com/cribcall/cribcall/internal/transport"
	"github.com/cribcall/cribcall/internal/trust"
)

// fanoutWorkers bounds the stored-delivery worker pool (spec §4.8).
const fanoutWorkers = 4

func main() {
	if len(os.Args) > 1 {
		cliCfg := config.LoadMonitorConfig()
		if RunCLI(os.Args[1:], cliCfg.DBPath) {
			return
		}
	}

	fileCfg := config.LoadMonitorConfig()
	displayName := flag.String("name", fileCfg.DisplayName, "display name shown to pairing Listeners")
	pairingAddr := flag.String("pairing-addr", fileCfg.PairingAddr, "pairing endpoint listen address")
	controlAddr := flag.String("control-addr", fileCfg.ControlAddr, "mTLS control endpoint listen address")
	dbPath := flag.String("db", fileCfg.DBPath, "SQLite database path")
	flag.Parse()

	st, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	id, err := identity.LoadOrCreate(st.Identity())
	if err != nil {
		slog.Error("load or create identity", "err", err)
		os.Exit(1)
	}
	slog.Info("monitor identity ready", "fingerprint", id.FingerprintHex, "device_id", id.DeviceID)

	trustStore, err := trust.New(st.Peers())
	if err != nil {
		slog.Error("load trust store", "err", err)
		os.Exit(1)
	}

	subRegistry, err := subscription.New(st.Subscriptions(), nil)
	if err != nil {
		slog.Error("load subscription registry", "err", err)
		os.Exit(1)
	}

	pairingMgr := pairing.NewManager(nil, *displayName, id.FingerprintHex)
	sessionMgr := session.NewManager(nopMediaHandler{}, nil)
	fanoutEngine := fanout.New(subRegistry, sessionMgr, logOnlyPushGateway{}, nil, fanoutWorkers)
	defer fanoutEngine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("monitor shutting down")
		cancel()
	}()

	// Closing the gap between a trust-store removal and TLS-layer
	// revalidation: drop any live session for a peer the instant it's
	// untrusted, rather than waiting for its next request or reconnect.
	changes, stopObserving := trustStore.Observe(16)
	go func() {
		defer stopObserving()
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-changes:
				if !ok {
					return
				}
				if change.Kind == trust.Removed {
					sessionMgr.EvictByFingerprint(change.Peer.CertificateFingerprint)
				}
			}
		}
	}()

	go runSubscriptionSweeper(ctx, subRegistry)

	srv := transport.New(transport.Config{
		Identity:    id,
		TrustStore:  trustStore,
		PairingMgr:  pairingMgr,
		SubRegistry: subRegistry,
		SessionMgr:  sessionMgr,
		MonitorName: *displayName,
		PairingAddr: *pairingAddr,
		ControlAddr: *controlAddr,
	})
	if err := srv.Run(ctx); err != nil {
		slog.Error("control transport exited", "err", err)
		os.Exit(1)
	}
}

func runSubscriptionSweeper(ctx context.Context, reg *subscription.Registry) {
	ticker := time.NewTicker(subscription.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.Sweep()
		}
	}
}

type nopMediaHandler struct{}

func (nopMediaHandler) HandleMessage(connectionID, peerFingerprint, msgType string, raw []byte) error {
	return nil
}

// logOnlyPushGateway stands in for a real APNs/FCM integration, which is an
// external collaborator (spec §1): it logs what would have been sent and
// reports success so a subscription is never wrongly torn down for lack of
// a configured gateway.
type logOnlyPushGateway struct{}

func (logOnlyPushGateway) Send(token, platformTag string, payload []byte) error {
	slog.Debug("push gateway not configured, dropping stored delivery", "token", token, "platform", platformTag)
	return nil
}
