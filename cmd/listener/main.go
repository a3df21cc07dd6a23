// Command listener runs the CribCall Listener side of the control plane:
// it pairs with a Monitor over the pairing endpoint, then maintains a
// reconnecting mTLS control session to receive relayed media signalling
// and noise alerts. Audio playback and push-notification UI are external
// to this binary (spec §1).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/cribcall/cribcall/internal/config"
	"github.com/cribcall/cribcall/internal/controlclient"
	"github.com/cribcall/cribcall/internal/identity"
	"github.com/cribcall/cribcall/internal/pairing"
	"github.com/cribcall/cribcall/internal/session"
	"github.com/cribcall/cribcall/internal/store"
	"github.com/cribcall/cribcall/internal/transport"
	"github.com/cribcall/cribcall/internal/trust"
)

func main() {
	if len(os.Args) > 1 {
		cliCfg := config.LoadListenerConfig()
		if RunCLI(os.Args[1:], cliCfg.DBPath) {
			return
		}
	}

	fileCfg := config.LoadListenerConfig()
	dbPath := flag.String("db", fileCfg.DBPath, "SQLite database path")
	displayName := flag.String("name", fileCfg.DisplayName, "this device's display name, shown to the Monitor during pairing")

	if len(os.Args) > 1 && os.Args[1] == "pair" {
		runPair(os.Args[2:], *dbPath, *displayName)
		return
	}
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

	cfg := config.LoadListenerConfig()
	if cfg.MonitorFingerprint == "" {
		fmt.Fprintln(os.Stderr, "no paired Monitor; run: listener pair -pairing-addr <host:port> -monitor-fingerprint <hex> -control-addr <host:port>")
		os.Exit(1)
	}

	sessionMgr := session.NewManager(noiseLoggingHandler{}, nil)
	connector := controlclient.New(cfg.MonitorControlAddr, func() (*tls.Config, error) {
		return transport.BuildControlClientTLSConfig(id, cfg.MonitorFingerprint)
	}, sessionMgr, cfg.MonitorFingerprint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("listener shutting down")
		cancel()
	}()

	slog.Info("connecting to monitor", "monitor_name", cfg.MonitorName, "addr", cfg.MonitorControlAddr)
	connector.Run(ctx)
}

type noiseLoggingHandler struct{}

func (noiseLoggingHandler) HandleMessage(connectionID, peerFingerprint, msgType string, raw []byte) error {
	slog.Info("received control message", "connection_id", connectionID, "fingerprint", peerFingerprint, "type", msgType)
	return nil
}

// runPair drives an interactive pairing flow against a Monitor whose pairing
// endpoint and certificate fingerprint were already obtained out-of-band
// (QR code or discovery browse, spec §4.3).
func runPair(args []string, defaultDBPath, defaultDisplayName string) {
	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	pairingAddr := fs.String("pairing-addr", "", "Monitor's pairing endpoint, e.g. https://192.168.1.20:9443")
	controlAddr := fs.String("control-addr", "", "Monitor's control endpoint, e.g. 192.168.1.20:9444")
	monitorFingerprint := fs.String("monitor-fingerprint", "", "Monitor's certificate fingerprint (hex), from its QR code or display")
	qrToken := fs.String("qr-token", "", "optional QR fast-path token")
	displayName := fs.String("name", defaultDisplayName, "this device's display name")
	dbPath := fs.String("db", defaultDBPath, "SQLite database path")
	fs.Parse(args)

	if *pairingAddr == "" || *monitorFingerprint == "" || *controlAddr == "" {
		fmt.Fprintln(os.Stderr, "usage: listener pair -pairing-addr <url> -control-addr <host:port> -monitor-fingerprint <hex> [-qr-token <token>]")
		os.Exit(1)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	id, err := identity.LoadOrCreate(st.Identity())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load identity: %v\n", err)
		os.Exit(1)
	}

	httpClient := &http.Client{Transport: &http.Transport{
		TLSClientConfig: transport.BuildPairingClientTLSConfig(*monitorFingerprint),
	}}

	result, err := pairing.ClientInit(httpClient, *pairingAddr, *displayName, id.FingerprintHex, *qrToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pairing init: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Monitor: %s\n", result.MonitorName())
	fmt.Printf("Comparison code: %s\n", result.ComparisonCode)
	fmt.Println("Confirm this code matches the Monitor's display before continuing.")

	confirmResp, err := result.Confirm(httpClient, *pairingAddr, id.FingerprintHex, *monitorFingerprint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pairing confirm: %v\n", err)
		os.Exit(1)
	}

	trustStore, err := trust.New(st.Peers())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load trust store: %v\n", err)
		os.Exit(1)
	}
	if err := trustStore.Add(trust.Peer{
		RemoteDeviceID:         confirmResp.RemoteDeviceID,
		DisplayName:            confirmResp.MonitorName,
		CertificateFingerprint: *monitorFingerprint,
		CertificateDER:         confirmResp.CertificateDER,
		LastKnownAddress:       *controlAddr,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "persist trusted monitor: %v\n", err)
		os.Exit(1)
	}

	newCfg := config.ListenerConfig{
		DisplayName:        *displayName,
		MonitorName:        confirmResp.MonitorName,
		MonitorFingerprint: *monitorFingerprint,
		MonitorControlAddr: *controlAddr,
		DBPath:             *dbPath,
	}
	if err := config.SaveListenerConfig(newCfg); err != nil {
		fmt.Fprintf(os.Stderr, "save listener config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Paired with %s. Run `listener` to connect.\n", confirmResp.MonitorName)
}
