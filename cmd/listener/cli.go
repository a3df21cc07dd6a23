package main

import (
	"fmt"
	"os"

	"github.com/cribcall/cribcall/internal/config"
	"github.com/cribcall/cribcall/internal/identity"
	"github.com/cribcall/cribcall/internal/store"
)

const version = "0.1.0"

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled. "pair" is dispatched separately in main, since it needs flags
// RunCLI's callers haven't parsed yet.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("cribcall-listener %s\n", version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "pair":
		return false
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	id, err := identity.LoadOrCreate(st.Identity())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading identity: %v\n", err)
		os.Exit(1)
	}

	cfg := config.LoadListenerConfig()

	fmt.Printf("Device ID: %s\n", id.DeviceID)
	fmt.Printf("Fingerprint: %s\n", id.FingerprintHex)
	fmt.Printf("Database: %s\n", dbPath)
	if cfg.MonitorFingerprint == "" {
		fmt.Println("Paired monitor: none")
	} else {
		fmt.Printf("Paired monitor: %s (%s) at %s\n", cfg.MonitorName, cfg.MonitorFingerprint, cfg.MonitorControlAddr)
	}
	fmt.Printf("Version: %s\n", version)
	return true
}
