package main

import (
	"fmt"
	"os"

	"github.com/cribcall/cribcall/internal/identity"
	"github.com/cribcall/cribcall/internal/store"
)

// version is the monitor binary's reported version string (spec §6 has no
// fixed format for this; the teacher's server/cli.go prints a bare string).
const version = "0.1.0"

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("cribcall-monitor %s\n", version)
		return true
	case "status":
		return cliStatus(dbPath)
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

	peers, err := st.Peers().List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error listing trusted peers: %v\n", err)
		os.Exit(1)
	}

	subs, err := st.Subscriptions().List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error listing subscriptions: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Device ID: %s\n", id.DeviceID)
	fmt.Printf("Fingerprint: %s\n", id.FingerprintHex)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Trusted peers: %d\n", len(peers))
	fmt.Printf("Noise subscriptions: %d\n", len(subs))
	fmt.Printf("Version: %s\n", version)
	return true
}
