// Package config manages persistent local preferences for the monitor and
// listener binaries, in the same read-modify-write JSON idiom as the
// teacher client's internal/config package: defaults on any read error,
// create-on-write.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// MonitorConfig holds a Monitor device's persisted local preferences.
// Identity, trusted peers, and subscriptions live in internal/store's
// SQLite tables; this file only carries process-level preferences a user
// would edit by hand or a settings UI would round-trip.
type MonitorConfig struct {
	DisplayName string `json:"display_name"`
	PairingAddr string `json:"pairing_addr"`
	ControlAddr string `json:"control_addr"`
	DBPath      string `json:"db_path"`
}

// DefaultMonitorConfig returns the factory defaults for a Monitor.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		DisplayName: "Nursery",
		PairingAddr: ":9443",
		ControlAddr: ":9444",
		DBPath:      "cribcall-monitor.db",
	}
}

// MonitorConfigPath returns the absolute path to the Monitor's config file.
func MonitorConfigPath() (string, error) {
	return configPath("cribcall-monitor")
}

// LoadMonitorConfig reads the Monitor config file, returning defaults on
// any read error (missing file, corrupt JSON) rather than failing.
func LoadMonitorConfig() MonitorConfig {
	cfg := DefaultMonitorConfig()
	path, err := MonitorConfigPath()
	if err != nil {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultMonitorConfig()
	}
	return cfg
}

// SaveMonitorConfig writes cfg to disk, creating the directory if needed.
func SaveMonitorConfig(cfg MonitorConfig) error {
	path, err := MonitorConfigPath()
	if err != nil {
		return err
	}
	return writeJSON(path, cfg)
}

// ListenerConfig holds a Listener device's persisted local preferences,
// including the last paired Monitor's pinned fingerprint and address so a
// restart can reconnect without repeating the pairing ceremony (spec §4.6).
type ListenerConfig struct {
	DisplayName         string `json:"display_name"`
	MonitorName         string `json:"monitor_name,omitempty"`
	MonitorFingerprint  string `json:"monitor_fingerprint,omitempty"`
	MonitorControlAddr  string `json:"monitor_control_addr,omitempty"`
	DBPath              string `json:"db_path"`
}

// DefaultListenerConfig returns the factory defaults for a Listener.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		DisplayName: "Living Room Listener",
		DBPath:      "cribcall-listener.db",
	}
}

// ListenerConfigPath returns the absolute path to the Listener's config file.
func ListenerConfigPath() (string, error) {
	return configPath("cribcall-listener")
}

// LoadListenerConfig reads the Listener config file, returning defaults on
// any read error.
func LoadListenerConfig() ListenerConfig {
	cfg := DefaultListenerConfig()
	path, err := ListenerConfigPath()
	if err != nil {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultListenerConfig()
	}
	return cfg
}

// SaveListenerConfig writes cfg to disk, creating the directory if needed.
func SaveListenerConfig(cfg ListenerConfig) error {
	path, err := ListenerConfigPath()
	if err != nil {
		return err
	}
	return writeJSON(path, cfg)
}

func configPath(appDir string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appDir, "config.json"), nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
