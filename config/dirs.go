// ABOUTME: Where labrecord keeps its state: XDG data and config directories, the system-wide
// ABOUTME: config directory used by the daemon, and the ledger/records/previews layout under data_dir.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "labrecord"

// SystemConfigDir is searched after the user config directory, so a builder
// running as a service account can share the facility's config.
const SystemConfigDir = "/etc/labrecord"

// xdgDir returns $env/labrecord, or ~/<fallback...>/labrecord when env is unset.
func xdgDir(env string, fallback ...string) (string, error) {
	if xdg := os.Getenv(env); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory for %s: %w", env, err)
	}
	return filepath.Join(append(append([]string{home}, fallback...), appName)...), nil
}

// DefaultDataDir returns the directory for the ledger, records, and previews.
func DefaultDataDir() (string, error) {
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

// DefaultConfigDir returns the per-user directory searched for config.yaml.
func DefaultConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// configSearchPaths lists the directories searched for config.yaml, in order.
func configSearchPaths() []string {
	var paths []string
	if dir, err := DefaultConfigDir(); err == nil {
		paths = append(paths, dir)
	}
	return append(paths, SystemConfigDir)
}

// LedgerDir holds the SQLite ledger and its JSONL audit log.
func (c *Config) LedgerDir() string { return filepath.Join(c.DataDir, "ledger") }

// RecordsDir holds one directory of artifacts per built session.
func (c *Config) RecordsDir() string { return filepath.Join(c.DataDir, "records") }

// PreviewsDir holds preview images keyed by content digest.
func (c *Config) PreviewsDir() string { return filepath.Join(c.DataDir, "previews") }

// EnsureDirs creates the data directory layout. The upload outbox is left to
// the uploader so a dry run creates nothing outside data_dir.
func (c *Config) EnsureDirs() error {
	dirs := []string{c.LedgerDir(), c.RecordsDir()}
	if c.Extract.Previews {
		dirs = append(dirs, c.PreviewsDir())
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}
