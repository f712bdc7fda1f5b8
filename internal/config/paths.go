// ABOUTME: Well-known config and data locations plus the starter config template
// ABOUTME: Follows XDG conventions with ~/.config and ~/.local/share fallbacks

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath overrides the config file location
const EnvConfigPath = "COVEN_OFFICE_CONFIG"

// Path returns the config file path.
// Priority: COVEN_OFFICE_CONFIG env var > XDG_CONFIG_HOME/coven/office.yaml > ~/.config/coven/office.yaml
func Path() string {
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "office.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "office.yaml")
}

// DataDir returns the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

// LoadOrDefault loads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Template renders a starter YAML config with the given database and
// logging settings and default timings.
func Template(db DatabaseConfig, logging LoggingConfig) string {
	return fmt.Sprintf(`# coven-office configuration
# Generated by coven-office init

database:
  path: %q
  driver: %q             # sqlite (pure Go) or sqlite3 (cgo)
  poll_interval: "250ms"   # check for writes by other processes, "0s" disables

logging:
  level: %q              # debug, info, warn, error
  format: %q             # text, json

presence:
  stale_threshold: "120s"
  heartbeat_interval: "30s"

channel:
  auto_fail_after: "45s"
  check_interval: "5s"
  error_display: "5s"
  observe_limit: 50

history:
  default_count: 10
`, db.Path, db.Driver, logging.Level, logging.Format)
}
