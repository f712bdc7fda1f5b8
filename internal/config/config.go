// ABOUTME: Configuration loading and parsing for coven-office
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a value is absent
const (
	DefaultDriver            = "sqlite"
	DefaultPollInterval      = 250 * time.Millisecond
	DefaultStaleThreshold    = 120 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultAutoFailAfter     = 45 * time.Second
	DefaultCheckInterval     = 5 * time.Second
	DefaultErrorDisplay      = 5 * time.Second
	DefaultObserveLimit      = 50
	DefaultHistoryCount      = 10
)

// Config represents the complete coven-office configuration
type Config struct {
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Presence PresenceConfig `yaml:"presence" toml:"presence"`
	Channel  ChannelConfig  `yaml:"channel" toml:"channel"`
	History  HistoryConfig  `yaml:"history" toml:"history"`
}

// DatabaseConfig holds document store configuration
type DatabaseConfig struct {
	Path   string `yaml:"path" toml:"path"`
	Driver string `yaml:"driver" toml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)

	// How often to look for commits by other processes; "0s" disables
	PollInterval time.Duration `yaml:"-" toml:"-"`

	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// PresenceConfig holds agent presence timing
type PresenceConfig struct {
	StaleThreshold    time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	StaleThresholdRaw    string `yaml:"stale_threshold" toml:"stale_threshold"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

// ChannelConfig holds message channel behaviour
type ChannelConfig struct {
	AutoFailAfter time.Duration `yaml:"-" toml:"-"`
	CheckInterval time.Duration `yaml:"-" toml:"-"`
	ErrorDisplay  time.Duration `yaml:"-" toml:"-"`
	ObserveLimit  int           `yaml:"observe_limit" toml:"observe_limit"`

	// Raw string values for unmarshaling
	AutoFailAfterRaw string `yaml:"auto_fail_after" toml:"auto_fail_after"`
	CheckIntervalRaw string `yaml:"check_interval" toml:"check_interval"`
	ErrorDisplayRaw  string `yaml:"error_display" toml:"error_display"`
}

// HistoryConfig holds task history listing defaults
type HistoryConfig struct {
	DefaultCount int `yaml:"default_count" toml:"default_count"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(DataDir(), "office.db")
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Database.PollInterval == 0 && c.Database.PollIntervalRaw == "" {
		c.Database.PollInterval = DefaultPollInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Presence.StaleThreshold == 0 {
		c.Presence.StaleThreshold = DefaultStaleThreshold
	}
	if c.Presence.HeartbeatInterval == 0 {
		c.Presence.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Channel.AutoFailAfter == 0 {
		c.Channel.AutoFailAfter = DefaultAutoFailAfter
	}
	if c.Channel.CheckInterval == 0 {
		c.Channel.CheckInterval = DefaultCheckInterval
	}
	if c.Channel.ErrorDisplay == 0 {
		c.Channel.ErrorDisplay = DefaultErrorDisplay
	}
	if c.Channel.ObserveLimit == 0 {
		c.Channel.ObserveLimit = DefaultObserveLimit
	}
	if c.History.DefaultCount == 0 {
		c.History.DefaultCount = DefaultHistoryCount
	}
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"database.poll_interval", c.Database.PollInterval},
		{"presence.stale_threshold", c.Presence.StaleThreshold},
		{"presence.heartbeat_interval", c.Presence.HeartbeatInterval},
		{"channel.auto_fail_after", c.Channel.AutoFailAfter},
		{"channel.check_interval", c.Channel.CheckInterval},
		{"channel.error_display", c.Channel.ErrorDisplay},
	}
	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}

	if c.Presence.HeartbeatInterval >= c.Presence.StaleThreshold {
		return fmt.Errorf("presence.heartbeat_interval (%s) must be shorter than presence.stale_threshold (%s)",
			c.Presence.HeartbeatInterval, c.Presence.StaleThreshold)
	}

	if c.Channel.ObserveLimit < 0 {
		return fmt.Errorf("channel.observe_limit must be positive, got %d", c.Channel.ObserveLimit)
	}
	if c.History.DefaultCount < 0 {
		return fmt.Errorf("history.default_count must be positive, got %d", c.History.DefaultCount)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"poll_interval", cfg.Database.PollIntervalRaw, &cfg.Database.PollInterval},
		{"stale_threshold", cfg.Presence.StaleThresholdRaw, &cfg.Presence.StaleThreshold},
		{"heartbeat_interval", cfg.Presence.HeartbeatIntervalRaw, &cfg.Presence.HeartbeatInterval},
		{"auto_fail_after", cfg.Channel.AutoFailAfterRaw, &cfg.Channel.AutoFailAfter},
		{"check_interval", cfg.Channel.CheckIntervalRaw, &cfg.Channel.CheckInterval},
		{"error_display", cfg.Channel.ErrorDisplayRaw, &cfg.Channel.ErrorDisplay},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
