// Package config handles configuration loading for coven-office.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Missing values fall back to defaults, so an empty file is a
// valid configuration.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_OFFICE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/office.yaml
//  3. ~/.config/coven/office.yaml
//
// A path ending in .toml is decoded as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${COVEN_DATA}/office.db"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	presence:
//	  stale_threshold: "120s"
//	  heartbeat_interval: "30s"
//	channel:
//	  auto_fail_after: "45s"
//	  check_interval: "5s"
//	  error_display: "5s"
//
// # Configuration Sections
//
// Database:
//
//	database:
//	  path: "~/.local/share/coven/office.db"
//	  driver: "sqlite"   # sqlite, sqlite3
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Message channel:
//
//	channel:
//	  observe_limit: 50
//
// Task history:
//
//	history:
//	  default_count: 10
//
// # Usage
//
//	cfg, err := config.LoadOrDefault(config.Path())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
