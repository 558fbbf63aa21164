// Package config handles configuration loading for courier-daemon.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COURIER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/courier/daemon.yaml
//  3. ~/.config/courier/daemon.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token_secret: "${COURIER_TOKEN_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  idle_timeout: "2h"
//	  health_interval: "60s"
//	  deep_health_interval: "5m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Daemon settings:
//
//	daemon:
//	  http_addr: "127.0.0.1:7171"  # Control API and transport ingest
//	  data_dir: "/var/lib/courier"
//	  log_file: "/var/log/courier/daemon.log"
//
// Agent client:
//
//	agent:
//	  command: "claude"
//	  args: ["--output-format", "stream-json"]
//	  connect_timeout: "30s"
//	  turn_timeout: "10m"
//
// Session registry:
//
//	registry:
//	  path: "/var/lib/courier/sessions.json"
//	  debounce: "1s"
//
// Contact tiers:
//
//	tiers:
//	  family:
//	    model: "claude-sonnet-4-5"
//	    max_turns: 50
//	  owner:
//	    model: "claude-opus-4-5"
//	    max_turns: 0    # unlimited
//	    pinned: true
package config
