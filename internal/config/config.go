// ABOUTME: Configuration loading and parsing for courier-daemon
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete courier-daemon configuration
type Config struct {
	Daemon     DaemonConfig          `yaml:"daemon"`
	Auth       AuthConfig            `yaml:"auth"`
	Agent      AgentConfig           `yaml:"agent"`
	Sessions   SessionsConfig        `yaml:"sessions"`
	Registry   RegistryConfig        `yaml:"registry"`
	Backends   BackendsConfig        `yaml:"backends"`
	Tiers      map[string]TierConfig `yaml:"tiers"`
	Health     HealthConfig          `yaml:"health"`
	Transcript TranscriptConfig      `yaml:"transcript"`
	Watchdog   WatchdogConfig        `yaml:"watchdog"`
	Logging    LoggingConfig         `yaml:"logging"`
}

// DaemonConfig holds daemon process configuration
type DaemonConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	DataDir  string `yaml:"data_dir"`
	LogFile  string `yaml:"log_file"`
}

// AuthConfig holds control-plane authentication configuration
type AuthConfig struct {
	TokenSecret string `yaml:"token_secret"`
}

// AgentConfig holds configuration for the agent client subprocess
type AgentConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	ConnectTimeout time.Duration `yaml:"-"`
	TurnTimeout    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ConnectTimeoutRaw string `yaml:"connect_timeout"`
	TurnTimeoutRaw    string `yaml:"turn_timeout"`
}

// SessionsConfig holds session lifecycle timing configuration
type SessionsConfig struct {
	IdleTimeout        time.Duration `yaml:"-"`
	HealthInterval     time.Duration `yaml:"-"`
	DeepHealthInterval time.Duration `yaml:"-"`
	StopTimeout        time.Duration `yaml:"-"`
	DedupeWindow       time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw        string `yaml:"idle_timeout"`
	HealthIntervalRaw     string `yaml:"health_interval"`
	DeepHealthIntervalRaw string `yaml:"deep_health_interval"`
	StopTimeoutRaw        string `yaml:"stop_timeout"`
	DedupeWindowRaw       string `yaml:"dedupe_window"`
}

// RegistryConfig holds session registry persistence configuration
type RegistryConfig struct {
	Path string `yaml:"path"`

	Debounce    time.Duration `yaml:"-"`
	DebounceRaw string        `yaml:"debounce"`
}

// BackendsConfig holds backend catalog configuration
type BackendsConfig struct {
	// CatalogPath optionally points at a TOML overlay merged over the
	// builtin catalog at startup.
	CatalogPath string `yaml:"catalog_path"`
	Default     string `yaml:"default"`
}

// TierConfig holds per-tier policy overrides
type TierConfig struct {
	Model    string `yaml:"model"`
	MaxTurns int    `yaml:"max_turns"`
	Pinned   bool   `yaml:"pinned"`
}

// HealthConfig holds health-check configuration
type HealthConfig struct {
	// FatalSignatures are regular expressions matched against recent
	// session output by the fast health tier. Empty means builtin defaults.
	FatalSignatures []string `yaml:"fatal_signatures"`

	Classifier ClassifierConfig `yaml:"classifier"`
}

// ClassifierConfig holds deep health tier classifier configuration
type ClassifierConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
}

// TranscriptConfig holds transcript store configuration
type TranscriptConfig struct {
	Path string `yaml:"path"`
}

// WatchdogConfig holds supervising watchdog configuration
type WatchdogConfig struct {
	ProbeURL        string   `yaml:"probe_url"`
	LockFile        string   `yaml:"lock_file"`
	RestartCommand  []string `yaml:"restart_command"`
	Operator        string   `yaml:"operator"`
	OperatorBackend string   `yaml:"operator_backend"`
	LogTailLines    int      `yaml:"log_tail_lines"`

	Interval    time.Duration `yaml:"-"`
	IntervalRaw string        `yaml:"interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in defaults for optional fields before validation.
func (c *Config) applyDefaults() {
	if c.Daemon.HTTPAddr == "" {
		c.Daemon.HTTPAddr = "127.0.0.1:7171"
	}
	if c.Sessions.IdleTimeoutRaw == "" {
		c.Sessions.IdleTimeoutRaw = "2h"
	}
	if c.Sessions.HealthIntervalRaw == "" {
		c.Sessions.HealthIntervalRaw = "60s"
	}
	if c.Sessions.DeepHealthIntervalRaw == "" {
		c.Sessions.DeepHealthIntervalRaw = "5m"
	}
	if c.Sessions.StopTimeoutRaw == "" {
		c.Sessions.StopTimeoutRaw = "10s"
	}
	if c.Sessions.DedupeWindowRaw == "" {
		c.Sessions.DedupeWindowRaw = "10m"
	}
	if c.Agent.ConnectTimeoutRaw == "" {
		c.Agent.ConnectTimeoutRaw = "30s"
	}
	if c.Agent.TurnTimeoutRaw == "" {
		c.Agent.TurnTimeoutRaw = "10m"
	}
	if c.Registry.DebounceRaw == "" {
		c.Registry.DebounceRaw = "1s"
	}
	if c.Watchdog.IntervalRaw == "" {
		c.Watchdog.IntervalRaw = "60s"
	}
	if c.Watchdog.LogTailLines == 0 {
		c.Watchdog.LogTailLines = 50
	}
	if c.Backends.Default == "" {
		c.Backends.Default = "imessage"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Daemon.DataDir == "" {
		return fmt.Errorf("daemon.data_dir is required")
	}

	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}

	if c.Registry.Path == "" {
		return fmt.Errorf("registry.path is required")
	}

	if c.Registry.Debounce <= 0 {
		return fmt.Errorf("registry.debounce must be positive")
	}

	for name, tier := range c.Tiers {
		if tier.MaxTurns < 0 {
			return fmt.Errorf("tiers.%s.max_turns must not be negative", name)
		}
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
		{"agent.connect_timeout", cfg.Agent.ConnectTimeoutRaw, &cfg.Agent.ConnectTimeout},
		{"agent.turn_timeout", cfg.Agent.TurnTimeoutRaw, &cfg.Agent.TurnTimeout},
		{"sessions.idle_timeout", cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout},
		{"sessions.health_interval", cfg.Sessions.HealthIntervalRaw, &cfg.Sessions.HealthInterval},
		{"sessions.deep_health_interval", cfg.Sessions.DeepHealthIntervalRaw, &cfg.Sessions.DeepHealthInterval},
		{"sessions.stop_timeout", cfg.Sessions.StopTimeoutRaw, &cfg.Sessions.StopTimeout},
		{"sessions.dedupe_window", cfg.Sessions.DedupeWindowRaw, &cfg.Sessions.DedupeWindow},
		{"registry.debounce", cfg.Registry.DebounceRaw, &cfg.Registry.Debounce},
		{"watchdog.interval", cfg.Watchdog.IntervalRaw, &cfg.Watchdog.Interval},
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
