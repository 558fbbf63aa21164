// ABOUTME: Configuration loading for courier-matrix bridge
// ABOUTME: Loads TOML config from XDG path with environment variable expansion

package main

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Matrix  MatrixConfig  `toml:"matrix"`
	Courier CourierConfig `toml:"courier"`
	Bridge  BridgeConfig  `toml:"bridge"`
	Logging LoggingConfig `toml:"logging"`
}

type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	UserID      string `toml:"user_id"`
	AccessToken string `toml:"access_token"`
	RecoveryKey string `toml:"recovery_key"`
}

type CourierConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

type BridgeConfig struct {
	// AllowedRooms limits which rooms the bridge listens in. Empty allows all
	// joined rooms.
	AllowedRooms []string `toml:"allowed_rooms"`

	// GroupRooms lists rooms treated as group conversations. Messages from
	// these rooms are injected under the room identifier rather than the
	// sender.
	GroupRooms []string `toml:"group_rooms"`

	// Tiers maps a Matrix user or room ID to a relationship tier name.
	Tiers map[string]string `toml:"tiers"`

	// DefaultTier is used for contacts with no explicit tier mapping.
	DefaultTier string `toml:"default_tier"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if _, err := url.Parse(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}
	if c.Courier.URL == "" {
		return fmt.Errorf("courier.url is required")
	}
	u, err := url.Parse(c.Courier.URL)
	if err != nil {
		return fmt.Errorf("courier.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("courier.url must use http or https scheme")
	}
	if c.Courier.Token == "" {
		return fmt.Errorf("courier.token is required (mint one with courier-daemon token)")
	}
	if c.Bridge.DefaultTier == "" {
		c.Bridge.DefaultTier = "friend"
	}
	return nil
}
