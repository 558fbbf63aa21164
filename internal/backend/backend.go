// ABOUTME: Static catalog of messaging transports and their send/id rules.
// ABOUTME: Frozen after startup; adding a transport is pure data, never new control flow.

package backend

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config describes one messaging transport. All behavioral differences
// between transports live here as data; no other component may branch on a
// transport's name.
type Config struct {
	// Name is the catalog key, e.g. "imessage" or "signal".
	Name string `toml:"name"`

	// Label is the human-readable transport name used in logs and status.
	Label string `toml:"label"`

	// SessionSuffix is appended to derived session names so two transports
	// never collide on the same contact identifier.
	SessionSuffix string `toml:"session_suffix"`

	// IDPrefix is prepended to bare contact identifiers when formatting
	// them for this transport (e.g. "imsg:").
	IDPrefix string `toml:"id_prefix"`

	// SendCommand is the argv template for delivering an outbound message.
	// Placeholders: {id}, {text}.
	SendCommand []string `toml:"send_command"`

	// GroupSendCommand is the argv template for group delivery.
	// Placeholders: {group_id}, {text}.
	GroupSendCommand []string `toml:"group_send_command"`

	// HistoryCommand is the argv template for fetching recent transport
	// history for an identifier. Placeholders: {id}, {limit}.
	HistoryCommand []string `toml:"history_command"`
}

// SessionName derives the agent session name for a contact identifier on
// this transport. The result is a pure function of (transport, id) and is
// stable for the contact's lifetime.
func (c Config) SessionName(id string) string {
	return sanitizeID(id) + "-" + c.SessionSuffix
}

// FormatID applies the transport's identifier prefix if not already present.
func (c Config) FormatID(id string) string {
	if c.IDPrefix == "" || strings.HasPrefix(id, c.IDPrefix) {
		return id
	}
	return c.IDPrefix + id
}

// sanitizeID lowercases an identifier and maps every byte outside
// [a-z0-9] to '-', collapsing runs. Keeps derived session names shell- and
// filename-safe.
func sanitizeID(id string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Registry is the immutable transport catalog. Lookups fall back to the
// default transport for unknown names.
type Registry struct {
	backends    map[string]Config
	defaultName string
}

// NewRegistry builds a registry from the builtin catalog, optionally merged
// with a TOML overlay file, then freezes it. defaultName selects the
// fallback transport and must exist in the final catalog.
func NewRegistry(overlayPath, defaultName string) (*Registry, error) {
	backends := make(map[string]Config, len(builtinCatalog))
	for _, cfg := range builtinCatalog {
		backends[cfg.Name] = cfg
	}

	if overlayPath != "" {
		var overlay catalogFile
		if _, err := toml.DecodeFile(overlayPath, &overlay); err != nil {
			return nil, fmt.Errorf("loading backend catalog %s: %w", overlayPath, err)
		}
		for _, cfg := range overlay.Backend {
			if cfg.Name == "" {
				return nil, fmt.Errorf("backend catalog %s: entry missing name", overlayPath)
			}
			backends[cfg.Name] = cfg
		}
	}

	if _, ok := backends[defaultName]; !ok {
		return nil, fmt.Errorf("default backend %q not in catalog", defaultName)
	}

	return &Registry{backends: backends, defaultName: defaultName}, nil
}

// catalogFile is the TOML overlay document shape: repeated [[backend]] tables.
type catalogFile struct {
	Backend []Config `toml:"backend"`
}

// Get returns the configuration for the named transport, falling back to
// the default transport when the name is unknown or empty.
func (r *Registry) Get(name string) Config {
	if cfg, ok := r.backends[name]; ok {
		return cfg
	}
	return r.backends[r.defaultName]
}

// Default returns the fallback transport configuration.
func (r *Registry) Default() Config {
	return r.backends[r.defaultName]
}

// Names returns the catalog keys in no particular order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}
