// Package security implements the proxy's bearer-token + IP allowlist gate
// and the SecurityConfig it is driven by. It deliberately does not contain
// an OIDC/OAuth provider, a policy engine, or a secrets backend: per the
// spec's Non-goals, authentication here never goes beyond a static bearer
// token and an IP allowlist, and SecurityConfig is consumed already-loaded.
package security

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Mode selects how strictly SecurityGate checks incoming requests.
type Mode string

const (
	// ModeStrict requires both a valid bearer token and an allowlisted IP.
	ModeStrict Mode = "strict"
	// ModeRelaxed requires a valid bearer token from any IP.
	ModeRelaxed Mode = "relaxed"
	// ModeLax requires neither, but only accepts loopback/local connections.
	ModeLax Mode = "lax"
)

// Config is the proxy's security configuration, loaded read-only from
// .mcprepl/security.json (spec §6). Nothing in this package mutates it
// after load except Save, which is only used by the CLI bootstrap path.
type Config struct {
	Mode       Mode     `json:"mode"`
	APIKeys    []string `json:"api_keys"`
	AllowedIPs []string `json:"allowed_ips"`
	Port       int      `json:"port"`
	CreatedAt  int64    `json:"created_at"`
}

// ConfigPath returns the conventional security config path rooted at
// workspaceDir, i.e. "<workspaceDir>/.mcprepl/security.json".
func ConfigPath(workspaceDir string) string {
	return filepath.Join(workspaceDir, ".mcprepl", "security.json")
}

// Load reads and validates a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read security config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse security config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid security config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks that mode is one of the known values and that strict/
// relaxed modes carry the credentials they require.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeStrict, ModeRelaxed, ModeLax:
	default:
		return fmt.Errorf("unknown security mode %q", c.Mode)
	}
	if (c.Mode == ModeStrict || c.Mode == ModeRelaxed) && len(c.APIKeys) == 0 {
		return fmt.Errorf("mode %q requires at least one api key", c.Mode)
	}
	if c.Mode == ModeStrict && len(c.AllowedIPs) == 0 {
		return fmt.Errorf("mode %q requires at least one allowed ip", c.Mode)
	}
	return nil
}

// Save writes c to path with owner-only permissions (0600), creating parent
// directories as needed. Used only by setup/bootstrap flows, never by the
// proxy's steady-state request path.
func Save(path string, c *Config) error {
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().Unix()
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid security config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create security config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal security config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write security config: %w", err)
	}
	return nil
}
