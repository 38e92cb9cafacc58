// Package config loads the engine's config_json object (spec.md §6):
// {"event_log_path": string?, "cas_root": string? (default
// ".requiem/cas/v2")}, plus the two environment variables the spec names.
//
// This follows internal/config/load.go's Default()-then-override shape
// from the teacher repo — construct known-good defaults, then let a
// config file and environment variables override individual fields —
// generalized to the engine's much smaller config surface.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultCasRoot matches spec.md §6's stated default.
const DefaultCasRoot = ".requiem/cas/v2"

const (
	envSandboxDisabled = "REQUIEM_SANDBOX_DISABLED"
	envAuditLog        = "REQUIEM_AUDIT_LOG"
)

// Config is the engine's resolved runtime configuration.
type Config struct {
	EventLogPath    string `json:"event_log_path,omitempty"`
	CasRoot         string `json:"cas_root,omitempty"`
	SandboxDisabled bool   `json:"-"`
}

// Default returns the configuration the engine uses when config_json
// supplies no overrides and no relevant environment variables are set.
func Default() *Config {
	return &Config{CasRoot: DefaultCasRoot}
}

// Load parses configJSON (which may be empty) over Default(), then applies
// REQUIEM_SANDBOX_DISABLED and REQUIEM_AUDIT_LOG from the environment.
// REQUIEM_AUDIT_LOG only takes effect "if no programmatic call was made"
// per spec.md §6, i.e. if configJSON did not already set event_log_path.
func Load(configJSON []byte) (*Config, error) {
	cfg := Default()
	if len(configJSON) > 0 {
		var overrides Config
		if err := json.Unmarshal(configJSON, &overrides); err != nil {
			return nil, fmt.Errorf("config: parse config_json: %w", err)
		}
		if overrides.EventLogPath != "" {
			cfg.EventLogPath = overrides.EventLogPath
		}
		if overrides.CasRoot != "" {
			cfg.CasRoot = overrides.CasRoot
		}
	}

	if cfg.EventLogPath == "" {
		if path := os.Getenv(envAuditLog); path != "" {
			cfg.EventLogPath = path
		}
	}

	if v := os.Getenv(envSandboxDisabled); v == "1" {
		cfg.SandboxDisabled = true
	}

	return cfg, nil
}
