// Package config loads ATLAS-GATE's configuration from a TOML file and
// environment variables. Precedence: environment variables > config file >
// defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration for the ATLAS-GATE server.
type Config struct {
	Workspace WorkspaceConfig `toml:"workspace"`
	Server    ServerConfig    `toml:"server"`
	Transport TransportConfig `toml:"transport"`
	Log       LogConfig       `toml:"log"`
	Bootstrap BootstrapConfig `toml:"bootstrap"`
	Audit     AuditConfig     `toml:"audit"`
	Session   SessionConfig   `toml:"session"`
	Policy    PolicyConfig    `toml:"policy"`
}

// WorkspaceConfig holds the workspace root setting and the intent-exempt
// globs. Root is loaded and overridable by WORKSPACE_ROOT, but begin_session
// does not read it: the workspace always comes from the tool's arguments.
type WorkspaceConfig struct {
	Root              string   `toml:"root"`
	IntentExemptGlobs []string `toml:"intent_exempt_globs"`
}

// ServerConfig holds MCP server metadata.
type ServerConfig struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// TransportConfig holds transport-related settings.
type TransportConfig struct {
	// Mode selects the transport: "stdio" (default) or "http".
	Mode string `toml:"mode"`
	// Port is the HTTP listen port (default: 8743). Only used when Mode is "http".
	Port string `toml:"port"`
	// Host is the HTTP listen address (default: "127.0.0.1"). Only used when Mode is "http".
	Host string `toml:"host"`
	// CORSOrigins is a comma-separated list of allowed CORS origins (default: "*").
	CORSOrigins string `toml:"cors_origins"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// BootstrapConfig holds the HMAC secret and skew tolerance for the
// exceptional "first plan" bootstrap tool.
type BootstrapConfig struct {
	Secret       string        `toml:"secret"`
	MaxClockSkew time.Duration `toml:"max_clock_skew"`
}

// AuditConfig controls the audit log backend and lock behavior.
type AuditConfig struct {
	Backend     string        `toml:"backend"` // file (default) | postgres | s3
	LockTimeout time.Duration `toml:"lock_timeout"`
}

// SessionConfig selects the session-state backend.
type SessionConfig struct {
	Backend string `toml:"backend"` // memory (default) | redis
}

// PolicyConfig holds the preflight timeout. The value is loaded and
// validated, but it is not passed to the write_file tool, whose policy
// engine always uses its 60s default.
type PolicyConfig struct {
	PreflightTimeout time.Duration `toml:"preflight_timeout"`
}

// Load creates a Config by reading from a TOML config file and environment
// variables. Precedence: environment variables > config file > defaults.
//
// Config file search order (first found wins):
//  1. Path passed via configPath parameter (from --config flag)
//  2. ATLAS_GATE_CONFIG environment variable
//  3. ./atlas-gate.toml (current directory)
//  4. ~/.config/atlas-gate/atlas-gate.toml (XDG-style)
//
// All fields are optional in the config file. Environment variables always
// override file values.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		Workspace: WorkspaceConfig{
			IntentExemptGlobs: []string{"docs/reports/**"},
		},
		Server: ServerConfig{
			Name:    "atlas-gate",
			Version: "0.1.0",
		},
		Transport: TransportConfig{
			Mode:        "stdio",
			Port:        "8743",
			Host:        "127.0.0.1",
			CORSOrigins: "*",
		},
		Log: LogConfig{
			Level: "info",
		},
		Bootstrap: BootstrapConfig{
			MaxClockSkew: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Backend:     "file",
			LockTimeout: 25 * time.Second,
		},
		Session: SessionConfig{
			Backend: "memory",
		},
		Policy: PolicyConfig{
			PreflightTimeout: 60 * time.Second,
		},
	}

	if err := cfg.loadFile(configPath); err != nil {
		return nil, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile finds and parses the TOML config file. If no file is found, or
// the chosen path does not exist, this is a no-op (config file is optional).
func (c *Config) loadFile(configPath string) error {
	path := resolveConfigPath(configPath)
	if path == "" {
		return nil
	}

	if _, err := toml.DecodeFile(path, c); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	return nil
}

// resolveConfigPath determines which config file to use. Returns empty string
// if no config file is found (config file is optional).
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}

	if p := os.Getenv("ATLAS_GATE_CONFIG"); p != "" {
		return p
	}

	if _, err := os.Stat("atlas-gate.toml"); err == nil {
		return "atlas-gate.toml"
	}

	if home, err := os.UserHomeDir(); err == nil {
		p := home + "/.config/atlas-gate/atlas-gate.toml"
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

// applyEnv overlays environment variables on top of existing config values.
// An env var only takes effect if it is non-empty.
func (c *Config) applyEnv() {
	envOverride("WORKSPACE_ROOT", &c.Workspace.Root)
	envOverride("ATLAS_BOOTSTRAP_SECRET", &c.Bootstrap.Secret)
	envOverride("AUDIT_BACKEND", &c.Audit.Backend)
	envOverride("SESSION_BACKEND", &c.Session.Backend)

	envOverride("ATLAS_GATE_TRANSPORT", &c.Transport.Mode)
	envOverride("ATLAS_GATE_PORT", &c.Transport.Port)
	envOverride("ATLAS_GATE_HOST", &c.Transport.Host)
	envOverride("ATLAS_GATE_CORS_ORIGINS", &c.Transport.CORSOrigins)

	envOverride("ATLAS_GATE_LOG_LEVEL", &c.Log.Level)

	if v := os.Getenv("ATLAS_GATE_PREFLIGHT_TIMEOUT_SECS"); v != "" {
		if secs, err := parseSeconds(v); err == nil {
			c.Policy.PreflightTimeout = secs
		}
	}
	if v := os.Getenv("ATLAS_GATE_LOCK_TIMEOUT_SECS"); v != "" {
		if secs, err := parseSeconds(v); err == nil {
			c.Audit.LockTimeout = secs
		}
	}
}

func parseSeconds(v string) (time.Duration, error) {
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil {
		return 0, err
	}
	if secs <= 0 {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(secs) * time.Second, nil
}

// Validate checks that required fields are present.
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case "stdio", "http":
	default:
		return fmt.Errorf("invalid transport mode: %q (must be \"stdio\" or \"http\")", c.Transport.Mode)
	}

	switch c.Audit.Backend {
	case "file", "postgres", "s3":
	default:
		return fmt.Errorf("invalid audit backend: %q", c.Audit.Backend)
	}

	switch c.Session.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid session backend: %q", c.Session.Backend)
	}

	return nil
}

// envOverride sets *dst to the value of the named env var, if it is non-empty.
func envOverride(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
