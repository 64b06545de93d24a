// Package config loads and validates valet's configuration: the jail
// root, transport binding, auth material, limits, the executable
// allow-list, and the optional rate-limit/telemetry tuning added beyond
// spec.md's minimal key list (SPEC_FULL.md §6).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config is the immutable, validated configuration shared by every
// request handler for the lifetime of the process.
type Config struct {
	Root      RootConfig      `toml:"root" json:"root"`
	Server    ServerConfig    `toml:"server" json:"server"`
	Auth      AuthConfig      `toml:"auth" json:"auth"`
	Limits    LimitsConfig    `toml:"limits" json:"limits"`
	Exec      ExecConfig      `toml:"exec" json:"exec"`
	RateLimit RateLimitConfig `toml:"ratelimit" json:"ratelimit"`
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry"`
}

type RootConfig struct {
	RootDir string `toml:"root_dir" json:"root_dir"`
}

type ServerConfig struct {
	BindAddr string `toml:"bind_addr" json:"bind_addr"`
	Port     int    `toml:"port" json:"port"`
	BasePath string `toml:"base_path" json:"base_path"`
}

type AuthConfig struct {
	BearerToken    string   `toml:"bearer_token" json:"bearer_token"`
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`
}

type LimitsConfig struct {
	ExecTimeoutS int `toml:"exec_timeout_s" json:"exec_timeout_s"`
	MaxStdoutKB  int `toml:"max_stdout_kb" json:"max_stdout_kb"`
	MaxRequestKB int `toml:"max_request_kb" json:"max_request_kb"`
}

type ExecConfig struct {
	AllowedCmds []string `toml:"allowed_cmds" json:"allowed_cmds"`
	PassEnv     []string `toml:"pass_env" json:"pass_env"`
}

// RateLimitConfig supplements spec.md's minimal key list (SPEC_FULL.md §6)
// to make the two named rate pairs from §4.3 configurable. Zero values
// fall back to the defaults applied in applyDefaults.
type RateLimitConfig struct {
	GlobalRPS      float64 `toml:"global_rps" json:"global_rps"`
	GlobalBurst    int     `toml:"global_burst" json:"global_burst"`
	PrincipalRPS   float64 `toml:"principal_rps" json:"principal_rps"`
	PrincipalBurst int     `toml:"principal_burst" json:"principal_burst"`
}

// TelemetryConfig supplements spec.md to make §4.12's optional tracing
// configurable. An empty Endpoint disables tracing entirely.
type TelemetryConfig struct {
	Endpoint string `toml:"endpoint" json:"endpoint"`
}

const defaultBasePath = "/mcp"

// Default rate-limit values applied when a config omits [ratelimit]
// entirely or leaves a field at its zero value.
const (
	defaultGlobalRPS      = 10
	defaultGlobalBurst    = 20
	defaultPrincipalRPS   = 2
	defaultPrincipalBurst = 5
)

// Load reads the file at path and decodes it as TOML, unless path ends in
// ".json", matching the original's extension-based dispatch.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s as JSON: %w", path, err)
		}
	} else {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s as TOML: %w", path, err)
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.BasePath == "" {
		c.Server.BasePath = defaultBasePath
	}
	if c.RateLimit.GlobalRPS == 0 {
		c.RateLimit.GlobalRPS = defaultGlobalRPS
	}
	if c.RateLimit.GlobalBurst == 0 {
		c.RateLimit.GlobalBurst = defaultGlobalBurst
	}
	if c.RateLimit.PrincipalRPS == 0 {
		c.RateLimit.PrincipalRPS = defaultPrincipalRPS
	}
	if c.RateLimit.PrincipalBurst == 0 {
		c.RateLimit.PrincipalBurst = defaultPrincipalBurst
	}
}

// Validate checks every field §3 declares as an invariant. A process that
// fails validation must exit non-zero without binding a listener.
func (c *Config) Validate() error {
	if c.Root.RootDir == "" {
		return fmt.Errorf("root.root_dir is required")
	}
	info, err := os.Stat(c.Root.RootDir)
	if err != nil {
		return fmt.Errorf("root.root_dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root.root_dir %q is not a directory", c.Root.RootDir)
	}

	if c.Server.BindAddr == "" {
		return fmt.Errorf("server.bind_addr is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /, got %q", c.Server.BasePath)
	}

	if c.Auth.BearerToken == "" {
		return fmt.Errorf("auth.bearer_token is required")
	}
	if len(c.Auth.AllowedOrigins) == 0 {
		return fmt.Errorf("auth.allowed_origins must be non-empty")
	}

	if c.Limits.ExecTimeoutS <= 0 {
		return fmt.Errorf("limits.exec_timeout_s must be > 0")
	}
	if c.Limits.MaxStdoutKB <= 0 {
		return fmt.Errorf("limits.max_stdout_kb must be > 0")
	}
	if c.Limits.MaxRequestKB <= 0 {
		return fmt.Errorf("limits.max_request_kb must be > 0")
	}

	if len(c.Exec.AllowedCmds) == 0 {
		return fmt.Errorf("exec.allowed_cmds must be non-empty")
	}

	return nil
}
