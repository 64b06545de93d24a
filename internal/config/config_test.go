package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const tomlFixture = `
[root]
root_dir = %q

[server]
bind_addr = "127.0.0.1"
port = 8787
base_path = "/mcp"

[auth]
bearer_token = "secret"
allowed_origins = ["https://ok"]

[limits]
exec_timeout_s = 30
max_stdout_kb = 1024
max_request_kb = 256

[exec]
allowed_cmds = ["/bin/echo"]
pass_env = ["PATH"]
`

const jsonFixture = `{
	"root": {"root_dir": %q},
	"server": {"bind_addr": "127.0.0.1", "port": 8787, "base_path": "/mcp"},
	"auth": {"bearer_token": "secret", "allowed_origins": ["https://ok"]},
	"limits": {"exec_timeout_s": 30, "max_stdout_kb": 1024, "max_request_kb": 256},
	"exec": {"allowed_cmds": ["/bin/echo"], "pass_env": ["PATH"]}
}`

func writeFixture(t *testing.T, name, tmpl string) string {
	t.Helper()
	dir := t.TempDir()
	rootDir := filepath.Join(dir, "jail")
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	content := fmt.Sprintf(tmpl, rootDir)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeFixture(t, "valet.toml", tomlFixture)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Server.Port != 8787 {
		t.Errorf("Port = %d, want 8787", cfg.Server.Port)
	}
	if cfg.RateLimit.GlobalRPS != defaultGlobalRPS {
		t.Errorf("GlobalRPS = %v, want default %v", cfg.RateLimit.GlobalRPS, defaultGlobalRPS)
	}
}

func TestLoadJSONByExtension(t *testing.T) {
	path := writeFixture(t, "valet.json", jsonFixture)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Auth.BearerToken != "secret" {
		t.Errorf("BearerToken = %q, want %q", cfg.Auth.BearerToken, "secret")
	}
}

func TestValidateRejectsMissingRoot(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestValidateRejectsEmptyAllowedCmds(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Root:   RootConfig{RootDir: dir},
		Server: ServerConfig{BindAddr: "127.0.0.1", Port: 8787, BasePath: "/mcp"},
		Auth:   AuthConfig{BearerToken: "x", AllowedOrigins: []string{"https://ok"}},
		Limits: LimitsConfig{ExecTimeoutS: 1, MaxStdoutKB: 1, MaxRequestKB: 1},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty exec.allowed_cmds")
	}
}
