package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
data_dir: /tmp/mcpbox-test
servers:
  github:
    command: github-mcp-server
    args: ["--stdio"]
    env:
      GITHUB_TOKEN: xyz
  remote:
    url: https://mcp.example.com/mcp
    headers:
      Authorization: Bearer abc
guard:
  allowed_hosts: ["api.example.com"]
  allow_localhost: true
sandbox:
  ready_timeout_ms: 5000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	gh, ok := cfg.Servers["github"]
	if !ok {
		t.Fatal("missing github server")
	}
	if !gh.Subprocess() {
		t.Error("github should be subprocess mode")
	}
	if gh.Env["GITHUB_TOKEN"] != "xyz" {
		t.Errorf("env = %v", gh.Env)
	}

	remote := cfg.Servers["remote"]
	if remote.Subprocess() {
		t.Error("remote should be network mode")
	}

	policy := cfg.Guard.Policy()
	if !policy.Allowed() {
		t.Error("policy should allow outbound access")
	}
	if cfg.Sandbox.ReadyTimeout().Milliseconds() != 5000 {
		t.Errorf("ready timeout = %v", cfg.Sandbox.ReadyTimeout())
	}
	if cfg.Cache.Path == "" {
		t.Error("cache path default not applied")
	}
}

func TestLoad_RejectsBothModes(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
servers:
  bad:
    command: foo
    url: https://example.com
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for dual-mode server")
	}
}

func TestLoad_RejectsNeitherMode(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
servers:
  empty: {}
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for empty server")
	}
}

func TestNetworkPolicy_DenyAllByDefault(t *testing.T) {
	var g GuardConfig
	if g.Policy().Allowed() {
		t.Error("zero-value guard must deny all outbound access")
	}
}

func TestSandboxDefaults(t *testing.T) {
	var s SandboxConfig
	if got := s.RunnerCommand(); len(got) == 0 {
		t.Error("default runner command empty")
	}
	if s.ReadyAttempts() <= 0 {
		t.Error("default ready attempts must be positive")
	}
	if s.ReadyInterval() <= 0 {
		t.Error("default ready interval must be positive")
	}
}
