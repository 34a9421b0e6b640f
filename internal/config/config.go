// Package config handles loading and validating mcpbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for mcpbox.
type Config struct {
	DataDir       string                  `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.mcpbox. Override: MCPBOX_DATA_DIR.
	Servers       map[string]ServerConfig `json:"servers" yaml:"servers"`                       // Named upstream MCP servers.
	Sandbox       SandboxConfig           `json:"sandbox" yaml:"sandbox"`
	Guard         GuardConfig             `json:"guard" yaml:"guard"`
	Cache         CacheConfig             `json:"cache" yaml:"cache"`
	Gateway       GatewayConfig           `json:"gateway" yaml:"gateway"`
	Observability *ObservabilityConfig    `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig describes how to reach one upstream MCP server.
// Exactly one of Command (subprocess mode) or URL (network mode) must be set.
type ServerConfig struct {
	Command string            `json:"command,omitempty" yaml:"command,omitempty"` // Subprocess mode: executable to spawn.
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"` // Values are os.ExpandEnv-expanded.

	URL     string            `json:"url,omitempty" yaml:"url,omitempty"` // Network mode: streamable HTTP endpoint.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Validate enforces the exactly-one-connection-mode constraint.
func (s ServerConfig) Validate() error {
	switch {
	case s.Command == "" && s.URL == "":
		return fmt.Errorf("server config requires either command or url")
	case s.Command != "" && s.URL != "":
		return fmt.Errorf("server config must set exactly one of command or url, not both")
	}
	return nil
}

// Subprocess reports whether this config spawns a local process.
func (s ServerConfig) Subprocess() bool { return s.Command != "" }

// SandboxConfig configures the external isolation host backend.
type SandboxConfig struct {
	Command          []string `json:"command,omitempty" yaml:"command,omitempty"`                       // Runner command; "{port}" in any arg is replaced with the chosen port.
	ReadyTimeoutMs   int      `json:"ready_timeout_ms,omitempty" yaml:"ready_timeout_ms,omitempty"`     // Default: 10000.
	ReadyIntervalMs  int      `json:"ready_interval_ms,omitempty" yaml:"ready_interval_ms,omitempty"`   // Default: 100.
	MaxReadyAttempts int      `json:"max_ready_attempts,omitempty" yaml:"max_ready_attempts,omitempty"` // Default: 50.
}

// RunnerCommand returns the configured runner command, or the default
// runner when unset.
func (s SandboxConfig) RunnerCommand() []string {
	if len(s.Command) > 0 {
		return s.Command
	}
	return []string{"mcpbox-runner", "--port", "{port}"}
}

// ReadyTimeout returns the readiness polling wall-clock bound.
func (s SandboxConfig) ReadyTimeout() time.Duration {
	if s.ReadyTimeoutMs > 0 {
		return time.Duration(s.ReadyTimeoutMs) * time.Millisecond
	}
	return 10 * time.Second
}

// ReadyInterval returns the delay between readiness probes.
func (s SandboxConfig) ReadyInterval() time.Duration {
	if s.ReadyIntervalMs > 0 {
		return time.Duration(s.ReadyIntervalMs) * time.Millisecond
	}
	return 100 * time.Millisecond
}

// ReadyAttempts returns the readiness probe attempt bound.
func (s SandboxConfig) ReadyAttempts() int {
	if s.MaxReadyAttempts > 0 {
		return s.MaxReadyAttempts
	}
	return 50
}

// GuardConfig controls what generated code may reach over the network.
// The zero value denies all outbound access: only the loopback RPC
// bridge is ever reachable from inside the sandbox.
type GuardConfig struct {
	AllowedHosts   []string `json:"allowed_hosts,omitempty" yaml:"allowed_hosts,omitempty"`
	AllowLocalhost bool     `json:"allow_localhost,omitempty" yaml:"allow_localhost,omitempty"`
	// MaxCalls caps upstream calls per execution. Zero means no cap.
	MaxCalls int `json:"max_calls,omitempty" yaml:"max_calls,omitempty"`
}

// NetworkPolicy is the computed per-instance network rule set handed to
// the module synthesizer.
type NetworkPolicy struct {
	AllowedHosts   []string
	AllowLocalhost bool
}

// Allowed reports whether the policy grants any outbound access at all.
func (p NetworkPolicy) Allowed() bool {
	return len(p.AllowedHosts) > 0 || p.AllowLocalhost
}

// Policy computes the network policy from guard settings.
func (g GuardConfig) Policy() NetworkPolicy {
	return NetworkPolicy{
		AllowedHosts:   append([]string(nil), g.AllowedHosts...),
		AllowLocalhost: g.AllowLocalhost,
	}
}

// CacheConfig configures the persisted schema cache tier.
type CacheConfig struct {
	Driver     string `json:"driver,omitempty" yaml:"driver,omitempty"`           // "sqlite" (default), "postgres", or "memory".
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`               // SQLite file. Default: <data_dir>/schemas.db.
	DSN        string `json:"dsn,omitempty" yaml:"dsn,omitempty"`                 // Postgres DSN. Override: MCPBOX_CACHE_DSN.
	MemorySize int    `json:"memory_size,omitempty" yaml:"memory_size,omitempty"` // In-process LRU entries. Default: 128.
	TTLHours   int    `json:"ttl_hours,omitempty" yaml:"ttl_hours,omitempty"`     // Persisted entry lifetime for the sweep job. Default: 168 (7 days).
}

// CacheDriver returns the configured driver, defaulting to "sqlite".
func (c CacheConfig) CacheDriver() string {
	if c.Driver != "" {
		return c.Driver
	}
	return "sqlite"
}

// MemoryEntries returns the in-process tier capacity.
func (c CacheConfig) MemoryEntries() int {
	if c.MemorySize > 0 {
		return c.MemorySize
	}
	return 128
}

// TTL returns the persisted entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	if c.TTLHours > 0 {
		return time.Duration(c.TTLHours) * time.Hour
	}
	return 7 * 24 * time.Hour
}

// GatewayConfig configures the HTTP API surface.
type GatewayConfig struct {
	ListenAddr     string            `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"` // Default: ":8080".
	APIKeys        map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`       // API key -> user ID. MCPBOX_API_KEY adds a "default" user key.
	EnableDocs     bool              `json:"enable_docs,omitempty" yaml:"enable_docs,omitempty"`
	MaxRequestSize int64             `json:"max_request_size,omitempty" yaml:"max_request_size,omitempty"` // Bytes. Default: 1 MB.

	RequestsPerMinute int `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"` // Per-user rate limit. 0 = unlimited.
	BurstSize         int `json:"burst_size,omitempty" yaml:"burst_size,omitempty"`                   // Token bucket burst. 0 = RequestsPerMinute.
}

// Addr returns the listen address, defaulting to ":8080".
func (g GatewayConfig) Addr() string {
	if g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8080"
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "mcpbox"
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http"
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"` // 0..1. Default: 1.0
}

// Load reads a YAML or JSON config file, applies environment overrides
// and defaults, and validates every server entry.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a usable configuration without a config file.
func Default() (*Config, error) {
	cfg := &Config{}
	cfg.applyEnv()
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment overrides. Env vars take precedence over
// config values.
func (c *Config) applyEnv() {
	if dd := os.Getenv("MCPBOX_DATA_DIR"); dd != "" {
		c.DataDir = dd
	}
	if dsn := os.Getenv("MCPBOX_CACHE_DSN"); dsn != "" {
		c.Cache.DSN = dsn
	}
	if key := os.Getenv("MCPBOX_API_KEY"); key != "" {
		if c.Gateway.APIKeys == nil {
			c.Gateway.APIKeys = map[string]string{}
		}
		c.Gateway.APIKeys[key] = "default"
	}
}

func (c *Config) applyDefaults() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".mcpbox")
	}
	if c.Cache.Path == "" {
		c.Cache.Path = filepath.Join(c.DataDir, "schemas.db")
	}
	return nil
}

// Validate checks every configured server entry.
func (c *Config) Validate() error {
	for name, sc := range c.Servers {
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
	}
	return nil
}

// DefaultConfigPath returns the default config file path (~/.mcpbox/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/mcpbox.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".mcpbox", "config.json")
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
