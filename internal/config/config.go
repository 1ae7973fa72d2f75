// Package config handles loading and validating Crucible configuration.
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

	"github.com/jkaninda/crucible/internal/engine"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Crucible.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.crucible/data. Override: CRUCIBLE_DATA_DIR env var.
	Engine        EngineConfig         `json:"engine" yaml:"engine"`
	Validator     ValidatorConfig      `json:"validator" yaml:"validator"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Capabilities  CapabilitiesConfig   `json:"capabilities" yaml:"capabilities"`
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = audit disabled
}

// EngineConfig configures execution defaults.
type EngineConfig struct {
	// DefaultBackend selects the strategy when a request names none:
	// "inprocess", "process", or "docker". Default: "process".
	DefaultBackend string `json:"default_backend" yaml:"default_backend"`

	// MaxConcurrentExecutions caps simultaneously running programs.
	// Default: 8.
	MaxConcurrentExecutions int `json:"max_concurrent_executions" yaml:"max_concurrent_executions"`

	// MaxDispatchConcurrency caps concurrent capability dispatches inside
	// one execution. Zero = resolver default.
	MaxDispatchConcurrency int `json:"max_dispatch_concurrency" yaml:"max_dispatch_concurrency"`

	// Budget is the default resource budget; requests may tighten it but
	// never exceed it. Zero fields fall back to built-in defaults.
	Budget engine.Budget `json:"budget" yaml:"budget"`
}

// Backend returns the configured default backend.
func (e *EngineConfig) Backend() string {
	if e.DefaultBackend != "" {
		return e.DefaultBackend
	}
	return "process"
}

// Concurrency returns the max concurrent executions with a default of 8.
func (e *EngineConfig) Concurrency() int {
	if e.MaxConcurrentExecutions > 0 {
		return e.MaxConcurrentExecutions
	}
	return 8
}

// ValidatorConfig configures static validation.
type ValidatorConfig struct {
	// Mode is "standard" (default) or "strict". Strict additionally
	// reports calls to names outside the capability catalog.
	Mode string `json:"mode" yaml:"mode"`

	// EnforceWhitelist upgrades strict-mode unlisted-callee findings from
	// advisory to rejection.
	EnforceWhitelist bool `json:"enforce_whitelist" yaml:"enforce_whitelist"`
}

// SandboxConfig configures the execution strategies.
type SandboxConfig struct {
	// RunnerPath overrides the executable spawned by the process backend.
	// Empty = the current executable.
	RunnerPath string `json:"runner_path,omitempty" yaml:"runner_path,omitempty"`

	// MatchTimeoutSeconds bounds one matchPattern evaluation. Default: 2.
	MatchTimeoutSeconds int `json:"match_timeout_seconds" yaml:"match_timeout_seconds"`

	Docker DockerConfig `json:"docker" yaml:"docker"`
}

// MatchTimeout returns the pattern-match timeout with a default of 2s.
func (s *SandboxConfig) MatchTimeout() time.Duration {
	if s.MatchTimeoutSeconds > 0 {
		return time.Duration(s.MatchTimeoutSeconds) * time.Second
	}
	return 2 * time.Second
}

// DockerConfig configures the container backend.
type DockerConfig struct {
	// Image must contain the crucible binary. Override: CRUCIBLE_DOCKER_IMAGE env var.
	Image    string  `json:"image" yaml:"image"`
	CPUCores float64 `json:"cpu_cores" yaml:"cpu_cores"` // --cpus rate limit. Default: 1.0.
}

// CapabilitiesConfig configures the host-side tool surface.
type CapabilitiesConfig struct {
	HTTPFetch *HTTPFetchConfig  `json:"http_fetch,omitempty" yaml:"http_fetch,omitempty"` // nil = disabled
	GetTime   bool              `json:"get_time" yaml:"get_time"`
	MCP       []MCPServerConfig `json:"mcp,omitempty" yaml:"mcp,omitempty"` // External MCP tool servers.
}

// HTTPFetchConfig configures the built-in http_fetch capability.
type HTTPFetchConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	AllowedHosts     []string `json:"allowed_hosts" yaml:"allowed_hosts"` // Empty = deny all.
	MaxResponseBytes int64    `json:"max_response_bytes" yaml:"max_response_bytes"`
	TimeoutSeconds   int      `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 10.
}

// Timeout returns the fetch timeout with a default of 10s.
func (h *HTTPFetchConfig) Timeout() time.Duration {
	if h != nil && h.TimeoutSeconds > 0 {
		return time.Duration(h.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// MCPServerConfig describes one external MCP tool server.
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name"`
	Transport string            `json:"transport" yaml:"transport"` // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	Enabled             bool            `json:"enabled" yaml:"enabled"`
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // Override/extend: CRUCIBLE_API_KEY env var. Empty = unauthenticated.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (g *GatewayConfig) Addr() string {
	if g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-client rate limiting for the gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
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

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "crucible"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AuditConfig configures the execution audit journal.
type AuditConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// LogPath is the JSONL journal. Empty = <data_dir>/audit.jsonl.
	LogPath string `json:"log_path,omitempty" yaml:"log_path,omitempty"`

	// DatabasePath is the queryable SQLite record store. Empty =
	// <data_dir>/crucible.db.
	DatabasePath string `json:"database_path,omitempty" yaml:"database_path,omitempty"`
}

// DefaultConfigPath returns the default config file path (~/.crucible/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/crucible.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".crucible", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
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

	applyEnvOverrides(&cfg)

	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".crucible", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration used when no config file is
// given: process backend, standard validation, gateway disabled.
func Default() *Config {
	cfg := &Config{}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.DataDir = filepath.Join(home, ".crucible", "data")
	}
	applyEnvOverrides(cfg)
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if env := os.Getenv("CRUCIBLE_DATA_DIR"); env != "" {
		cfg.DataDir = env
	}
	if env := os.Getenv("CRUCIBLE_BACKEND"); env != "" {
		cfg.Engine.DefaultBackend = env
	}
	if env := os.Getenv("CRUCIBLE_DOCKER_IMAGE"); env != "" {
		cfg.Sandbox.Docker.Image = env
	}
	if env := os.Getenv("CRUCIBLE_API_KEY"); env != "" {
		cfg.Gateway.APIKeys = append(cfg.Gateway.APIKeys, env)
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".crucible", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// AuditLogPath returns the effective audit journal path.
func (c *Config) AuditLogPath() string {
	if c.Audit != nil && c.Audit.LogPath != "" {
		return c.Audit.LogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// AuditDatabasePath returns the effective audit database path.
func (c *Config) AuditDatabasePath() string {
	if c.Audit != nil && c.Audit.DatabasePath != "" {
		return c.Audit.DatabasePath
	}
	return filepath.Join(c.ResolvedDataDir(), "crucible.db")
}

func (c *Config) validate() error {
	switch c.Engine.Backend() {
	case "inprocess", "process", "docker":
	default:
		return fmt.Errorf("engine.default_backend %q is not supported (use inprocess, process, or docker)", c.Engine.DefaultBackend)
	}

	b := c.Engine.Budget
	if b.MaxOperations < 0 || b.MaxMemoryBytes < 0 || b.MaxWallTime < 0 ||
		b.MaxProcesses < 0 || b.MaxOpenHandles < 0 || b.MaxOutputBytes < 0 {
		return fmt.Errorf("engine.budget fields must not be negative")
	}

	switch c.Validator.Mode {
	case "", "standard", "strict":
	default:
		return fmt.Errorf("validator.mode %q is not supported (use standard or strict)", c.Validator.Mode)
	}

	if c.Gateway.Enabled && c.Gateway.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("gateway.rate_limit.requests_per_minute must not be negative")
	}

	if c.Capabilities.HTTPFetch != nil && c.Capabilities.HTTPFetch.Enabled &&
		len(c.Capabilities.HTTPFetch.AllowedHosts) == 0 {
		return fmt.Errorf("capabilities.http_fetch.allowed_hosts must not be empty when http_fetch is enabled")
	}

	mcpNames := make(map[string]bool, len(c.Capabilities.MCP))
	for i, srv := range c.Capabilities.MCP {
		if srv.Name == "" {
			return fmt.Errorf("capabilities.mcp[%d].name is required", i)
		}
		if mcpNames[srv.Name] {
			return fmt.Errorf("capabilities.mcp[%d]: duplicate server name %q", i, srv.Name)
		}
		mcpNames[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("capabilities.mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("capabilities.mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("capabilities.mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}
	return nil
}
