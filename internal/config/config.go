// Package config handles loading and validating runbox configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for runbox.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.runbox/data. Override: RUNBOX_DATA_DIR env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Execution     ExecutionConfig      `json:"execution" yaml:"execution"`
	RateLimit     *RateLimitConfig     `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`       // nil = unlimited
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite audit log under DataDir
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	WebSocket     *WebSocketConfig     `json:"websocket,omitempty" yaml:"websocket,omitempty"`         // nil = websocket endpoint disabled
	MCP           *MCPConfig           `json:"mcp,omitempty" yaml:"mcp,omitempty"`                     // nil = MCP HTTP endpoint disabled
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr     string `json:"listen_addr" yaml:"listen_addr"`           // Default: ":5000".
	MaxRequestSize int64  `json:"max_request_size" yaml:"max_request_size"` // Bytes. Default: 1 MB.
	EnableDocs     bool   `json:"enable_docs" yaml:"enable_docs"`

	// APIKeys maps a bearer key to a client name. Empty = no authentication.
	// Override: RUNBOX_API_KEY (single key, client name "default").
	APIKeys map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`
}

// Addr returns the listen address with a default of ":5000".
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":5000"
}

// RequestLimit returns the maximum request body size with a default of 1 MB.
func (s ServerConfig) RequestLimit() int64 {
	if s.MaxRequestSize > 0 {
		return s.MaxRequestSize
	}
	return 1 << 20
}

// ExecutionConfig bounds every submission.
type ExecutionConfig struct {
	TimeoutMS      int    `json:"timeout_ms" yaml:"timeout_ms"`             // Wall-clock limit. Default: 2000.
	MemoryLimitMB  int    `json:"memory_limit_mb" yaml:"memory_limit_mb"`   // Resident memory ceiling. Default: 100.
	PollIntervalMS int    `json:"poll_interval_ms" yaml:"poll_interval_ms"` // Memory sampling interval. Default: 100.
	GracePeriodMS  int    `json:"grace_period_ms" yaml:"grace_period_ms"`   // Between terminate and kill. Default: 100.
	ReapTimeoutMS  int    `json:"reap_timeout_ms" yaml:"reap_timeout_ms"`   // Wait for a killed worker to be collected. Default: 500.
	MaxCodeBytes   int    `json:"max_code_bytes" yaml:"max_code_bytes"`     // Default: 64 KiB.
	MaxOutputBytes int    `json:"max_output_bytes" yaml:"max_output_bytes"` // Per stream. Default: 1 MiB.
	MaxReplyBytes  int    `json:"max_reply_bytes" yaml:"max_reply_bytes"`   // Whole worker reply incl. context. Default: 8 MiB.
	WorkerPath     string `json:"worker_path,omitempty" yaml:"worker_path,omitempty"` // Empty = this executable.
}

// Timeout returns the wall-clock limit with a default of 2s.
func (e ExecutionConfig) Timeout() time.Duration {
	return millis(e.TimeoutMS, 2*time.Second)
}

// MemoryLimit returns the resident memory ceiling in bytes (default 100 MB).
func (e ExecutionConfig) MemoryLimit() uint64 {
	if e.MemoryLimitMB > 0 {
		return uint64(e.MemoryLimitMB) << 20
	}
	return 100 << 20
}

// PollInterval returns the memory sampling interval with a default of 100ms.
func (e ExecutionConfig) PollInterval() time.Duration {
	return millis(e.PollIntervalMS, 100*time.Millisecond)
}

// GracePeriod returns the terminate-to-kill delay with a default of 100ms.
func (e ExecutionConfig) GracePeriod() time.Duration {
	return millis(e.GracePeriodMS, 100*time.Millisecond)
}

// ReapTimeout returns how long to wait for a killed worker with a default of 500ms.
func (e ExecutionConfig) ReapTimeout() time.Duration {
	return millis(e.ReapTimeoutMS, 500*time.Millisecond)
}

// CodeLimit returns the maximum accepted code size with a default of 64 KiB.
func (e ExecutionConfig) CodeLimit() int {
	if e.MaxCodeBytes > 0 {
		return e.MaxCodeBytes
	}
	return 64 << 10
}

// OutputLimit returns the per-stream capture cap with a default of 1 MiB.
func (e ExecutionConfig) OutputLimit() int {
	if e.MaxOutputBytes > 0 {
		return e.MaxOutputBytes
	}
	return 1 << 20
}

// ReplyLimit returns the cap on a worker reply with a default of 8 MiB.
func (e ExecutionConfig) ReplyLimit() int {
	if e.MaxReplyBytes > 0 {
		return e.MaxReplyBytes
	}
	return 8 << 20
}

// RateLimitConfig configures the per-client token bucket on submission endpoints.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // 0 = RequestsPerMinute.
}

// StorageConfig configures the execution audit trail.
type StorageConfig struct {
	Driver         string `json:"driver" yaml:"driver"`                   // "sqlite" (default), "postgres" or "none".
	DSN            string `json:"dsn,omitempty" yaml:"dsn,omitempty"`     // Postgres DSN or SQLite file path. Override: RUNBOX_STORAGE_DSN.
	JournalMode    string `json:"journal_mode" yaml:"journal_mode"`       // SQLite only. Default: "wal".
	RetentionHours int    `json:"retention_hours" yaml:"retention_hours"` // Default: 168 (7 days).
	PruneSchedule  string `json:"prune_schedule" yaml:"prune_schedule"`   // Cron expression. Default: "0 * * * *".
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// Retention returns how long audit records are kept.
func (s *StorageConfig) Retention() time.Duration {
	if s != nil && s.RetentionHours > 0 {
		return time.Duration(s.RetentionHours) * time.Hour
	}
	return 7 * 24 * time.Hour
}

// Schedule returns the cron expression for pruning.
func (s *StorageConfig) Schedule() string {
	if s != nil && s.PruneSchedule != "" {
		return s.PruneSchedule
	}
	return "0 * * * *"
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
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
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "runbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failed submissions
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// WebSocketConfig configures the streaming submission endpoint.
type WebSocketConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Path           string   `json:"path" yaml:"path"`                       // Default: "/v1/ws".
	OriginPatterns []string `json:"origin_patterns" yaml:"origin_patterns"` // Empty = same origin only.
	HeartbeatS     int      `json:"heartbeat_s" yaml:"heartbeat_s"`         // Ping interval. Default: 30.
}

// WSHeartbeatInterval returns the ping interval with a default of 30s.
func (w *WebSocketConfig) WSHeartbeatInterval() time.Duration {
	if w != nil && w.HeartbeatS > 0 {
		return time.Duration(w.HeartbeatS) * time.Second
	}
	return 30 * time.Second
}

// WSPath returns the websocket path with a default of "/v1/ws".
func (w *WebSocketConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/v1/ws"
}

// MCPConfig configures the MCP streamable HTTP endpoint.
type MCPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/mcp".
}

// MCPPath returns the MCP mount path with a default of "/mcp".
func (m *MCPConfig) MCPPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/mcp"
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info (default), warn, error.
	Format string `json:"format" yaml:"format"` // "json" (default) or "text".
}

// SlogLevel maps the configured level onto slog.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultConfigPath returns the default config file path (~/.runbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/runbox.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".runbox", "config.yaml")
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.resolveDataDir()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// A missing file at the default path yields the defaults. Environment variables take
// precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath() {
			cfg := Default()
			if err := cfg.validate(); err != nil {
				return nil, fmt.Errorf("invalid config: %w", err)
			}
			return cfg, nil
		}
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
	cfg.resolveDataDir()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("RUNBOX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("RUNBOX_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v, ok := envInt("RUNBOX_TIMEOUT_MS"); ok {
		c.Execution.TimeoutMS = v
	}
	if v, ok := envInt("RUNBOX_MEMORY_LIMIT_MB"); ok {
		c.Execution.MemoryLimitMB = v
	}
	if v := os.Getenv("RUNBOX_STORAGE_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.DSN = v
	}
	if v := os.Getenv("RUNBOX_API_KEY"); v != "" {
		c.Server.APIKeys = map[string]string{v: "default"}
	}
	if v := os.Getenv("RUNBOX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) resolveDataDir() {
	if c.DataDir != "" {
		return
	}
	home, err := os.UserHomeDir()
	if err != nil {
		c.DataDir = "data"
		return
	}
	c.DataDir = filepath.Join(home, ".runbox", "data")
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path, either from storage.dsn or under the data directory.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.DSN != "" {
		return c.Storage.DSN
	}
	return filepath.Join(c.ResolvedDataDir(), "runbox.db")
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

func (c *Config) validate() error {
	e := c.Execution
	if e.TimeoutMS < 0 {
		return fmt.Errorf("execution.timeout_ms must not be negative")
	}
	if e.MemoryLimitMB < 0 {
		return fmt.Errorf("execution.memory_limit_mb must not be negative")
	}
	if e.PollIntervalMS < 0 || e.GracePeriodMS < 0 || e.ReapTimeoutMS < 0 {
		return fmt.Errorf("execution intervals must not be negative")
	}
	if e.MaxCodeBytes < 0 || e.MaxOutputBytes < 0 || e.MaxReplyBytes < 0 {
		return fmt.Errorf("execution size limits must not be negative")
	}
	if e.PollInterval() >= e.Timeout() {
		return fmt.Errorf("execution.poll_interval_ms must be shorter than execution.timeout_ms")
	}
	if c.Storage != nil {
		switch c.Storage.StorageDriver() {
		case "sqlite", "none":
		case "postgres":
			if c.Storage.DSN == "" {
				return fmt.Errorf("storage.dsn is required for the postgres driver (set RUNBOX_STORAGE_DSN)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or none)", c.Storage.Driver)
		}
		if c.Storage.RetentionHours < 0 {
			return fmt.Errorf("storage.retention_hours must not be negative")
		}
	}
	if c.RateLimit != nil && c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must not be negative")
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not supported (use json or text)", c.Logging.Format)
	}
	return nil
}

func millis(v int, def time.Duration) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return def
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
