package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	t.Setenv("RUNBOX_DATA_DIR", t.TempDir())
	cfg := Default()

	if got := cfg.Server.Addr(); got != ":5000" {
		t.Errorf("Addr = %q", got)
	}
	if got := cfg.Execution.Timeout(); got != 2*time.Second {
		t.Errorf("Timeout = %v", got)
	}
	if got := cfg.Execution.MemoryLimit(); got != 100<<20 {
		t.Errorf("MemoryLimit = %d", got)
	}
	if got := cfg.Execution.PollInterval(); got != 100*time.Millisecond {
		t.Errorf("PollInterval = %v", got)
	}
	if got := cfg.Execution.GracePeriod(); got != 100*time.Millisecond {
		t.Errorf("GracePeriod = %v", got)
	}
	if got := cfg.Execution.ReapTimeout(); got != 500*time.Millisecond {
		t.Errorf("ReapTimeout = %v", got)
	}
	if got := cfg.Execution.CodeLimit(); got != 64<<10 {
		t.Errorf("CodeLimit = %d", got)
	}
	if got := cfg.Storage.StorageDriver(); got != "sqlite" {
		t.Errorf("StorageDriver = %q", got)
	}
	if got := cfg.Storage.Retention(); got != 7*24*time.Hour {
		t.Errorf("Retention = %v", got)
	}
	if got := cfg.WebSocket.WSPath(); got != "/v1/ws" {
		t.Errorf("WSPath = %q", got)
	}
	if got := cfg.MCP.MCPPath(); got != "/mcp" {
		t.Errorf("MCPPath = %q", got)
	}
	if !strings.HasSuffix(cfg.DatabasePath(), "runbox.db") {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("RUNBOX_DATA_DIR", t.TempDir())
	path := writeFile(t, "runbox.yaml", `
server:
  listen_addr: ":9000"
  api_keys:
    k1: ci
execution:
  timeout_ms: 500
  memory_limit_mb: 64
storage:
  driver: none
websocket:
  enabled: true
  heartbeat_s: 5
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr() != ":9000" || cfg.Server.APIKeys["k1"] != "ci" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Execution.Timeout() != 500*time.Millisecond || cfg.Execution.MemoryLimit() != 64<<20 {
		t.Errorf("execution = %+v", cfg.Execution)
	}
	if cfg.Storage.StorageDriver() != "none" {
		t.Errorf("driver = %q", cfg.Storage.StorageDriver())
	}
	if cfg.WebSocket.WSHeartbeatInterval() != 5*time.Second {
		t.Errorf("heartbeat = %v", cfg.WebSocket.WSHeartbeatInterval())
	}
	if cfg.Logging.SlogLevel().String() != "DEBUG" {
		t.Errorf("level = %v", cfg.Logging.SlogLevel())
	}
}

func TestLoad_JSONWithEnvOverride(t *testing.T) {
	t.Setenv("RUNBOX_DATA_DIR", t.TempDir())
	t.Setenv("RUNBOX_TIMEOUT_MS", "1500")
	t.Setenv("RUNBOX_API_KEY", "envkey")
	path := writeFile(t, "runbox.json", `{"execution": {"timeout_ms": 3000}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Execution.Timeout(); got != 1500*time.Millisecond {
		t.Errorf("Timeout = %v, want env value", got)
	}
	if cfg.Server.APIKeys["envkey"] != "default" {
		t.Errorf("api keys = %v", cfg.Server.APIKeys)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("a missing non-default config must fail")
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("RUNBOX_DATA_DIR", t.TempDir())
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"negative timeout", "execution:\n  timeout_ms: -1\n", "timeout_ms"},
		{"poll not shorter", "execution:\n  timeout_ms: 100\n  poll_interval_ms: 100\n", "poll_interval_ms"},
		{"unknown driver", "storage:\n  driver: mysql\n", "not supported"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "storage.dsn"},
		{"bad format", "logging:\n  format: xml\n", "logging.format"},
		{"bad tracing protocol", "observability:\n  tracing:\n    enabled: true\n    protocol: udp\n", "protocol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "runbox.yaml", tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
