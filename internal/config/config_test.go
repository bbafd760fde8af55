// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

const minimalYAML = `
server:
  grpc_addr: "0.0.0.0:8250"
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"
`

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  grpc_addr: "0.0.0.0:8250"
  http_addr: "0.0.0.0:8080"

database:
  driver: "sqlite3"
  path: "./test.db"

cluster:
  msid: 345049098498

agents:
  heartbeat_interval: "30s"
  heartbeat_timeout: "90s"
  default_wait: "45s"
  late_answer_ttl: "5m"

stackmaid:
  gc_interval: "15s"
  gc_lock_timeout: "2s"
  cut_window: "30m"
  lock_ttl: "2m"
  workers: 8
  clear_on_shutdown: true

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:8250" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:8250")
	}
	if cfg.Database.Driver != DriverCGO {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, DriverCGO)
	}
	if cfg.Cluster.MSID != 345049098498 {
		t.Errorf("Cluster.MSID = %d, want %d", cfg.Cluster.MSID, int64(345049098498))
	}
	if cfg.Agents.DefaultWait != 45*time.Second {
		t.Errorf("Agents.DefaultWait = %v, want %v", cfg.Agents.DefaultWait, 45*time.Second)
	}
	if cfg.Agents.LateAnswerTTL != 5*time.Minute {
		t.Errorf("Agents.LateAnswerTTL = %v, want %v", cfg.Agents.LateAnswerTTL, 5*time.Minute)
	}
	if cfg.StackMaid.GCInterval != 15*time.Second {
		t.Errorf("StackMaid.GCInterval = %v, want %v", cfg.StackMaid.GCInterval, 15*time.Second)
	}
	if cfg.StackMaid.GCLockTimeout != 2*time.Second {
		t.Errorf("StackMaid.GCLockTimeout = %v, want %v", cfg.StackMaid.GCLockTimeout, 2*time.Second)
	}
	if cfg.StackMaid.CutWindow != 30*time.Minute {
		t.Errorf("StackMaid.CutWindow = %v, want %v", cfg.StackMaid.CutWindow, 30*time.Minute)
	}
	if cfg.StackMaid.Workers != 8 {
		t.Errorf("StackMaid.Workers = %d, want 8", cfg.StackMaid.Workers)
	}
	if !cfg.StackMaid.ClearOnShutdown {
		t.Error("StackMaid.ClearOnShutdown = false, want true")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[server]
grpc_addr = "127.0.0.1:8250"
http_addr = "127.0.0.1:8080"

[database]
path = "/var/lib/cloudstack/mgmt.db"

[cluster]
msid = 7

[stackmaid]
gc_interval = "1m"
workers = 2
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:8080")
	}
	if cfg.Cluster.MSID != 7 {
		t.Errorf("Cluster.MSID = %d, want 7", cfg.Cluster.MSID)
	}
	if cfg.StackMaid.GCInterval != time.Minute {
		t.Errorf("StackMaid.GCInterval = %v, want %v", cfg.StackMaid.GCInterval, time.Minute)
	}
	if cfg.StackMaid.Workers != 2 {
		t.Errorf("StackMaid.Workers = %d, want 2", cfg.StackMaid.Workers)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != DriverModernc {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, DriverModernc)
	}
	if cfg.Cluster.MSID <= 0 {
		t.Errorf("Cluster.MSID = %d, want a derived positive id", cfg.Cluster.MSID)
	}

	durations := map[string]struct{ got, want time.Duration }{
		"heartbeat_interval": {cfg.Agents.HeartbeatInterval, 30 * time.Second},
		"heartbeat_timeout":  {cfg.Agents.HeartbeatTimeout, 90 * time.Second},
		"default_wait":       {cfg.Agents.DefaultWait, 2 * time.Minute},
		"late_answer_ttl":    {cfg.Agents.LateAnswerTTL, 10 * time.Minute},
		"gc_interval":        {cfg.StackMaid.GCInterval, 10 * time.Second},
		"gc_lock_timeout":    {cfg.StackMaid.GCLockTimeout, 3 * time.Second},
		"cut_window":         {cfg.StackMaid.CutWindow, time.Hour},
		"lock_ttl":           {cfg.StackMaid.LockTTL, time.Minute},
	}
	for name, d := range durations {
		if d.got != d.want {
			t.Errorf("%s = %v, want %v", name, d.got, d.want)
		}
	}

	if cfg.StackMaid.Workers != 4 {
		t.Errorf("StackMaid.Workers = %d, want 4", cfg.StackMaid.Workers)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want info/text", cfg.Logging)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("TEST_DB_PATH", "/tmp/from-env.db")
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	configPath := writeConfig(t, "config.yaml", `
server:
  grpc_addr: "0.0.0.0:8250"
  http_addr: "0.0.0.0:8080"

database:
  path: "${TEST_DB_PATH}"

auth:
  jwt_secret: "${TEST_JWT_SECRET}"

tailscale:
  auth_key: "${UNSET_VAR_FOR_TEST}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/from-env.db")
	}
	if cfg.Auth.JWTSecret != strings.Repeat("s", 32) {
		t.Errorf("Auth.JWTSecret = %q, want the env value", cfg.Auth.JWTSecret)
	}
	// Unset env vars should expand to empty string
	if cfg.Tailscale.AuthKey != "" {
		t.Errorf("Tailscale.AuthKey = %q, want empty string for unset env var", cfg.Tailscale.AuthKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "config.yaml", "server: [unclosed"))
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("error = %v, want parsing error", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name    string
		section string
		wantErr string
	}{
		{"garbage", "agents:\n  heartbeat_interval: \"soon\"\n", "agents.heartbeat_interval"},
		{"negative", "stackmaid:\n  cut_window: \"-1h\"\n", "stackmaid.cut_window"},
		{"zero", "stackmaid:\n  gc_interval: \"0s\"\n", "stackmaid.gc_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", minimalYAML+tt.section))
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			Server:   ServerConfig{GRPCAddr: ":8250", HTTPAddr: ":8080"},
			Database: DatabaseConfig{Path: "test.db"},
		}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing grpc addr", func(c *Config) { c.Server.GRPCAddr = "" }, "server.grpc_addr"},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale without addresses", func(c *Config) {
			c.Server = ServerConfig{}
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "mgmt"}
		}, ""},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "auth.jwt_secret"},
		{"negative msid", func(c *Config) { c.Cluster.MSID = -1 }, "cluster.msid"},
		{"heartbeat timeout too small", func(c *Config) { c.Agents.HeartbeatTimeout = c.Agents.HeartbeatInterval }, "heartbeat_timeout"},
		{"no workers", func(c *Config) { c.StackMaid.Workers = -1 }, "stackmaid.workers"},
		{"lock ttl below wait", func(c *Config) { c.StackMaid.LockTTL = time.Second }, "stackmaid.lock_ttl"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestDeriveMSID(t *testing.T) {
	a := DeriveMSID("mgmt-01")
	if a <= 0 {
		t.Errorf("DeriveMSID() = %d, want positive", a)
	}
	if a != DeriveMSID("mgmt-01") {
		t.Error("DeriveMSID() is not stable")
	}
	if a == DeriveMSID("mgmt-02") {
		t.Error("DeriveMSID() collided for different names")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "value")

	tests := []struct {
		input string
		want  string
	}{
		{"${TEST_VAR}", "value"},
		{"prefix-${TEST_VAR}-suffix", "prefix-value-suffix"},
		{"${TEST_VAR}${TEST_VAR}", "valuevalue"},
		{"no vars here", "no vars here"},
		{"$TEST_VAR", "$TEST_VAR"},
	}

	for _, tt := range tests {
		if got := expandEnvVars(tt.input); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSample_Parses(t *testing.T) {
	t.Setenv("CLOUDSTACK_JWT_SECRET", "")
	cfg, err := Parse([]byte(Sample), false)
	if err != nil {
		t.Fatalf("Parse(Sample) error = %v", err)
	}
	if cfg.StackMaid.Workers != 4 {
		t.Errorf("StackMaid.Workers = %d, want 4", cfg.StackMaid.Workers)
	}
}
