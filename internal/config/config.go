// ABOUTME: Configuration loading and parsing for the management server
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Supported database drivers.
const (
	DriverModernc = "sqlite"
	DriverCGO     = "sqlite3"
)

// Config represents the complete management server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Cluster   ClusterConfig   `yaml:"cluster" toml:"cluster"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	StackMaid StackMaidConfig `yaml:"stackmaid" toml:"stackmaid"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds agent authentication configuration. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// ClusterConfig identifies this management server within the cluster.
type ClusterConfig struct {
	// MSID owns this node's StackMaid rows. Zero derives a stable id from the hostname.
	MSID int64 `yaml:"msid" toml:"msid"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-" toml:"-"`
	DefaultWait       time.Duration `yaml:"-" toml:"-"`
	LateAnswerTTL     time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	DefaultWaitRaw       string `yaml:"default_wait" toml:"default_wait"`
	LateAnswerTTLRaw     string `yaml:"late_answer_ttl" toml:"late_answer_ttl"`
}

// StackMaidConfig holds cleanup stack recovery and GC configuration
type StackMaidConfig struct {
	GCInterval    time.Duration `yaml:"-" toml:"-"`
	GCLockTimeout time.Duration `yaml:"-" toml:"-"`
	CutWindow     time.Duration `yaml:"-" toml:"-"`
	LockTTL       time.Duration `yaml:"-" toml:"-"`

	Workers         int  `yaml:"workers" toml:"workers"`
	ClearOnShutdown bool `yaml:"clear_on_shutdown" toml:"clear_on_shutdown"`

	GCIntervalRaw    string `yaml:"gc_interval" toml:"gc_interval"`
	GCLockTimeoutRaw string `yaml:"gc_lock_timeout" toml:"gc_lock_timeout"`
	CutWindowRaw     string `yaml:"cut_window" toml:"cut_window"`
	LockTTLRaw       string `yaml:"lock_ttl" toml:"lock_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration content, applies defaults and validates the result.
func Parse(data []byte, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverModernc
	}
	if c.Cluster.MSID == 0 {
		host, _ := os.Hostname()
		c.Cluster.MSID = DeriveMSID(host)
	}

	setDuration(&c.Agents.HeartbeatInterval, 30*time.Second)
	setDuration(&c.Agents.HeartbeatTimeout, 90*time.Second)
	setDuration(&c.Agents.DefaultWait, 2*time.Minute)
	setDuration(&c.Agents.LateAnswerTTL, 10*time.Minute)

	setDuration(&c.StackMaid.GCInterval, 10*time.Second)
	setDuration(&c.StackMaid.GCLockTimeout, 3*time.Second)
	setDuration(&c.StackMaid.CutWindow, time.Hour)
	setDuration(&c.StackMaid.LockTTL, time.Minute)
	if c.StackMaid.Workers == 0 {
		c.StackMaid.Workers = 4
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// DeriveMSID maps a node name to a stable positive management server id.
func DeriveMSID(name string) int64 {
	id := int64(uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name)).ID())
	if id == 0 {
		id = 1
	}
	return id
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Driver != DriverModernc && c.Database.Driver != DriverCGO {
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverModernc, DriverCGO, c.Database.Driver)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Cluster.MSID < 0 {
		return fmt.Errorf("cluster.msid must be positive")
	}

	if c.Agents.HeartbeatTimeout <= c.Agents.HeartbeatInterval {
		return fmt.Errorf("agents.heartbeat_timeout (%s) must exceed heartbeat_interval (%s)",
			c.Agents.HeartbeatTimeout, c.Agents.HeartbeatInterval)
	}

	if c.StackMaid.Workers < 1 {
		return fmt.Errorf("stackmaid.workers must be at least 1")
	}
	if c.StackMaid.LockTTL <= c.StackMaid.GCLockTimeout {
		return fmt.Errorf("stackmaid.lock_ttl (%s) must exceed gc_lock_timeout (%s)",
			c.StackMaid.LockTTL, c.StackMaid.GCLockTimeout)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agents.heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"agents.heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
		{"agents.default_wait", cfg.Agents.DefaultWaitRaw, &cfg.Agents.DefaultWait},
		{"agents.late_answer_ttl", cfg.Agents.LateAnswerTTLRaw, &cfg.Agents.LateAnswerTTL},
		{"stackmaid.gc_interval", cfg.StackMaid.GCIntervalRaw, &cfg.StackMaid.GCInterval},
		{"stackmaid.gc_lock_timeout", cfg.StackMaid.GCLockTimeoutRaw, &cfg.StackMaid.GCLockTimeout},
		{"stackmaid.cut_window", cfg.StackMaid.CutWindowRaw, &cfg.StackMaid.CutWindow},
		{"stackmaid.lock_ttl", cfg.StackMaid.LockTTLRaw, &cfg.StackMaid.LockTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

// Sample is a starting configuration written by the init command.
const Sample = `# Management server configuration
server:
  grpc_addr: "0.0.0.0:8250"
  http_addr: "0.0.0.0:8080"

tailscale:
  enabled: false
  hostname: "mgmt-server"
  auth_key: "${TS_AUTHKEY}"

database:
  driver: "sqlite"
  path: "${HOME}/.local/share/cloudstack/mgmt-server.db"

auth:
  jwt_secret: "${CLOUDSTACK_JWT_SECRET}"

cluster:
  msid: 0 # derived from the hostname when 0

agents:
  heartbeat_interval: "30s"
  heartbeat_timeout: "90s"
  default_wait: "2m"
  late_answer_ttl: "10m"

stackmaid:
  gc_interval: "10s"
  gc_lock_timeout: "3s"
  cut_window: "1h"
  lock_ttl: "1m"
  workers: 4
  clear_on_shutdown: false

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`
