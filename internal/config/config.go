// ABOUTME: Configuration loading and parsing for clinic-gateway
// ABOUTME: Supports YAML (or TOML) files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load.
const (
	DefaultHTTPAddr          = "0.0.0.0:8080"
	DefaultDatabasePath      = "clinic-gateway.db"
	DefaultInactivityTimeout = 20 * time.Minute
	DefaultSweepInterval     = 30 * time.Second
	MaxSweepInterval         = 60 * time.Second
	DefaultSubscriberBuffer  = 64
	DefaultPublishTimeout    = 5 * time.Second
	DefaultDedupeWindow      = 10 * time.Minute
	DefaultMetricsPath       = "/metrics"
)

// Config represents the complete clinic-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Sessions SessionsConfig `yaml:"sessions" toml:"sessions"`
	Events   EventsConfig   `yaml:"events" toml:"events"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses. GRPCAddr is optional and only
// serves the health service.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// DatabaseConfig selects the conversation store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite (default) or postgres
	Path   string `yaml:"path" toml:"path"`     // sqlite file
	DSN    string `yaml:"dsn" toml:"dsn"`       // postgres connection string
}

// AuthConfig holds actor identification settings. An empty secret enables
// dev mode, where the actor comes from X-Agent-* headers.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// SessionsConfig holds lifecycle timing
type SessionsConfig struct {
	InactivityTimeout time.Duration `yaml:"-" toml:"-"`
	SweepInterval     time.Duration `yaml:"-" toml:"-"`
	DedupeWindow      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	InactivityTimeoutRaw string `yaml:"inactivity_timeout" toml:"inactivity_timeout"`
	SweepIntervalRaw     string `yaml:"sweep_interval" toml:"sweep_interval"`
	DedupeWindowRaw      string `yaml:"dedupe_window" toml:"dedupe_window"`
}

// EventsConfig tunes real-time fan-out
type EventsConfig struct {
	SubscriberBuffer int           `yaml:"subscriber_buffer" toml:"subscriber_buffer"`
	PublishTimeout   time.Duration `yaml:"-" toml:"-"`

	PublishTimeoutRaw string `yaml:"publish_timeout" toml:"publish_timeout"`
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

// DefaultPath returns the config file location: $CLINIC_CONFIG, else
// $XDG_CONFIG_HOME/clinic/gateway.yaml, else ~/.config/clinic/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("CLINIC_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "clinic", "gateway.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "clinic", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes, defaults and validates raw configuration content.
func Parse(data []byte, isTOML bool) (*Config, error) {
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
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Sessions.InactivityTimeout == 0 {
		c.Sessions.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = DefaultSweepInterval
	}
	if c.Sessions.DedupeWindow == 0 {
		c.Sessions.DedupeWindow = DefaultDedupeWindow
	}
	if c.Events.SubscriberBuffer == 0 {
		c.Events.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.Events.PublishTimeout == 0 {
		c.Events.PublishTimeout = DefaultPublishTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" && os.Getenv("DATABASE_URL") == "" {
			return fmt.Errorf("database.dsn (or DATABASE_URL) is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	if c.Sessions.InactivityTimeout < 0 {
		return fmt.Errorf("sessions.inactivity_timeout must be positive")
	}
	if c.Sessions.SweepInterval < 0 || c.Sessions.SweepInterval > MaxSweepInterval {
		return fmt.Errorf("sessions.sweep_interval must be between 0 and %s, got %s", MaxSweepInterval, c.Sessions.SweepInterval)
	}
	if c.Events.SubscriberBuffer < 0 {
		return fmt.Errorf("events.subscriber_buffer must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
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
		{"sessions.inactivity_timeout", cfg.Sessions.InactivityTimeoutRaw, &cfg.Sessions.InactivityTimeout},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
		{"sessions.dedupe_window", cfg.Sessions.DedupeWindowRaw, &cfg.Sessions.DedupeWindow},
		{"events.publish_timeout", cfg.Events.PublishTimeoutRaw, &cfg.Events.PublishTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Template is the starter file written by `clinic-gateway init`.
const Template = `# clinic-gateway configuration
server:
  http_addr: "0.0.0.0:8080"
  # grpc_addr: "0.0.0.0:50051"   # optional gRPC health service

database:
  driver: sqlite
  path: "clinic-gateway.db"
  # driver: postgres
  # dsn: "${DATABASE_URL}"

auth:
  # Leave empty for dev mode (X-Agent-ID / X-Agent-Name / X-Agent-Role headers).
  jwt_secret: "${CLINIC_JWT_SECRET}"

sessions:
  inactivity_timeout: "20m"
  sweep_interval: "30s"
  dedupe_window: "10m"

events:
  subscriber_buffer: 64
  publish_timeout: "5s"

logging:
  level: info
  format: text

metrics:
  enabled: true
  path: /metrics
`
