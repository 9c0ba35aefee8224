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
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "127.0.0.1:9090"
  grpc_addr: "127.0.0.1:50051"

database:
  driver: sqlite
  path: "./clinic.db"

auth:
  jwt_secret: "s3cret"

sessions:
  inactivity_timeout: "15m"
  sweep_interval: "10s"
  dedupe_window: "2m"

events:
  subscriber_buffer: 128
  publish_timeout: "2s"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/prom"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:9090")
	}
	if cfg.Server.GRPCAddr != "127.0.0.1:50051" {
		t.Errorf("Server.GRPCAddr = %q", cfg.Server.GRPCAddr)
	}
	if cfg.Database.Path != "./clinic.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Sessions.InactivityTimeout != 15*time.Minute {
		t.Errorf("Sessions.InactivityTimeout = %v, want 15m", cfg.Sessions.InactivityTimeout)
	}
	if cfg.Sessions.SweepInterval != 10*time.Second {
		t.Errorf("Sessions.SweepInterval = %v, want 10s", cfg.Sessions.SweepInterval)
	}
	if cfg.Sessions.DedupeWindow != 2*time.Minute {
		t.Errorf("Sessions.DedupeWindow = %v, want 2m", cfg.Sessions.DedupeWindow)
	}
	if cfg.Events.SubscriberBuffer != 128 {
		t.Errorf("Events.SubscriberBuffer = %d, want 128", cfg.Events.SubscriberBuffer)
	}
	if cfg.Events.PublishTimeout != 2*time.Second {
		t.Errorf("Events.PublishTimeout = %v, want 2s", cfg.Events.PublishTimeout)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/prom" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "logging:\n  format: text\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want default", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != DefaultDatabasePath {
		t.Errorf("Database = %+v, want sqlite defaults", cfg.Database)
	}
	if cfg.Sessions.InactivityTimeout != 20*time.Minute {
		t.Errorf("Sessions.InactivityTimeout = %v, want 20m", cfg.Sessions.InactivityTimeout)
	}
	if cfg.Sessions.SweepInterval != DefaultSweepInterval {
		t.Errorf("Sessions.SweepInterval = %v", cfg.Sessions.SweepInterval)
	}
	if cfg.Events.SubscriberBuffer != DefaultSubscriberBuffer {
		t.Errorf("Events.SubscriberBuffer = %d", cfg.Events.SubscriberBuffer)
	}
	if cfg.Events.PublishTimeout != DefaultPublishTimeout {
		t.Errorf("Events.PublishTimeout = %v", cfg.Events.PublishTimeout)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics.Path = %q", cfg.Metrics.Path)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:7070"

[database]
driver = "sqlite"
path = "toml.db"

[sessions]
inactivity_timeout = "25m"

[events]
subscriber_buffer = 32
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:7070" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Path != "toml.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Sessions.InactivityTimeout != 25*time.Minute {
		t.Errorf("Sessions.InactivityTimeout = %v, want 25m", cfg.Sessions.InactivityTimeout)
	}
	if cfg.Events.SubscriberBuffer != 32 {
		t.Errorf("Events.SubscriberBuffer = %d", cfg.Events.SubscriberBuffer)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("CLINIC_TEST_SECRET", "from-env")
	t.Setenv("CLINIC_TEST_DSN", "postgres://clinic@localhost/clinic")

	path := writeConfig(t, "gateway.yaml", `
database:
  driver: postgres
  dsn: "${CLINIC_TEST_DSN}"
auth:
  jwt_secret: "${CLINIC_TEST_SECRET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("Auth.JWTSecret = %q, want from-env", cfg.Auth.JWTSecret)
	}
	if cfg.Database.DSN != "postgres://clinic@localhost/clinic" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
	if cfg.Database.Path != "" {
		t.Errorf("Database.Path = %q, postgres should not get a sqlite default", cfg.Database.Path)
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "auth:\n  jwt_secret: \"${CLINIC_TEST_DEFINITELY_UNSET}\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Auth.JWTSecret != "" {
		t.Errorf("Auth.JWTSecret = %q, want empty", cfg.Auth.JWTSecret)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"sweep too slow", "sessions:\n  sweep_interval: \"2m\"\n", "sweep_interval"},
		{"bad duration", "sessions:\n  inactivity_timeout: \"soon\"\n", "inactivity_timeout"},
		{"negative inactivity", "sessions:\n  inactivity_timeout: \"-5m\"\n", "inactivity_timeout"},
		{"unknown driver", "database:\n  driver: mysql\n", "database.driver"},
		{"postgres without dsn", "database:\n  driver: postgres\n", "database.dsn"},
		{"bad log level", "logging:\n  level: loud\n", "logging.level"},
		{"malformed yaml", "server: [\n", "parsing config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "gateway.yaml", tt.content))
			if err == nil {
				t.Fatal("Load() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestTemplateParses(t *testing.T) {
	t.Setenv("CLINIC_JWT_SECRET", "")
	t.Setenv("DATABASE_URL", "")
	cfg, err := Parse([]byte(Template), false)
	if err != nil {
		t.Fatalf("Template does not parse: %v", err)
	}
	if cfg.Sessions.InactivityTimeout != 20*time.Minute {
		t.Errorf("template inactivity = %v", cfg.Sessions.InactivityTimeout)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("CLINIC_CONFIG", "/etc/clinic.yaml")
	if got := DefaultPath(); got != "/etc/clinic.yaml" {
		t.Errorf("DefaultPath() = %q, want CLINIC_CONFIG", got)
	}

	t.Setenv("CLINIC_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := DefaultPath(); got != filepath.Join("/tmp/xdg", "clinic", "gateway.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}
