package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clinic-gateway/internal/auth"
	"github.com/2389/clinic-gateway/internal/config"
	"github.com/2389/clinic-gateway/internal/conversation"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("chatty"))
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	logger.Warn("sweep failed", "component", "sweeper")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "sweep failed", rec["msg"])
	assert.Equal(t, "sweeper", rec["component"])
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug"}, &buf)
	logger = logger.With("component", "transfer")

	logger.Debug("pending", "conversation_id", "c1")
	logger.WithGroup("req").Error("failed", "id", 7)

	out := buf.String()
	assert.Contains(t, out, "DBG pending component=transfer conversation_id=c1")
	assert.Contains(t, out, "ERR failed component=transfer req.id=7")
}

func TestRunInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clinic", "gateway.yaml")
	var out bytes.Buffer

	require.NoError(t, runInit([]string{"--output", path}, &out))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.Template, string(data))

	err = runInit([]string{"-o", path}, &out)
	assert.ErrorContains(t, err, "already exists")
	require.NoError(t, runInit([]string{"-o", path, "--force"}, &out))
}

func TestTemplateLoads(t *testing.T) {
	t.Setenv("CLINIC_JWT_SECRET", testSecret)
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, runInit([]string{"-o", path}, &bytes.Buffer{}))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, testSecret, cfg.Auth.JWTSecret)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestRunToken(t *testing.T) {
	var out bytes.Buffer
	err := runToken([]string{"--secret", testSecret, "--id", "sup-1", "--name", "Dra. Ana", "--role", "supervisor"}, &out)
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	actor, err := verifier.Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, conversation.Actor{ID: "sup-1", Name: "Dra. Ana", Role: conversation.RoleSupervisor}, actor)
}

func TestRunToken_Errors(t *testing.T) {
	var out bytes.Buffer
	assert.ErrorContains(t, runToken([]string{"--secret", testSecret}, &out), "--id is required")
	assert.ErrorContains(t, runToken([]string{"--secret", testSecret, "--id", "a", "--role", "system"}, &out), "unknown role")
	assert.ErrorIs(t, runToken([]string{"--secret", "short", "--id", "a"}, &out), auth.ErrWeakSecret)
}

func TestCheckHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health/ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, checkHealth(context.Background(), srv.URL+"/health", &out))
	assert.Equal(t, "OK\n", out.String())

	err := checkHealth(context.Background(), srv.URL+"/health/ready", &out)
	assert.ErrorContains(t, err, "status 503: store unavailable")
}
