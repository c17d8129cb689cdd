package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/stillsafe-gateway/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLevel("chatty"))
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "monitor").Info("tick", "status", "up")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "tick", rec["msg"])
	assert.Equal(t, "monitor", rec["component"])
	assert.Equal(t, "up", rec["status"])
}

func TestColorHandler_FormatsAttrsAndGroups(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)

	logger.With("component", "http").WithGroup("req").Warn("slow request", "path", "/health")

	line := buf.String()
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Contains(t, line, "WRN slow request")
	assert.Contains(t, line, " component=http")
	assert.Contains(t, line, "req.path=/health")
}

func TestRunHashSecret(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runHashSecret(strings.NewReader("device-secret\n"), &out))

	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("device-secret")))

	assert.Error(t, runHashSecret(strings.NewReader("\n"), &out))
}

func TestParseFlags(t *testing.T) {
	flags, err := parseFlags("health", []string{"--config", "/tmp/gw.yaml", "--device"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/gw.yaml", flags.configPath)
	assert.True(t, flags.device)

	_, err = parseFlags("serve", []string{"--device"})
	assert.Error(t, err)

	_, err = parseFlags("serve", []string{"extra"})
	assert.Error(t, err)
}
