// ABOUTME: Tests for logger setup and the colorized handler
// ABOUTME: Color codes are disabled so output can be matched as plain text

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/dm-gateway/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLevel("nonsense"))
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "dispatch").Info("dm sent", "conversation_id", 7)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "dm sent", line["msg"])
	assert.Equal(t, "dispatch", line["component"])
	assert.EqualValues(t, 7, line["conversation_id"])
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)

	logger.Info("too quiet")
	assert.Empty(t, buf.String())

	logger.With("component", "hub").WithGroup("env").Warn("dropped envelope", "destination", "/user/queue/dm/1")
	out := buf.String()
	assert.Contains(t, out, "WRN dropped envelope")
	assert.Contains(t, out, "component=hub")
	assert.Contains(t, out, "env.destination=/user/queue/dm/1")
}
