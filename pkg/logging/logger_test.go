package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "warn", Output: &buf})

	logger.Info("dropped")
	logger.Warn("kept", "route_id", "order-soap-route")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "order-soap-route", line["route_id"])
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(Config{Format: "text", Output: &buf}).Info("hello", "stage", "validate")
	assert.Contains(t, buf.String(), "stage=validate")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "abc", Excerpt([]byte("abc"), 10))
	assert.Equal(t, "ab...", Excerpt([]byte("abc"), 2))
	assert.Equal(t, "abc", Excerpt([]byte("abc"), 0))
}
