package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(NewHandler(&buf, "info", FormatJSON))
	logger.Debug("hidden")
	logger.Info("customer moved", "journey_id", "j-1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "customer moved", record["msg"])
	assert.Equal(t, "j-1", record["journey_id"])
}

func TestNewHandler_Pretty(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(NewHandler(&buf, "debug", FormatPretty))
	logger.Debug("job enqueued", "queue", "message.step")

	out := buf.String()
	assert.Contains(t, out, "job enqueued")
	assert.Contains(t, out, "queue=message.step")
	assert.NotContains(t, out, "\x1b[", "no colors outside a terminal")
}
