package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thirdplace/server/internal/logger"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logger.ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, logger.ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, logger.ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, logger.ParseLevel("bogus"))
}

func TestConditionalSourceHandler(t *testing.T) {
	var buf bytes.Buffer
	h := logger.NewConditionalSourceHandler(slog.NewJSONHandler(&buf, nil), slog.LevelWarn)
	log := slog.New(h).With("component", "test")

	log.Info("quiet")
	log.Warn("loud")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var info, warn map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &info))
	require.NoError(t, json.Unmarshal(lines[1], &warn))

	assert.NotContains(t, info, slog.SourceKey)
	assert.Contains(t, warn, slog.SourceKey)
	assert.Equal(t, "test", warn["component"])
}
