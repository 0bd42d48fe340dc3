package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/l0p7/imgloader/internal/config"
	"github.com/stretchr/testify/require"
)

func TestNewAcceptsKnownLevelsAndFormats(t *testing.T) {
	for _, format := range []string{"json", "text", ""} {
		logger, err := New(config.LoggingConfig{Level: "info", Format: format}, &bytes.Buffer{})
		require.NoError(t, err)
		require.NotNil(t, logger)
	}
}

func TestNewTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Debug("hello", slog.String("agent", "test"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "imgloader", record["component"])
	require.Equal(t, "test", record["agent"])
	require.Equal(t, "hello", record["msg"])
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept")
	require.False(t, strings.Contains(buf.String(), "dropped"))
	require.True(t, strings.Contains(buf.String(), "kept"))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "verbose"}, nil)
	require.Error(t, err)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(config.LoggingConfig{Format: "binary"}, nil)
	require.Error(t, err)
}
