package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLoggerTagsServiceAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "ride-dispatch", "warn")

	l.Info("dropped")
	assert.Zero(t, buf.Len())

	l.Warn("kept", "ride_id", "r1")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "ride-dispatch", line["service"])
	assert.Equal(t, "r1", line["ride_id"])
	assert.Contains(t, line, "source")
}
