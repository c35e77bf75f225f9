package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}

		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}

	return out
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, "tcpclient", zerolog.InfoLevel)

	l.Info("connected", F("connection_id", 7), F("address", "127.0.0.1:2001"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "connected", lines[0]["message"])
	assert.Equal(t, "tcpclient", lines[0]["service"])
	assert.Equal(t, float64(7), lines[0]["connection_id"])
	assert.Equal(t, "127.0.0.1:2001", lines[0]["address"])
	assert.Contains(t, lines[0], "time")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, "svc", zerolog.WarnLevel)

	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")
	l.Error("kept too", Err(errors.New("boom")))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "error", lines[1]["level"])
	assert.Equal(t, "boom", lines[1]["error"])
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	base := NewJSONLogger(&buf, "svc", zerolog.DebugLevel)
	child := base.With(F("component", "scheduler"))

	child.Debug("tick")
	base.Debug("plain")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "scheduler", lines[0]["component"])
	assert.NotContains(t, lines[1], "component")
}

func TestNewNopLogger(t *testing.T) {
	l := NewNopLogger()
	require.NotNil(t, l)

	assert.NotPanics(t, func() {
		l.With(F("k", "v")).Error("nothing happens")
	})
}

func TestParseLevel(t *testing.T) {
	t.Run("empty defaults to info", func(t *testing.T) {
		level, err := ParseLevel("")
		require.NoError(t, err)
		assert.Equal(t, zerolog.InfoLevel, level)
	})

	t.Run("case insensitive", func(t *testing.T) {
		level, err := ParseLevel(" DEBUG ")
		require.NoError(t, err)
		assert.Equal(t, zerolog.DebugLevel, level)
	})

	t.Run("unknown level", func(t *testing.T) {
		_, err := ParseLevel("loud")
		assert.Error(t, err)
	})
}
