package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"warn":    LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLogger_JSONKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelInfo, "json", &buf)

	l.Info("key selected", "conversation", "c1", "reason", "rotated")
	require.NoError(t, l.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "key selected", entry["msg"])
	assert.Equal(t, "c1", entry["conversation"])
	assert.Equal(t, "rotated", entry["reason"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelWarn, "console", &buf)

	l.Info("hidden")
	l.Debugf("hidden %d", 1)
	l.Warnf("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, "shown 2"))

	l.SetLevel(LevelDebug)
	l.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestLogger_SetOutput(t *testing.T) {
	var first, second bytes.Buffer
	l := New(LevelInfo, "console", &first)
	l.SetOutput(&second)
	l.Error("moved")

	assert.Empty(t, first.String())
	assert.Contains(t, second.String(), "moved")
}
