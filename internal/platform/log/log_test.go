package applog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	Init(Config{Service: "hybridrag", Level: "warn", Format: "json", Output: &buf})

	Info("[Test] dropped")
	Warn("[Test] kept", "fingerprint", "abc")
	Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "[Test] kept", entry["msg"])
	assert.Equal(t, "abc", entry["fingerprint"])
	assert.Equal(t, "hybridrag", entry["service"])
	assert.Contains(t, entry, "time")
}

func TestContextLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})

	assert.Same(t, slog.Default(), FromContext(context.Background()))

	ctx := NewContext(context.Background(), With("request_id", "req-1"))
	FromContext(ctx).Info("[Test] scoped")
	Sync()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "req-1", entry["request_id"])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}
