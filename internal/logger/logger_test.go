package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"codeberg.org/mutker/npuctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
		ok   bool
	}{
		{"debug", DebugLevel, true},
		{"info", InfoLevel, true},
		{"warn", WarnLevel, true},
		{"warning", WarnLevel, true},
		{"error", ErrorLevel, true},
		{"verbose", WarnLevel, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseLevel(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestComponentLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, DebugLevel)
	t.Cleanup(func() { InitWriter(&bytes.Buffer{}, WarnLevel) })

	log := New("scheduler").With("dvfs")
	err := errors.New().WithData(errors.ErrTimeout, 3)
	log.ErrorWithCode(err).Str("domain", "NPU0").Msg("Failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "dvfs", entry["component"])
	assert.Equal(t, string(errors.ErrTimeout), entry["error_code"])
	assert.Equal(t, "NPU0", entry["domain"])
	assert.Equal(t, "Failed", entry["message"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, WarnLevel)
	t.Cleanup(func() { InitWriter(&bytes.Buffer{}, WarnLevel) })

	New("x").Debug().Msg("hidden")
	Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	assert.NotPanics(t, func() {
		l.Error().Str("k", "v").Msg("dropped")
		l.With("c").Info().Msg("dropped")
	})
}
