package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger(level Level) (*Logger, *bytes.Buffer) {
	l := &Logger{level: level, service: "test", out: nil}
	var buf bytes.Buffer
	l.SetOutput(&buf)
	return l, &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &out))
	return out
}

func TestLogLevelFiltering(t *testing.T) {
	l, buf := captureLogger(WARN)

	l.Debug("hidden", nil)
	l.Info("hidden", nil)
	assert.Empty(t, buf.String())

	l.Warn("visible", nil)
	entry := lastLine(t, buf)
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "test", entry["service"])
}

func TestLogFieldPromotion(t *testing.T) {
	l, buf := captureLogger(DEBUG)

	l.Info("provision attempt", map[string]interface{}{
		"request_id": "req-1",
		"provider":   "vastai",
		"region":     "us-east",
		"error":      errors.New("quota exceeded"),
		"duration":   1500 * time.Millisecond,
		"custom":     "stays",
	})

	entry := lastLine(t, buf)
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "vastai", entry["provider"])
	assert.Equal(t, "us-east", entry["region"])
	assert.Equal(t, "quota exceeded", entry["error"])
	assert.Equal(t, float64(1500), entry["duration_ms"])

	fields, ok := entry["fields"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "stays", fields["custom"])
	assert.NotContains(t, fields, "provider")
}

func TestLogErrorAsString(t *testing.T) {
	l, buf := captureLogger(DEBUG)

	l.Warn("oops", map[string]interface{}{"error": "plain string"})
	entry := lastLine(t, buf)
	assert.Equal(t, "plain string", entry["error"])
	assert.NotContains(t, entry, "fields")
}

func TestLogErrorLevelCarriesCaller(t *testing.T) {
	l, buf := captureLogger(DEBUG)

	l.Error("boom", nil)
	entry := lastLine(t, buf)
	assert.Contains(t, entry["file"], "structured_test.go")
	assert.Greater(t, entry["line"], float64(0))
}

func TestNewRequestIDUnique(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestOneJSONObjectPerLine(t *testing.T) {
	l, buf := captureLogger(DEBUG)

	l.Info("first", nil)
	l.Info("second", map[string]interface{}{"n": 2})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var entry map[string]interface{}
		assert.NoError(t, json.Unmarshal([]byte(line), &entry))
	}
}
