package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture redirects output to a buffer and restores defaults afterwards.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		SetLevel("INFO")
		SetFormat("text")
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t)
	SetLevel("warn")

	Debug("debug line")
	Info("info line")
	Warn("warn %d", 1)
	Error("error %s", "two")

	out := buf.String()
	assert.NotContains(t, out, "debug line")
	assert.NotContains(t, out, "info line")
	assert.Contains(t, out, "[WARN] warn 1")
	assert.Contains(t, out, "[ERROR] error two")

	assert.False(t, Enabled(LevelInfo))
	assert.True(t, Enabled(LevelError))
}

func TestUnknownLevelIsIgnored(t *testing.T) {
	capture(t)
	SetLevel("DEBUG")
	SetLevel("verbose")
	assert.True(t, Enabled(LevelDebug))
}

func TestJSONFormat(t *testing.T) {
	buf := capture(t)
	SetFormat("json")

	Info("synced %s", "notes.txt")

	var line struct {
		Time    string `json:"time"`
		Level   string `json:"level"`
		Message string `json:"msg"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &line))
	assert.Equal(t, "INFO", line.Level)
	assert.Equal(t, "synced notes.txt", line.Message)
	assert.NotEmpty(t, line.Time)
}

func TestConfigureFileOutput(t *testing.T) {
	capture(t)
	path := filepath.Join(t.TempDir(), "logs", "parsecfs.log")

	require.NoError(t, Configure("debug", "text", path))
	Debug("to file")
	require.NoError(t, Configure("info", "text", "stdout"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[DEBUG] to file")
}
