package logger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestFileOutputsReceiveEvents(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app.log")
	errOut := filepath.Join(dir, "err.log")
	l, err := New(Config{Level: "info", Outputs: []string{"file"}, OutputFile: out, ErrorFile: errOut, Format: "json"})
	require.NoError(t, err)

	l.LogEvent("feed_connected", map[string]interface{}{"symbols": 3})
	l.LogError(errors.New("boom"), map[string]interface{}{"endpoint": "klines"})
	require.NoError(t, l.Close())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"event":"feed_connected"`))
	assert.True(t, strings.Contains(string(data), `"symbols":3`))

	errData, err := os.ReadFile(errOut)
	require.NoError(t, err)
	assert.Contains(t, string(errData), "boom")
	assert.NotContains(t, string(errData), "feed_connected")
}
