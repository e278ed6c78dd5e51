package sandbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "starlark", cfg.Language)
	assert.Equal(t, 10*time.Second, cfg.Timeout.Default)
	assert.Equal(t, 2*time.Second, cfg.Timeout.Grace)
	assert.Equal(t, 30, cfg.Capabilities.MaxHTTPRequests)
}

func TestLoadConfig(t *testing.T) {
	libDir := t.TempDir()
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
language: js
ready_ack: true
engine:
  memory_limit_mb: 64
timeout:
  default: 5s
capabilities:
  max_http_requests: 3
  http_timeout: 15s
preload:
  lib_dir: `+libDir+`
  libraries: [textutil, mathx]
metrics:
  addr: 127.0.0.1:9100
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, LanguageJavaScript, cfg.Language)
	assert.True(t, cfg.ReadyAck)
	assert.Equal(t, 64, cfg.Engine.MemoryLimitMB)
	assert.True(t, cfg.Engine.TransformJS, "unset keys keep their defaults")
	assert.Equal(t, 5*time.Second, cfg.Timeout.Default)
	assert.Equal(t, 2*time.Second, cfg.Timeout.Grace)
	assert.Equal(t, 3, cfg.Capabilities.MaxHTTPRequests)
	assert.Equal(t, 15*time.Second, cfg.Capabilities.HTTPTimeout)
	assert.Equal(t, []string{"textutil", "mathx"}, cfg.Preload.Libraries)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Addr)
	assert.Equal(t, "sandbox", cfg.Metrics.Namespace)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeout: [nope"), 0o644))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "parsing config")
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Language = "cobol"
	cfg.Timeout.Grace = -time.Second
	cfg.Preload.LibDir = filepath.Join(t.TempDir(), "nope")

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown language "cobol"`)
	assert.Contains(t, err.Error(), "timeout.grace must not be negative")
	assert.Contains(t, err.Error(), "is not a directory")
}
