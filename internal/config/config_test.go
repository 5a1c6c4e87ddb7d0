package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHasSaneWorkerLiveness(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Second, cfg.Worker.HeartbeatTimeout)
	assert.Equal(t, 30*time.Second, cfg.Worker.ReapInterval)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.yaml")
	body := []byte(`
http:
  listen_addr: ":9999"
worker:
  max_attempts: 5
metrics:
  enabled: false
`)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.ListenAddr)
	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
	assert.False(t, cfg.Metrics.Enabled)
	// Untouched fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Worker.HeartbeatTimeout)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
