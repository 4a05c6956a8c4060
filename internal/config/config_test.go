package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Client.PushInterval)
	assert.Equal(t, 15*time.Second, cfg.Client.PullInterval)
	assert.Equal(t, 24*time.Hour, cfg.Client.Retention)
	assert.Equal(t, 5, cfg.Client.MaxRetries)
	assert.Equal(t, 5, cfg.ETA.MinSamples)
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linecook.yaml")
	data := `
server:
  listen: 0.0.0.0:9000
client:
  actor: u-ana
  push_interval: 2s
  retention: 1h
eta:
  window: 50
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, "u-ana", cfg.Client.Actor)
	assert.Equal(t, 2*time.Second, cfg.Client.PushInterval)
	assert.Equal(t, time.Hour, cfg.Client.Retention)
	assert.Equal(t, 15*time.Second, cfg.Client.PullInterval, "untouched keys keep defaults")
	assert.Equal(t, 50, cfg.ETA.Window)
	assert.Equal(t, 5, cfg.ETA.MinSamples)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linecook.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  max_retries: 0\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("client: [broken"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}
