package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "serial", cfg.Device.Transport)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Device.Serial)
	assert.False(t, cfg.Gateway.Enabled)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device:
  transport: tcp
  addr: 192.168.1.20:4403
gateway:
  enabled: true
storage:
  path: /tmp/mesh.db
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp", cfg.Device.Transport)
	assert.Equal(t, "192.168.1.20:4403", cfg.Device.Addr)
	assert.True(t, cfg.Gateway.Enabled)
	// Untouched keys keep their defaults.
	assert.Equal(t, "127.0.0.1:8080", cfg.Gateway.ListenAddr)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestUnknownTransportRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  transport: carrier-pigeon\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
