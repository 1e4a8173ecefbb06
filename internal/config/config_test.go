package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Setenv(EnvServerPort, "")
	t.Setenv(EnvUIPort, "")
	t.Setenv(EnvTestServerPort, "")
	t.Setenv(EnvNodeEnv, "")
	t.Setenv(EnvNATSURL, "")
	os.Unsetenv(EnvServerPort)
	os.Unsetenv(EnvUIPort)
	os.Unsetenv(EnvTestServerPort)
	os.Unsetenv(EnvNodeEnv)
	os.Unsetenv(EnvNATSURL)
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Instance)
	assert.Equal(t, DefaultServerPort, cfg.ServerPort)
	assert.Equal(t, 2*time.Second, cfg.DedupWindow)
	assert.Equal(t, 256, cfg.QueueSize)
	assert.Equal(t, 5*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
}

func TestYAMLOverrides(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "jtag.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
instance: bench
server_port: 9500
queue_size: 16
dedup_window: 4s
nats:
  url: nats://localhost:4222
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bench", cfg.Instance)
	assert.Equal(t, 9500, cfg.ServerPort)
	assert.Equal(t, 16, cfg.QueueSize)
	assert.Equal(t, 4*time.Second, cfg.DedupWindow)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}

func TestTestInstanceSelection(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvNodeEnv, "test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Instance)
	assert.Equal(t, TestServerPort, cfg.ServerPort)
}

func TestEnvPortOverridesEverything(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvNodeEnv, "test")
	t.Setenv(EnvServerPort, "9100")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.ServerPort)
	assert.Equal(t, "test", cfg.Instance)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.ServerPort = -1
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.QueueSize = 0
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Instance = ""
	assert.Error(t, cfg.Validate())
}

func TestDerivedURLsAndPaths(t *testing.T) {
	clearEnv(t)

	cfg := Defaults()
	cfg.ServerPort = 9002
	cfg.Instance = "test"

	assert.Equal(t, "ws://localhost:9002/ws", cfg.ServerURL())
	assert.Equal(t, "http://localhost:9002/api/jtag/message", cfg.HTTPFallbackURL())
	assert.Equal(t, filepath.Join(".", ".continuum", "jtag", "test"), cfg.StateRoot())
}
