package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 8010, cfg.Server.BasePort)
	require.Equal(t, 8010, cfg.Server.Port())
	require.Zero(t, cfg.Server.HandshakeTimeout)
	require.Equal(t, 200*time.Millisecond, cfg.Server.DialRetry)
	require.Equal(t, "round-robin", cfg.Balancer.Strategy)
	require.Equal(t, "sqlite", cfg.Store.Driver)
	require.Equal(t, 1<<20, cfg.Server.MaxFrame)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fastchat.yaml")
	content := []byte(`
log_level: debug
server:
  base_port: 7000
  id: 2
  total: 3
  handshake_timeout: 5s
balancer:
  strategy: minimum-connections
  total_servers: 3
store:
  driver: postgres
  dsn: host=db
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("FASTCHAT_SERVER_ID", "3")
	t.Setenv("FASTCHAT_CLIENT_TIMEOUT", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 3, cfg.Server.ID)
	require.Equal(t, 7002, cfg.Server.Port())
	require.Equal(t, 5*time.Second, cfg.Server.HandshakeTimeout)
	require.Equal(t, 2*time.Second, cfg.Client.Timeout)
	require.Equal(t, "minimum-connections", cfg.Balancer.Strategy)
	require.Equal(t, "postgres", cfg.Store.Driver)
	require.Equal(t, "host=db", cfg.Store.DSN)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("FASTCHAT_SERVER_HANDSHAKE_TIMEOUT", "soon")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("FASTCHAT_SERVER_HANDSHAKE_TIMEOUT", "1s")
	t.Setenv("FASTCHAT_SERVER_ID", "4")
	t.Setenv("FASTCHAT_SERVER_TOTAL", "3")
	_, err = Load("")
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
