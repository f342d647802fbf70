package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastqm/wsps/internal/core/frame"
)

func TestLoadHubDefaults(t *testing.T) {
	c, err := LoadHub()
	require.NoError(t, err)
	assert.Equal(t, ":8090", c.Addr)
	assert.Equal(t, FederationNone, c.Federation)
	assert.Equal(t, 256, c.SendBuffer)
	assert.True(t, c.Libp2pMDNS)
	assert.Equal(t, "info", c.Log.Level)
}

func TestLoadHubFromEnv(t *testing.T) {
	t.Setenv("WSPS_ADDR", ":9000")
	t.Setenv("WSPS_FEDERATION", "redis")
	t.Setenv("WSPS_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("WSPS_LIBP2P_BOOTSTRAP", "/ip4/10.0.0.1/tcp/4001/p2p/a,/ip4/10.0.0.2/tcp/4001/p2p/b")
	t.Setenv("WSPS_LOG_LEVEL", "debug")
	t.Setenv("WSPS_LOG_PRETTY", "false")

	c, err := LoadHub()
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.Addr)
	assert.Equal(t, FederationRedis, c.Federation)
	assert.Len(t, c.Libp2pBootstrap, 2)
	assert.Equal(t, "debug", c.Log.Level)
	assert.False(t, c.Log.Pretty)
}

func TestHubValidate(t *testing.T) {
	t.Setenv("WSPS_FEDERATION", "carrier-pigeon")
	_, err := LoadHub()
	assert.ErrorIs(t, err, ErrUnknownFederation)

	t.Setenv("WSPS_FEDERATION", "redis")
	_, err = LoadHub()
	assert.ErrorIs(t, err, ErrMissingRedisURL)

	t.Setenv("WSPS_FEDERATION", "memory")
	t.Setenv("WSPS_SEND_BUFFER", "0")
	_, err = LoadHub()
	assert.ErrorIs(t, err, ErrBadSendBuffer)
}

func TestLoadClient(t *testing.T) {
	c, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, frame.ServerOnly, c.DefaultRange)
	assert.Equal(t, 10*time.Second, c.HandshakeTimeout)

	t.Setenv("WSPS_DEFAULT_RANGE", "all")
	t.Setenv("WSPS_HANDSHAKE_TIMEOUT", "3s")
	t.Setenv("WSPS_URL", "ws://hub:8090/ws")
	c, err = LoadClient()
	require.NoError(t, err)
	assert.Equal(t, frame.All, c.DefaultRange)
	assert.Equal(t, 3*time.Second, c.HandshakeTimeout)
	assert.Equal(t, "ws://hub:8090/ws", c.URL)

	t.Setenv("WSPS_DEFAULT_RANGE", "everyone")
	_, err = LoadClient()
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.env")
	require.NoError(t, os.WriteFile(path, []byte("WSPS_NODE_ID=from-file\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("WSPS_NODE_ID") })

	require.NoError(t, LoadFile(path))
	c, err := LoadHub()
	require.NoError(t, err)
	assert.Equal(t, "from-file", c.NodeID)

	assert.Error(t, LoadFile(filepath.Join(t.TempDir(), "missing.env")))
}
