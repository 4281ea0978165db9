package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentwire/telemetry/pkg/server"
)

func TestCollectorDefaults(t *testing.T) {
	cfg, err := LoadCollectorConfig("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, server.DefaultPort, cfg.Port)
	assert.Equal(t, 300, cfg.AwaitTimeoutSec)
	assert.False(t, cfg.AwaitFirstPeer)
}

func TestCollectorFileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"host":"0.0.0.0","port":9000,"await_first_peer":true}`), 0o644))

	t.Setenv("AGENTWIRE_PORT", "9100")
	t.Setenv("AGENTWIRE_AWAIT_TIMEOUT_SEC", "5")

	cfg, err := LoadCollectorConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Host, "file overrides default")
	assert.Equal(t, 9100, cfg.Port, "env overrides file")
	assert.True(t, cfg.AwaitFirstPeer)

	d := cfg.Descriptor()
	assert.Equal(t, "0.0.0.0:9100", d.Addr())
	assert.Equal(t, 5*time.Second, d.AwaitTimeout)
	assert.True(t, d.AwaitFirstPeer)
}

func TestCollectorBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.json")
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o644))
	_, err := LoadCollectorConfig(path)
	require.Error(t, err)
}

func TestObserverConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "observer.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server_url":" ws://10.0.0.5:50881/ws ","dns_servers":["10.0.0.2"]}`), 0o644))

	t.Setenv("AGENTWIRE_TOKEN", "tok")
	t.Setenv("AGENTWIRE_DNS_SERVERS", "10.0.0.3, 10.0.0.4")

	cfg, err := LoadObserverConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.5:50881/ws", cfg.ServerURL, "url is trimmed")
	assert.Equal(t, "tok", cfg.Token)
	assert.Equal(t, []string{"10.0.0.3", "10.0.0.4"}, cfg.DNSServers)
	assert.Equal(t, 30, cfg.RetryTimeoutSec)
}
