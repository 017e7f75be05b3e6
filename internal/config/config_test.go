package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := NewConfig()
	assert.Equal(t, "ws://127.0.0.1:9527/debug-bridge", c.BridgeURL())
	assert.Equal(t, 20, c.Bridge.BatchSize)
	assert.True(t, c.Enabled)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, c.Hub.Port)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probe.yaml")
	data := []byte("hub:\n  host: 10.0.0.5\n  port: 8081\n  token: abc\nlog:\n  level: debug\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.5:8081/debug-bridge", c.BridgeURL())
	assert.Equal(t, "abc", c.Hub.Token)
	assert.Equal(t, "debug", c.Log.Level)
	// 未覆盖的字段保持默认
	assert.Equal(t, 20, c.Bridge.BatchSize)
}

func TestParseHubURL(t *testing.T) {
	ep, err := ParseHubURL("debughub://192.168.1.4:9000?token=t0k")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.4", ep.Host)
	assert.Equal(t, 9000, ep.Port)
	assert.Equal(t, "t0k", ep.Token)

	// 端口缺省
	ep, err = ParseHubURL("debughub://hub.local?token=x")
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, ep.Port)

	_, err = ParseHubURL("https://hub.local")
	assert.Error(t, err)
	_, err = ParseHubURL("debughub://hub.local:70000")
	assert.Error(t, err)
	_, err = ParseHubURL("debughub://?token=x")
	assert.Error(t, err)
}
