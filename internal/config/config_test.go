package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/tab-daemon.sock", cfg.SocketPath)
	assert.Equal(t, 9222, cfg.WSPort)
	assert.Empty(t, cfg.BrowserPath)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	cfg, err := Load(lookupFrom(map[string]string{
		"TAB_SOCKET_PATH":        "/run/user/1000/tabd.sock",
		"TAB_WS_PORT":            "9333",
		"TAB_BROWSER_PATH":       "/opt/chromium/chrome",
		"TAB_HEARTBEAT_INTERVAL": "5s",
		"TAB_COMMAND_TIMEOUT":    "1m",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/run/user/1000/tabd.sock", cfg.SocketPath)
	assert.Equal(t, 9333, cfg.WSPort)
	assert.Equal(t, "/opt/chromium/chrome", cfg.BrowserPath)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, time.Minute, cfg.CommandTimeout)
	// Untouched fields keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.HeartbeatTimeout)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"port out of range", map[string]string{"TAB_WS_PORT": "70000"}},
		{"port not a number", map[string]string{"TAB_WS_PORT": "nine"}},
		{"bad duration", map[string]string{"TAB_COMMAND_TIMEOUT": "soon"}},
		{"negative duration", map[string]string{"TAB_HEARTBEAT_TIMEOUT": "-1s"}},
		{"empty socket path", map[string]string{"TAB_SOCKET_PATH": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(lookupFrom(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.WSPort = -1
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.ConnectTimeout = 0
	assert.Error(t, bad.Validate())
}
