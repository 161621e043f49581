package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTOMLConfigMatchesDefaults(t *testing.T) {
	cfg := DefaultTOMLConfig()
	serverCfg := cfg.ToServerConfig()
	defaults := DefaultConfig()

	assert.Equal(t, defaults.HTTPPort, serverCfg.HTTPPort)
	assert.Equal(t, defaults.MaxFrameBytes, serverCfg.MaxFrameBytes)
	assert.Equal(t, defaults.IdleTimeout, serverCfg.IdleTimeout)
	assert.Equal(t, defaults.ReapInterval, serverCfg.ReapInterval)
	assert.Equal(t, defaults.HeartbeatInterval, serverCfg.HeartbeatInterval)
	assert.Equal(t, "./public", serverCfg.StaticDir)
	assert.Empty(t, serverCfg.DatabasePath)
	assert.Empty(t, serverCfg.AllowedOrigins)
	assert.False(t, serverCfg.SystemMessages)
}

func TestToServerConfigFallsBackToDefaults(t *testing.T) {
	var cfg TOMLConfig

	serverCfg := cfg.ToServerConfig()
	defaults := DefaultConfig()

	assert.Equal(t, defaults.HTTPPort, serverCfg.HTTPPort)
	assert.Equal(t, defaults.ServerName, serverCfg.ServerName)
	assert.Equal(t, defaults.MaxMessageLength, serverCfg.MaxMessageLength)
	assert.Equal(t, defaults.MaxUsernameLength, serverCfg.MaxUsernameLength)
	assert.Equal(t, defaults.MessageRateLimit, serverCfg.MessageRateLimit)
	assert.Equal(t, defaults.MessageBurst, serverCfg.MessageBurst)
	assert.Equal(t, defaults.SendQueueSize, serverCfg.SendQueueSize)
	assert.Equal(t, defaults.PongWait, serverCfg.PongWait)
	assert.Equal(t, defaults.WriteTimeout, serverCfg.WriteTimeout)
	assert.Equal(t, defaults.CloseGrace, serverCfg.CloseGrace)
	assert.Equal(t, defaults.ShutdownGrace, serverCfg.ShutdownGrace)
}

func TestLoadConfigWritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chatrelay.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig().Server.HTTPPort, cfg.Server.HTTPPort)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# chatrelay server configuration")
	assert.Contains(t, string(data), "http_port = 8081")
	assert.Contains(t, string(data), "[timeouts]")

	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.ToServerConfig().IdleTimeout, again.ToServerConfig().IdleTimeout)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatrelay.toml")
	content := `
[server]
http_port = 9000
database_path = "/var/lib/chatrelay/chat.db"
allowed_origins = ["https://Chat.Example.com", "not an origin"]
server_name = "relay-eu"

[limits]
max_message_length = 500
message_rate_limit = 2.5
send_queue_size = 32

[timeouts]
idle_timeout_seconds = 120
heartbeat_interval_seconds = 15

[presence]
system_messages = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	serverCfg := cfg.ToServerConfig()

	assert.Equal(t, 9000, serverCfg.HTTPPort)
	assert.Equal(t, "/var/lib/chatrelay/chat.db", serverCfg.DatabasePath)
	assert.Equal(t, []string{"https://chat.example.com"}, serverCfg.AllowedOrigins)
	assert.Equal(t, "relay-eu", serverCfg.ServerName)
	assert.Equal(t, 500, serverCfg.MaxMessageLength)
	assert.Equal(t, 2.5, serverCfg.MessageRateLimit)
	assert.Equal(t, 32, serverCfg.SendQueueSize)
	assert.Equal(t, 120*time.Second, serverCfg.IdleTimeout)
	assert.Equal(t, 15*time.Second, serverCfg.HeartbeatInterval)
	assert.Equal(t, DefaultConfig().ReapInterval, serverCfg.ReapInterval)
	assert.True(t, serverCfg.SystemMessages)
}

func TestLoadConfigRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nhttp_port = "), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestApplyEnvironment(t *testing.T) {
	env := func(vals map[string]string) func(string) string {
		return func(k string) string { return vals[k] }
	}

	cfg := DefaultTOMLConfig()
	require.NoError(t, cfg.ApplyEnvironment(env(nil)))
	assert.Equal(t, 8081, cfg.Server.HTTPPort)

	require.NoError(t, cfg.ApplyEnvironment(env(map[string]string{"PORT": " 3000 "})))
	assert.Equal(t, 3000, cfg.Server.HTTPPort)

	for _, bad := range []string{"http", "-1", "70000"} {
		err := cfg.ApplyEnvironment(env(map[string]string{"PORT": bad}))
		assert.Error(t, err, bad)
	}
	assert.Equal(t, 3000, cfg.Server.HTTPPort, "a bad PORT leaves the config untouched")
	assert.Equal(t, 3000, cfg.ToServerConfig().HTTPPort)
}

func TestExplicitZeroPortBindsRandomPort(t *testing.T) {
	cfg := DefaultTOMLConfig()
	require.NoError(t, cfg.ApplyEnvironment(func(string) string { return "0" }))
	assert.Equal(t, 0, cfg.ToServerConfig().HTTPPort)

	flagged := DefaultTOMLConfig()
	flagged.SetPort(0)
	assert.Equal(t, 0, flagged.ToServerConfig().HTTPPort)

	var fromFile TOMLConfig
	assert.Equal(t, 8081, fromFile.ToServerConfig().HTTPPort, "a zero in the file keeps the default")
}

func TestLoadConfigRejectsOnlyInvalidOrigins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatrelay.toml")
	content := `
[server]
allowed_origins = ["chat.example.com", "not an origin"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "allowed_origins")
}

func TestGetDatabasePath(t *testing.T) {
	var cfg TOMLConfig
	path, err := cfg.GetDatabasePath()
	require.NoError(t, err)
	assert.Empty(t, path, "empty path disables persistence")

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	cfg.Server.DatabasePath = "~/.chatrelay/chat.db"
	path, err = cfg.GetDatabasePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".chatrelay", "chat.db"), path)
}
