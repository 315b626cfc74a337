package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, time.Minute, cfg.ConnectionTimeout())
	assert.Equal(t, 5*time.Minute, cfg.FinishedGrace())
	assert.True(t, cfg.Mobile.BandwidthThrottling)
	assert.Empty(t, cfg.NATS.URL, "ingest disabled by default")
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
port: 9090
max_connections: 500
heartbeat_interval_ms: 10000
connection_timeout_ms: 25000
mobile:
  bandwidth_throttling: false
  bandwidth_threshold_bytes: 1024
nats:
  url: nats://localhost:4222
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 500, cfg.MaxConnections)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 25*time.Second, cfg.ConnectionTimeout())
	assert.False(t, cfg.Mobile.BandwidthThrottling)
	assert.Equal(t, int64(1024), cfg.Mobile.BandwidthThresholdBytes)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	// Untouched sections keep their defaults.
	assert.Equal(t, "ARENA_EVENTS", cfg.NATS.StreamName)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("ARENA_PORT", "7777")
	t.Setenv("ARENA_HEARTBEAT_INTERVAL_MS", "5000")
	t.Setenv("ARENA_NATS_URL", "nats://env:4222")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
}

func TestEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("ARENA_PORT", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero port", func(c *Config) { c.Port = 0 }},
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatIntervalMS = 0 }},
		{"timeout below heartbeat", func(c *Config) { c.ConnectionTimeoutMS = c.HeartbeatIntervalMS }},
		{"zero message size", func(c *Config) { c.MaxMessageSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
