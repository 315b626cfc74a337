package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration surface. Durations are expressed in
// milliseconds in the file and environment to match client settings.
type Config struct {
	Port                int   `yaml:"port"`
	MaxConnections      int   `yaml:"max_connections"`
	HeartbeatIntervalMS int64 `yaml:"heartbeat_interval_ms"`
	ConnectionTimeoutMS int64 `yaml:"connection_timeout_ms"`
	MaxMessageSize      int64 `yaml:"max_message_size"`
	CompressionEnabled  bool  `yaml:"compression_enabled"`

	Mobile MobileConfig `yaml:"mobile"`
	NATS   NATSConfig   `yaml:"nats"`
	Store  StoreConfig  `yaml:"store"`
}

// MobileConfig groups the mobile-network optimizations.
type MobileConfig struct {
	BandwidthThrottling      bool  `yaml:"bandwidth_throttling"`
	BandwidthThresholdBytes  int64 `yaml:"bandwidth_threshold_bytes"`
	AdaptiveCompression      bool  `yaml:"adaptive_compression"`
	MobileConnectionPriority bool  `yaml:"mobile_connection_priority"`
	ReducedHeartbeatMobile   bool  `yaml:"reduced_heartbeat_mobile"`
	OfflineQueueEnabled      bool  `yaml:"offline_queue_enabled"`
}

// NATSConfig configures the optional external event ingest. An empty URL
// disables ingest entirely.
type NATSConfig struct {
	URL           string `yaml:"url"`
	StreamName    string `yaml:"stream_name"`
	ConsumerName  string `yaml:"consumer_name"`
	SubjectFilter string `yaml:"subject_filter"`
}

// StoreConfig controls challenge retention.
type StoreConfig struct {
	SnapshotHistory int   `yaml:"snapshot_history"`
	FinishedGraceMS int64 `yaml:"finished_grace_ms"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Port:                8080,
		MaxConnections:      10000,
		HeartbeatIntervalMS: 30000,
		ConnectionTimeoutMS: 60000,
		MaxMessageSize:      64 * 1024,
		CompressionEnabled:  true,
		Mobile: MobileConfig{
			BandwidthThrottling:      true,
			BandwidthThresholdBytes:  512 * 1024,
			AdaptiveCompression:      true,
			MobileConnectionPriority: true,
			ReducedHeartbeatMobile:   true,
			OfflineQueueEnabled:      true,
		},
		NATS: NATSConfig{
			StreamName:    "ARENA_EVENTS",
			ConsumerName:  "arena-gateway",
			SubjectFilter: "arena.events.>",
		},
		Store: StoreConfig{
			SnapshotHistory: 32,
			FinishedGraceMS: 300000,
		},
	}
}

// Load reads a YAML config file, falling back to defaults when path is
// empty, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnvAsInt("ARENA_PORT", c.Port)
	c.MaxConnections = getEnvAsInt("ARENA_MAX_CONNECTIONS", c.MaxConnections)
	c.HeartbeatIntervalMS = getEnvAsInt64("ARENA_HEARTBEAT_INTERVAL_MS", c.HeartbeatIntervalMS)
	c.ConnectionTimeoutMS = getEnvAsInt64("ARENA_CONNECTION_TIMEOUT_MS", c.ConnectionTimeoutMS)
	c.MaxMessageSize = getEnvAsInt64("ARENA_MAX_MESSAGE_SIZE", c.MaxMessageSize)
	c.NATS.URL = getEnv("ARENA_NATS_URL", c.NATS.URL)
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.HeartbeatIntervalMS <= 0 {
		return fmt.Errorf("heartbeat_interval_ms must be positive, got %d", c.HeartbeatIntervalMS)
	}
	if c.ConnectionTimeoutMS <= c.HeartbeatIntervalMS {
		return fmt.Errorf("connection_timeout_ms (%d) must exceed heartbeat_interval_ms (%d)",
			c.ConnectionTimeoutMS, c.HeartbeatIntervalMS)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive, got %d", c.MaxMessageSize)
	}
	return nil
}

// HeartbeatInterval returns the heartbeat sweep cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// ConnectionTimeout returns the liveness timeout.
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMS) * time.Millisecond
}

// FinishedGrace returns how long finished challenges stay queryable.
func (c *Config) FinishedGrace() time.Duration {
	return time.Duration(c.Store.FinishedGraceMS) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
