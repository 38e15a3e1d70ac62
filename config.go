package driftsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines engine configuration.
type Config struct {
	// NodeID identifies this engine instance in logs and events.
	NodeID string `yaml:"node_id"`

	// Queue holds offline action queue settings.
	Queue QueueConfig `yaml:"queue"`

	// Retry holds backoff scheduling settings.
	Retry RetryConfig `yaml:"retry"`

	// Gateway holds remote gateway settings (used by the HTTP and S3
	// adapters; ignored when a custom RemoteGateway is injected).
	Gateway GatewayConfig `yaml:"gateway"`

	// Monitor holds connectivity monitor settings.
	Monitor MonitorConfig `yaml:"monitor"`

	// Encryption configures encryption at rest for queued payloads and
	// entity fields. If nil or Enabled is false, data is stored in the clear.
	Encryption *EncryptionConfig `yaml:"encryption"`

	// AutoSyncInterval is how often the background loop attempts a sync when
	// connected. 0 disables periodic sync (connectivity-restored and explicit
	// triggers still work).
	AutoSyncInterval time.Duration `yaml:"auto_sync_interval"`
}

// QueueConfig groups offline action queue settings.
type QueueConfig struct {
	// DrainBatchSize is the maximum number of actions pushed per drain pass.
	// Default: 100.
	DrainBatchSize int `yaml:"drain_batch_size"`

	// DrainWorkers is the number of concurrent per-entity drain workers.
	// Default: 4. Actions for the same entity never run concurrently.
	DrainWorkers int `yaml:"drain_workers"`

	// CompressPayloads enables snappy compression of persisted payloads.
	// Default: true.
	CompressPayloads bool `yaml:"compress_payloads"`
}

// RetryConfig groups backoff scheduling settings.
type RetryConfig struct {
	// Base is the delay before the first retry. Default: 500ms.
	Base time.Duration `yaml:"base"`

	// MaxDelay caps the exponential growth. Default: 60s.
	MaxDelay time.Duration `yaml:"max_delay"`

	// MaxAttempts is the terminal-failure threshold. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// Jitter adds deterministic spread to delays to avoid thundering-herd
	// reconnection storms. Value between 0 and 1. Default: 0 (exact delays).
	Jitter float64 `yaml:"jitter"`
}

// GatewayConfig groups remote gateway settings.
type GatewayConfig struct {
	// Endpoint is the remote base URL (HTTP adapter) or bucket endpoint
	// (S3 adapter).
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds each network call. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`

	// Compress enables snappy encoding of push request bodies. Default: true.
	Compress bool `yaml:"compress"`

	// Auth contains authentication credentials.
	Auth *GatewayAuth `yaml:"auth"`

	// BreakerFailures is the consecutive-failure count that opens the
	// circuit breaker. Default: 5.
	BreakerFailures int `yaml:"breaker_failures"`

	// BreakerReset is how long the breaker stays open before probing again.
	// Default: 30s.
	BreakerReset time.Duration `yaml:"breaker_reset"`
}

// GatewayAuth contains authentication credentials.
type GatewayAuth struct {
	// Type specifies the auth type: "api_key", "bearer", "basic".
	Type string `yaml:"type"`

	APIKey      string `yaml:"api_key"`
	BearerToken string `yaml:"bearer_token"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// MonitorConfig groups connectivity monitor settings.
type MonitorConfig struct {
	// HeartbeatURL is the websocket endpoint probed for connectivity.
	// Empty disables the built-in monitor.
	HeartbeatURL string `yaml:"heartbeat_url"`

	// PingInterval is how often the monitor pings. Default: 15s.
	PingInterval time.Duration `yaml:"ping_interval"`

	// PongTimeout is how long to wait for a pong before declaring the
	// connection down. Default: 10s.
	PongTimeout time.Duration `yaml:"pong_timeout"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		NodeID: "node-1",
		Queue: QueueConfig{
			DrainBatchSize:   100,
			DrainWorkers:     4,
			CompressPayloads: true,
		},
		Retry: RetryConfig{
			Base:        500 * time.Millisecond,
			MaxDelay:    60 * time.Second,
			MaxAttempts: 3,
			Jitter:      0,
		},
		Gateway: GatewayConfig{
			Timeout:         30 * time.Second,
			Compress:        true,
			BreakerFailures: 5,
			BreakerReset:    30 * time.Second,
		},
		Monitor: MonitorConfig{
			PingInterval: 15 * time.Second,
			PongTimeout:  10 * time.Second,
		},
		AutoSyncInterval: 0,
	}
}

// normalize fills zero values with defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.NodeID == "" {
		c.NodeID = def.NodeID
	}
	if c.Queue.DrainBatchSize <= 0 {
		c.Queue.DrainBatchSize = def.Queue.DrainBatchSize
	}
	if c.Queue.DrainWorkers <= 0 {
		c.Queue.DrainWorkers = def.Queue.DrainWorkers
	}
	if c.Retry.Base <= 0 {
		c.Retry.Base = def.Retry.Base
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		c.Retry.Jitter = def.Retry.Jitter
	}
	if c.Gateway.Timeout <= 0 {
		c.Gateway.Timeout = def.Gateway.Timeout
	}
	if c.Gateway.BreakerFailures <= 0 {
		c.Gateway.BreakerFailures = def.Gateway.BreakerFailures
	}
	if c.Gateway.BreakerReset <= 0 {
		c.Gateway.BreakerReset = def.Gateway.BreakerReset
	}
	if c.Monitor.PingInterval <= 0 {
		c.Monitor.PingInterval = def.Monitor.PingInterval
	}
	if c.Monitor.PongTimeout <= 0 {
		c.Monitor.PongTimeout = def.Monitor.PongTimeout
	}
}

// fileConfig mirrors Config for YAML decoding. Durations are strings in the
// file ("500ms", "2m") and parsed with time.ParseDuration; booleans that
// default to true are pointers so an omitted key keeps the default.
type fileConfig struct {
	NodeID string `yaml:"node_id"`
	Queue  struct {
		DrainBatchSize   int   `yaml:"drain_batch_size"`
		DrainWorkers     int   `yaml:"drain_workers"`
		CompressPayloads *bool `yaml:"compress_payloads"`
	} `yaml:"queue"`
	Retry struct {
		Base        string  `yaml:"base"`
		MaxDelay    string  `yaml:"max_delay"`
		MaxAttempts int     `yaml:"max_attempts"`
		Jitter      float64 `yaml:"jitter"`
	} `yaml:"retry"`
	Gateway struct {
		Endpoint        string       `yaml:"endpoint"`
		Timeout         string       `yaml:"timeout"`
		Compress        *bool        `yaml:"compress"`
		Auth            *GatewayAuth `yaml:"auth"`
		BreakerFailures int          `yaml:"breaker_failures"`
		BreakerReset    string       `yaml:"breaker_reset"`
	} `yaml:"gateway"`
	Monitor struct {
		HeartbeatURL string `yaml:"heartbeat_url"`
		PingInterval string `yaml:"ping_interval"`
		PongTimeout  string `yaml:"pong_timeout"`
	} `yaml:"monitor"`
	Encryption *struct {
		Enabled     bool   `yaml:"enabled"`
		KeyPassword string `yaml:"key_password"`
	} `yaml:"encryption"`
	AutoSyncInterval string `yaml:"auto_sync_interval"`
}

// LoadConfig reads a YAML configuration file and applies defaults for any
// omitted values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := DefaultConfig()
	if fc.NodeID != "" {
		cfg.NodeID = fc.NodeID
	}
	if fc.Queue.DrainBatchSize > 0 {
		cfg.Queue.DrainBatchSize = fc.Queue.DrainBatchSize
	}
	if fc.Queue.DrainWorkers > 0 {
		cfg.Queue.DrainWorkers = fc.Queue.DrainWorkers
	}
	if fc.Queue.CompressPayloads != nil {
		cfg.Queue.CompressPayloads = *fc.Queue.CompressPayloads
	}
	if fc.Retry.MaxAttempts > 0 {
		cfg.Retry.MaxAttempts = fc.Retry.MaxAttempts
	}
	cfg.Retry.Jitter = fc.Retry.Jitter
	cfg.Gateway.Endpoint = fc.Gateway.Endpoint
	if fc.Gateway.Compress != nil {
		cfg.Gateway.Compress = *fc.Gateway.Compress
	}
	cfg.Gateway.Auth = fc.Gateway.Auth
	if fc.Gateway.BreakerFailures > 0 {
		cfg.Gateway.BreakerFailures = fc.Gateway.BreakerFailures
	}
	cfg.Monitor.HeartbeatURL = fc.Monitor.HeartbeatURL
	if fc.Encryption != nil {
		cfg.Encryption = &EncryptionConfig{
			Enabled:     fc.Encryption.Enabled,
			KeyPassword: fc.Encryption.KeyPassword,
		}
	}

	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{fc.Retry.Base, &cfg.Retry.Base},
		{fc.Retry.MaxDelay, &cfg.Retry.MaxDelay},
		{fc.Gateway.Timeout, &cfg.Gateway.Timeout},
		{fc.Gateway.BreakerReset, &cfg.Gateway.BreakerReset},
		{fc.Monitor.PingInterval, &cfg.Monitor.PingInterval},
		{fc.Monitor.PongTimeout, &cfg.Monitor.PongTimeout},
		{fc.AutoSyncInterval, &cfg.AutoSyncInterval},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse duration %q: %w", d.raw, err)
		}
		*d.dst = parsed
	}

	cfg.normalize()
	return cfg, nil
}
