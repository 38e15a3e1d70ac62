package driftsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.Base != 500*time.Millisecond {
		t.Errorf("Base = %v, want 500ms", cfg.Retry.Base)
	}
	if cfg.Queue.DrainWorkers != 4 {
		t.Errorf("DrainWorkers = %d, want 4", cfg.Queue.DrainWorkers)
	}
	if !cfg.Queue.CompressPayloads {
		t.Error("CompressPayloads should default to true")
	}
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{}
	cfg.normalize()
	def := DefaultConfig()
	if cfg.Retry.MaxAttempts != def.Retry.MaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", cfg.Retry.MaxAttempts, def.Retry.MaxAttempts)
	}
	if cfg.Gateway.Timeout != def.Gateway.Timeout {
		t.Errorf("Timeout = %v, want %v", cfg.Gateway.Timeout, def.Gateway.Timeout)
	}
	if cfg.NodeID == "" {
		t.Error("NodeID not defaulted")
	}

	t.Run("InvalidJitterReset", func(t *testing.T) {
		cfg := Config{Retry: RetryConfig{Jitter: 3.5}}
		cfg.normalize()
		if cfg.Retry.Jitter != 0 {
			t.Errorf("Jitter = %v, want 0", cfg.Retry.Jitter)
		}
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("ValidFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "driftsync.yaml")
		content := `
node_id: tablet-7
retry:
  base: 250ms
  max_delay: 30s
  max_attempts: 5
gateway:
  endpoint: https://sync.example.com/api
  auth:
    type: bearer
    bearer_token: tok-123
auto_sync_interval: 2m
`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.NodeID != "tablet-7" {
			t.Errorf("NodeID = %q", cfg.NodeID)
		}
		if cfg.Retry.Base != 250*time.Millisecond || cfg.Retry.MaxAttempts != 5 {
			t.Errorf("Retry = %+v", cfg.Retry)
		}
		if cfg.Gateway.Endpoint != "https://sync.example.com/api" {
			t.Errorf("Endpoint = %q", cfg.Gateway.Endpoint)
		}
		if cfg.Gateway.Auth == nil || cfg.Gateway.Auth.Type != "bearer" || cfg.Gateway.Auth.BearerToken != "tok-123" {
			t.Errorf("Auth = %+v", cfg.Gateway.Auth)
		}
		if cfg.AutoSyncInterval != 2*time.Minute {
			t.Errorf("AutoSyncInterval = %v", cfg.AutoSyncInterval)
		}
		// Omitted values keep their defaults.
		if cfg.Queue.DrainWorkers != 4 {
			t.Errorf("DrainWorkers = %d, want default 4", cfg.Queue.DrainWorkers)
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := LoadConfig("/nonexistent/driftsync.yaml"); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("BadDuration", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		os.WriteFile(path, []byte("retry:\n  base: soon\n"), 0o600)
		if _, err := LoadConfig(path); err == nil {
			t.Error("expected error for unparseable duration")
		}
	})

	t.Run("MalformedYAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		os.WriteFile(path, []byte("retry: [not a map"), 0o600)
		if _, err := LoadConfig(path); err == nil {
			t.Error("expected error for malformed YAML")
		}
	})
}
