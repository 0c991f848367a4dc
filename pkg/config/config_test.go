package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "convertly.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got: %v", err)
	}
}

func TestLoad_AppliesDefaultsForOmittedFields(t *testing.T) {
	path := writeConfig(t, `
database:
  path: orders.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Database.Path != "orders.db" {
		t.Errorf("Expected overridden database path, got %s", cfg.Database.Path)
	}
	if cfg.Polling.InitialInterval != 3*time.Second {
		t.Errorf("Expected default initial interval, got %v", cfg.Polling.InitialInterval)
	}
	if cfg.Polling.BackoffMultiplier != 1.5 {
		t.Errorf("Expected default multiplier, got %v", cfg.Polling.BackoffMultiplier)
	}
	if cfg.Server.ListenAddress == "" {
		t.Error("Expected default listen address")
	}
}

func TestLoad_ParsesFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_address: "0.0.0.0:9999"
  shutdown_timeout: 5s
database:
  path: /tmp/orders.db
provider:
  base_url: "https://pay.example.com"
  timeout: 3s
polling:
  initial_interval: 1s
  max_interval: 8s
  backoff_multiplier: 2.0
  max_attempts: 5
  staleness_threshold: 1m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.ListenAddress != "0.0.0.0:9999" {
		t.Errorf("Unexpected listen address %s", cfg.Server.ListenAddress)
	}
	if cfg.Provider.BaseURL != "https://pay.example.com" {
		t.Errorf("Unexpected provider URL %s", cfg.Provider.BaseURL)
	}
	if cfg.Polling.MaxAttempts != 5 {
		t.Errorf("Expected 5 attempts, got %d", cfg.Polling.MaxAttempts)
	}
	if cfg.Polling.StalenessThreshold != time.Minute {
		t.Errorf("Expected 1m staleness, got %v", cfg.Polling.StalenessThreshold)
	}
}

func TestLoad_RejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected a missing file to be rejected")
	}
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Error("Expected malformed YAML to be rejected")
	}
}

func TestValidate_RejectsBadProviderURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Provider.BaseURL = "not a url"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected an invalid provider URL to be rejected")
	}
}

func TestValidate_RejectsInvertedIntervals(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Polling.InitialInterval = time.Minute
	cfg.Polling.MaxInterval = time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("Expected initial interval above max to be rejected")
	}
}

func TestValidate_RejectsBadListenAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.ListenAddress = "no-port"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected an address without a port to be rejected")
	}
}
