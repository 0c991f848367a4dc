package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/convertly/convertly/pkg/telemetry"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server" validate:"required"`
	Database  DatabaseConfig   `yaml:"database" validate:"required"`
	Provider  ProviderConfig   `yaml:"provider" validate:"required"`
	Polling   PollingConfig    `yaml:"polling" validate:"required"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address" validate:"required,hostname_port"`
	MetricsAddress  string        `yaml:"metrics_address" validate:"omitempty,hostname_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
}

// DatabaseConfig holds the SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// ProviderConfig holds the external payment provider settings.
type ProviderConfig struct {
	BaseURL string        `yaml:"base_url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`
}

// PollingConfig holds the status polling and reconciliation tunables.
type PollingConfig struct {
	InitialInterval    time.Duration `yaml:"initial_interval" validate:"min=0"`
	MaxInterval        time.Duration `yaml:"max_interval" validate:"min=0"`
	BackoffMultiplier  float64       `yaml:"backoff_multiplier" validate:"omitempty,gte=1"`
	MaxAttempts        int           `yaml:"max_attempts" validate:"min=0"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold" validate:"min=0"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   "127.0.0.1:8080",
			MetricsAddress:  "127.0.0.1:9090",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "convertly.db",
		},
		Provider: ProviderConfig{
			BaseURL: "http://127.0.0.1:8181",
			Timeout: 10 * time.Second,
		},
		Polling: PollingConfig{
			InitialInterval:    3 * time.Second,
			MaxInterval:        30 * time.Second,
			BackoffMultiplier:  1.5,
			MaxAttempts:        20,
			StalenessThreshold: 5 * time.Minute,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads a YAML configuration file, applies defaults for omitted
// fields, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration against its struct tags plus the
// cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Polling.MaxInterval > 0 && c.Polling.InitialInterval > c.Polling.MaxInterval {
		return fmt.Errorf("invalid configuration: polling.initial_interval %s exceeds polling.max_interval %s",
			c.Polling.InitialInterval, c.Polling.MaxInterval)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}
