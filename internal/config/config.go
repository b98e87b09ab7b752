// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds the full service configuration.
type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	PostgresDSN   string `envconfig:"POSTGRES_DSN"`
	ClickHouseDSN string `envconfig:"CLICKHOUSE_DSN"`

	KafkaBrokers string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string `envconfig:"KAFKA_TOPIC" default:"token.price-updates"`

	OracleURL     string        `envconfig:"ORACLE_URL"`
	OracleTimeout time.Duration `envconfig:"ORACLE_TIMEOUT" default:"10s"`

	BatchSize   int `envconfig:"BATCH_SIZE" default:"100"`
	Concurrency int `envconfig:"CONCURRENCY" default:"10"`

	Retries           int           `envconfig:"RETRIES" default:"3"`
	RetryInitialDelay time.Duration `envconfig:"RETRY_INITIAL_DELAY" default:"150ms"`
	RetryFactor       float64       `envconfig:"RETRY_FACTOR" default:"2"`

	UpdateInterval time.Duration `envconfig:"UPDATE_INTERVAL" default:"5m"`
}

// Option mutates a Config during Load.
type Option func(*Config) error

// WithEnvFile loads environment variables from a .env file before the
// environment is processed. A missing file is an error.
func WithEnvFile(path string) Option {
	return func(*Config) error {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
}

// Load reads configuration from the environment and validates it.
func Load(opts ...Option) (*Config, error) {
	var cfg Config

	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("CONCURRENCY must be positive, got %d", c.Concurrency)
	}
	if c.Retries < 0 {
		return fmt.Errorf("RETRIES must not be negative, got %d", c.Retries)
	}
	if c.RetryFactor < 1 {
		return fmt.Errorf("RETRY_FACTOR must be at least 1, got %g", c.RetryFactor)
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("UPDATE_INTERVAL must be positive, got %s", c.UpdateInterval)
	}
	if c.OracleURL != "" {
		if _, err := url.ParseRequestURI(c.OracleURL); err != nil {
			return fmt.Errorf("invalid ORACLE_URL %q: %w", c.OracleURL, err)
		}
	}
	return nil
}
