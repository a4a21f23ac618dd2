package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the user export service.
type Config struct {
	// Service identity
	ServiceName string `envconfig:"SERVICE_NAME" default:"user-export-service"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// HTTP server
	HTTPPort int `envconfig:"HTTP_PORT" default:"8086"`

	// Database
	DatabaseURL      string `envconfig:"DATABASE_URL" required:"true"`
	DatabaseMaxConns int    `envconfig:"DATABASE_MAX_CONNS" default:"20"`

	// Export pipeline
	ExportStoragePath  string        `envconfig:"EXPORT_STORAGE_PATH" default:"/tmp/exports"`
	ExportBatchSize    int           `envconfig:"EXPORT_BATCH_SIZE" default:"1000"`
	ExportMaxActive    int           `envconfig:"EXPORT_MAX_ACTIVE_JOBS" default:"5"`
	ExportCleanupGrace time.Duration `envconfig:"EXPORT_CLEANUP_GRACE" default:"500ms"`

	// Redis (optional status snapshot cache)
	RedisURL       string        `envconfig:"REDIS_URL"`
	StatusCacheTTL time.Duration `envconfig:"STATUS_CACHE_TTL" default:"10m"`

	// S3-compatible object storage (optional artifact delivery)
	S3Endpoint         string        `envconfig:"S3_ENDPOINT"`
	S3AccessKey        string        `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey        string        `envconfig:"S3_SECRET_KEY"`
	S3Bucket           string        `envconfig:"S3_BUCKET" default:"exports"`
	S3Region           string        `envconfig:"S3_REGION" default:"us-east-1"`
	ExportSignedURLTTL time.Duration `envconfig:"EXPORT_SIGNED_URL_TTL" default:"24h"`

	// Observability
	TelemetryEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TelemetryProtocol string `envconfig:"OTEL_EXPORTER_OTLP_PROTOCOL" default:"grpc"`
	TelemetryInsecure bool   `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
	LogLevel          string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad loads configuration and panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DatabaseMaxConns <= 0 {
		return fmt.Errorf("DATABASE_MAX_CONNS must be positive, got %d", c.DatabaseMaxConns)
	}
	if c.ExportStoragePath == "" {
		return fmt.Errorf("EXPORT_STORAGE_PATH is required")
	}
	if c.ExportBatchSize <= 0 {
		return fmt.Errorf("EXPORT_BATCH_SIZE must be positive, got %d", c.ExportBatchSize)
	}
	if c.ExportMaxActive <= 0 {
		return fmt.Errorf("EXPORT_MAX_ACTIVE_JOBS must be positive, got %d", c.ExportMaxActive)
	}
	if c.ExportCleanupGrace < 0 {
		return fmt.Errorf("EXPORT_CLEANUP_GRACE must not be negative, got %s", c.ExportCleanupGrace)
	}
	return nil
}
