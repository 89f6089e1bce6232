// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds analysis-coordinator configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"analysis-coordinator"`

	// Subject overrides (empty = commsutil defaults)
	CoordinatorSubject string `envconfig:"COORDINATOR_SUBJECT"`
	HealthEventSubject string `envconfig:"HEALTH_EVENT_SUBJECT"`

	// Timeouts
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	BackendTimeout time.Duration `envconfig:"BACKEND_TIMEOUT" default:"10s"`

	// Backend catalog
	CatalogFile string `envconfig:"CATALOG_FILE"`

	// Outcome journal (empty DATABASE_URL disables it)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP status endpoint (COORDINATOR_HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"COORDINATOR_HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Response cache
	CacheCapacity   int           `envconfig:"CACHE_CAPACITY" default:"1000"`
	CacheDefaultTTL time.Duration `envconfig:"CACHE_DEFAULT_TTL" default:"5m"`

	// Backend health
	HealthSweepInterval time.Duration `envconfig:"HEALTH_SWEEP_INTERVAL" default:"1m"`
	HealthStaleness     time.Duration `envconfig:"HEALTH_STALENESS" default:"10m"`

	// Deferred queue
	DispatchTick  time.Duration `envconfig:"DISPATCH_TICK" default:"250ms"`
	QueueMaxDepth int           `envconfig:"QUEUE_MAX_DEPTH" default:"500"`

	CoalesceRequests bool `envconfig:"COALESCE_REQUESTS" default:"true"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	return &c, nil
}

// JournalEnabled reports whether outcomes are written to Postgres.
func (c *Config) JournalEnabled() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

// ValidateForServe checks required config when running the coordinator server.
func (c *Config) ValidateForServe() error {
	if c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required for serve", logPrefix)
	}
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"REQUEST_TIMEOUT", c.RequestTimeout},
		{"BACKEND_TIMEOUT", c.BackendTimeout},
		{"HEALTH_CHECK_TIMEOUT", c.HealthCheckTimeout},
		{"CACHE_DEFAULT_TTL", c.CacheDefaultTTL},
		{"HEALTH_SWEEP_INTERVAL", c.HealthSweepInterval},
		{"HEALTH_STALENESS", c.HealthStaleness},
		{"DISPATCH_TICK", c.DispatchTick},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s - %s must be positive", logPrefix, p.name)
		}
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("%s - CACHE_CAPACITY must be positive", logPrefix)
	}
	if c.QueueMaxDepth < 0 {
		return fmt.Errorf("%s - QUEUE_MAX_DEPTH must not be negative", logPrefix)
	}
	if c.RunMigrations && !c.JournalEnabled() {
		return fmt.Errorf("%s - RUN_MIGRATIONS requires DATABASE_URL", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear).
func (c *Config) ValidateForDB() error {
	if !c.JournalEnabled() {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}
