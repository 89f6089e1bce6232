package config

import (
	"strings"
	"testing"
	"time"
)

var allEnvVars = []string{
	"COMMS_URL", "SERVICE_NAME",
	"COORDINATOR_SUBJECT", "HEALTH_EVENT_SUBJECT",
	"REQUEST_TIMEOUT", "BACKEND_TIMEOUT", "CATALOG_FILE",
	"DATABASE_URL", "RUN_MIGRATIONS", "MIGRATION_PATH",
	"COORDINATOR_HTTP_ADDR", "HTTP_PORT", "HEALTH_CHECK_TIMEOUT",
	"CACHE_CAPACITY", "CACHE_DEFAULT_TTL",
	"HEALTH_SWEEP_INTERVAL", "HEALTH_STALENESS",
	"DISPATCH_TICK", "QUEUE_MAX_DEPTH", "COALESCE_REQUESTS",
	"LOG_LEVEL",
}

// clearEnv blanks every variable the config reads; envconfig treats empty as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range allEnvVars {
		t.Setenv(env, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("config:config_test - unexpected error: %v", err)
	}

	if cfg.COMMSURL != "nats://127.0.0.1:4222" {
		t.Errorf("config:config_test - COMMSURL = %q, want %q", cfg.COMMSURL, "nats://127.0.0.1:4222")
	}
	if cfg.COMMSName != "analysis-coordinator" {
		t.Errorf("config:config_test - COMMSName = %q, want %q", cfg.COMMSName, "analysis-coordinator")
	}
	if cfg.CoordinatorSubject != "" || cfg.HealthEventSubject != "" {
		t.Errorf("config:config_test - subject overrides should default to empty")
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("config:config_test - RequestTimeout = %v, want 30s", cfg.RequestTimeout)
	}
	if cfg.BackendTimeout != 10*time.Second {
		t.Errorf("config:config_test - BackendTimeout = %v, want 10s", cfg.BackendTimeout)
	}
	if cfg.DatabaseURL != "" || cfg.JournalEnabled() {
		t.Errorf("config:config_test - journal should be disabled by default")
	}
	if cfg.RunMigrations {
		t.Error("config:config_test - expected RunMigrations=false by default")
	}
	if cfg.MigrationPath != "migrations" {
		t.Errorf("config:config_test - MigrationPath = %q, want %q", cfg.MigrationPath, "migrations")
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("config:config_test - HTTPPort = %d, want 8080", cfg.HTTPPort)
	}
	if cfg.HealthCheckTimeout != 5*time.Second {
		t.Errorf("config:config_test - HealthCheckTimeout = %v, want 5s", cfg.HealthCheckTimeout)
	}
	if cfg.CacheCapacity != 1000 || cfg.CacheDefaultTTL != 5*time.Minute {
		t.Errorf("config:config_test - cache defaults = %d / %v", cfg.CacheCapacity, cfg.CacheDefaultTTL)
	}
	if cfg.HealthSweepInterval != time.Minute || cfg.HealthStaleness != 10*time.Minute {
		t.Errorf("config:config_test - health defaults = %v / %v", cfg.HealthSweepInterval, cfg.HealthStaleness)
	}
	if cfg.DispatchTick != 250*time.Millisecond || cfg.QueueMaxDepth != 500 {
		t.Errorf("config:config_test - queue defaults = %v / %d", cfg.DispatchTick, cfg.QueueMaxDepth)
	}
	if !cfg.CoalesceRequests {
		t.Error("config:config_test - expected CoalesceRequests=true by default")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("config:config_test - LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.ValidateForServe(); err != nil {
		t.Errorf("config:config_test - defaults should validate for serve: %v", err)
	}
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	overrides := map[string]string{
		"COMMS_URL":             "nats://custom:4222",
		"SERVICE_NAME":          "test-coordinator",
		"COORDINATOR_SUBJECT":   "custom.coordinator",
		"HEALTH_EVENT_SUBJECT":  "custom.health",
		"REQUEST_TIMEOUT":       "10s",
		"BACKEND_TIMEOUT":       "2s",
		"CATALOG_FILE":          "/tmp/catalog.json",
		"DATABASE_URL":          "postgres://test@localhost/test",
		"RUN_MIGRATIONS":        "true",
		"MIGRATION_PATH":        "/tmp/migrations",
		"HTTP_PORT":             "9090",
		"CACHE_CAPACITY":        "64",
		"CACHE_DEFAULT_TTL":     "30s",
		"HEALTH_SWEEP_INTERVAL": "5s",
		"DISPATCH_TICK":         "50ms",
		"QUEUE_MAX_DEPTH":       "10",
		"COALESCE_REQUESTS":     "false",
		"LOG_LEVEL":             "debug",
	}
	for key, val := range overrides {
		t.Setenv(key, val)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("config:config_test - unexpected error: %v", err)
	}

	if cfg.COMMSURL != "nats://custom:4222" || cfg.COMMSName != "test-coordinator" {
		t.Errorf("config:config_test - COMMS overrides not applied: %q %q", cfg.COMMSURL, cfg.COMMSName)
	}
	if cfg.CoordinatorSubject != "custom.coordinator" || cfg.HealthEventSubject != "custom.health" {
		t.Errorf("config:config_test - subject overrides not applied")
	}
	if cfg.RequestTimeout != 10*time.Second || cfg.BackendTimeout != 2*time.Second {
		t.Errorf("config:config_test - timeouts = %v / %v", cfg.RequestTimeout, cfg.BackendTimeout)
	}
	if cfg.CatalogFile != "/tmp/catalog.json" {
		t.Errorf("config:config_test - CatalogFile = %q", cfg.CatalogFile)
	}
	if !cfg.JournalEnabled() || !cfg.RunMigrations || cfg.MigrationPath != "/tmp/migrations" {
		t.Errorf("config:config_test - journal overrides not applied")
	}
	if cfg.HTTPPort != 9090 {
		t.Errorf("config:config_test - HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.CacheCapacity != 64 || cfg.CacheDefaultTTL != 30*time.Second {
		t.Errorf("config:config_test - cache overrides = %d / %v", cfg.CacheCapacity, cfg.CacheDefaultTTL)
	}
	if cfg.HealthSweepInterval != 5*time.Second {
		t.Errorf("config:config_test - HealthSweepInterval = %v", cfg.HealthSweepInterval)
	}
	if cfg.DispatchTick != 50*time.Millisecond || cfg.QueueMaxDepth != 10 {
		t.Errorf("config:config_test - queue overrides = %v / %d", cfg.DispatchTick, cfg.QueueMaxDepth)
	}
	if cfg.CoalesceRequests {
		t.Error("config:config_test - expected CoalesceRequests=false")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("config:config_test - LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadConfig_InvalidValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("CACHE_CAPACITY", "lots")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("config:config_test - expected error for non-numeric CACHE_CAPACITY")
	}
}

func TestValidateForServe(t *testing.T) {
	valid := func() *Config {
		return &Config{
			COMMSURL:            "nats://127.0.0.1:4222",
			RequestTimeout:      time.Second,
			BackendTimeout:      time.Second,
			HealthCheckTimeout:  time.Second,
			CacheCapacity:       10,
			CacheDefaultTTL:     time.Minute,
			HealthSweepInterval: time.Minute,
			HealthStaleness:     time.Minute,
			DispatchTick:        time.Millisecond,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing comms url", func(c *Config) { c.COMMSURL = "" }, "COMMS_URL"},
		{"zero request timeout", func(c *Config) { c.RequestTimeout = 0 }, "REQUEST_TIMEOUT"},
		{"negative backend timeout", func(c *Config) { c.BackendTimeout = -time.Second }, "BACKEND_TIMEOUT"},
		{"zero dispatch tick", func(c *Config) { c.DispatchTick = 0 }, "DISPATCH_TICK"},
		{"zero cache capacity", func(c *Config) { c.CacheCapacity = 0 }, "CACHE_CAPACITY"},
		{"negative queue depth", func(c *Config) { c.QueueMaxDepth = -1 }, "QUEUE_MAX_DEPTH"},
		{"migrations without database", func(c *Config) { c.RunMigrations = true }, "RUN_MIGRATIONS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.ValidateForServe()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("config:config_test - unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("config:config_test - error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestValidateForDB(t *testing.T) {
	if err := (&Config{}).ValidateForDB(); err == nil {
		t.Error("config:config_test - expected error without DATABASE_URL")
	}
	if err := (&Config{DatabaseURL: "postgres://localhost/coordinator"}).ValidateForDB(); err != nil {
		t.Errorf("config:config_test - unexpected error: %v", err)
	}
}
