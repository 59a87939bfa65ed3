// ABOUTME: Tests for environment-driven configuration loading and validation.
package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/queue")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseDriver != DriverPostgres {
		t.Errorf("DatabaseDriver = %q, want postgres", cfg.DatabaseDriver)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.PollInterval)
	}
	if cfg.DefaultMaxRetries != 2 {
		t.Errorf("DefaultMaxRetries = %d, want 2", cfg.DefaultMaxRetries)
	}
	if cfg.WorkerMaxRuntime != 0 {
		t.Errorf("WorkerMaxRuntime = %v, want 0", cfg.WorkerMaxRuntime)
	}
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}
}

func TestLoad_SQLite(t *testing.T) {
	t.Setenv("DATABASE_URL", "/tmp/queue.db")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("QUEUE_WORKER_TIMEOUT", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseDriver != DriverSQLite || cfg.WorkerTimeout != 30*time.Second {
		t.Errorf("driver=%q timeout=%v", cfg.DatabaseDriver, cfg.WorkerTimeout)
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		DatabaseDriver: DriverPostgres,
		PollInterval:   time.Second,
		WorkerTimeout:  time.Minute,
		BackoffBase:    30 * time.Second,
		BackoffMax:     time.Hour,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"unknown driver", func(c *Config) { c.DatabaseDriver = "mysql" }, true},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, true},
		{"zero worker timeout", func(c *Config) { c.WorkerTimeout = 0 }, true},
		{"negative retries", func(c *Config) { c.DefaultMaxRetries = -1 }, true},
		{"zero backoff base", func(c *Config) { c.BackoffBase = 0 }, false},
		{"negative backoff base", func(c *Config) { c.BackoffBase = -time.Second }, true},
		{"zero backoff max", func(c *Config) { c.BackoffMax = 0 }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
