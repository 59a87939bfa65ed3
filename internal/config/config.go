// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// Commands exit if any field tagged "required" is missing.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Database drivers accepted in DATABASE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	// DatabaseDriver selects the backend: "postgres" or "sqlite". For sqlite,
	// DatabaseURL is the path of the database file.
	DatabaseDriver       string        `env:"DATABASE_DRIVER"         envDefault:"postgres"`
	DatabaseURL          string        `env:"DATABASE_URL,required,notEmpty"`
	DatabaseURLMigrate   string        `env:"DATABASE_URL_MIGRATE"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"10"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Application ──────────────────────────────────────────────────────────────
	AppEnv string `env:"APP_ENV" envDefault:"production"`

	// ── Queue ────────────────────────────────────────────────────────────────────
	PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"2s"`
	// WorkerTimeout is the heartbeat age after which a worker counts as dead
	// and its claimed jobs are reclaimed.
	WorkerTimeout      time.Duration `env:"QUEUE_WORKER_TIMEOUT"       envDefault:"10m"`
	ReclaimInterval    time.Duration `env:"QUEUE_RECLAIM_INTERVAL"     envDefault:"1m"`
	DefaultTaskTimeout time.Duration `env:"QUEUE_DEFAULT_TASK_TIMEOUT" envDefault:"5m"`
	DefaultMaxRetries  int           `env:"QUEUE_DEFAULT_MAX_RETRIES"  envDefault:"2"`
	DefaultPriority    int           `env:"QUEUE_DEFAULT_PRIORITY"     envDefault:"5"`
	BackoffBase        time.Duration `env:"QUEUE_BACKOFF_BASE"         envDefault:"30s"`
	BackoffMax         time.Duration `env:"QUEUE_BACKOFF_MAX"          envDefault:"1h"`
	BackoffJitter      bool          `env:"QUEUE_BACKOFF_JITTER"       envDefault:"true"`
	// WorkerMaxRuntime stops a worker after this long; 0 runs until terminated.
	WorkerMaxRuntime time.Duration `env:"QUEUE_WORKER_MAX_RUNTIME" envDefault:"0"`
	CleanupHorizon   time.Duration `env:"QUEUE_CLEANUP_HORIZON"    envDefault:"720h"`
	// ServerName overrides the host name recorded in process rows.
	ServerName string `env:"QUEUE_SERVER_NAME"`

	// ── Observability ────────────────────────────────────────────────────────────
	// MetricsAddr enables the worker's /metrics and /healthz listener when set.
	MetricsAddr string `env:"METRICS_ADDR"`

	// ── Email SMTP ───────────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"1025"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"queue@localhost"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"  envDefault:"false"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing or a value is invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("DATABASE_DRIVER: unsupported driver %q", c.DatabaseDriver)
	}
	if c.PollInterval <= 0 {
		return errors.New("QUEUE_POLL_INTERVAL must be positive")
	}
	if c.WorkerTimeout <= 0 {
		return errors.New("QUEUE_WORKER_TIMEOUT must be positive")
	}
	if c.DefaultMaxRetries < 0 {
		return errors.New("QUEUE_DEFAULT_MAX_RETRIES must not be negative")
	}
	// A zero base retries immediately.
	if c.BackoffBase < 0 {
		return errors.New("QUEUE_BACKOFF_BASE must not be negative")
	}
	if c.BackoffMax <= 0 {
		return errors.New("QUEUE_BACKOFF_MAX must be positive")
	}
	return nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
