// Package database opens the configured queue backend and applies the
// embedded schema migrations.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Ansteorra/KMP-sub014/internal/config"
)

// connectAttempts bounds the startup retry loop in NewPool.
const connectAttempts = 10

// NewPool creates and validates a pgxpool from cfg: query exec mode, statement
// timeout and pool sizing.
//
// Retries with linear backoff to ride out container startup races where
// Postgres is not immediately ready.
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "queue"

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) so the timer is released if ctx is
		// cancelled first.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: catches deployments where `queue migrate`
	// has not been run yet.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != ExpectedSchemaVersion {
		slog.Warn("schema version mismatch, run `queue migrate`",
			"applied_version", schemaVersion,
			"expected_version", ExpectedSchemaVersion,
		)
	}

	return db, nil
}

// ExpectedSchemaVersion is the migration version this binary requires.
// Update this constant when new migrations are added.
const ExpectedSchemaVersion = 2
