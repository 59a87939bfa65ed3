// ABOUTME: Test helper that starts a Postgres testcontainer with all migrations applied.
// ABOUTME: Use NewPostgresStore(t) in integration tests that need a real database.
package testutil

import (
	"context"
	"testing"
	"time"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/Ansteorra/KMP-sub014/internal/config"
	"github.com/Ansteorra/KMP-sub014/internal/database"
	"github.com/Ansteorra/KMP-sub014/internal/store/postgres"
)

// NewPostgresURL starts a Postgres testcontainer, runs all migrations, and
// returns its connection string. The container is terminated via t.Cleanup.
// Skipped under -short.
func NewPostgresURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in -short mode")
	}
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:18-alpine",
		tcpostgres.WithDatabase("queue_test"),
		tcpostgres.WithUsername("queue_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	if _, err := database.Migrate(config.DriverPostgres, connStr); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return connStr
}

// NewPostgresStore returns a Store on a fresh migrated container.
func NewPostgresStore(t *testing.T) *postgres.Store {
	t.Helper()
	return NewPostgresStoreAt(t, NewPostgresURL(t))
}

// NewPostgresStoreAt opens a pool on connStr the way the CLI does, in
// simple protocol mode with the production statement timeout, and returns a
// Store over it. The pool is closed via t.Cleanup.
func NewPostgresStoreAt(t *testing.T, connStr string) *postgres.Store {
	t.Helper()
	pool, err := database.NewPool(context.Background(), &config.Config{
		DatabaseDriver:       config.DriverPostgres,
		DatabaseURL:          connStr,
		DBQueryExecMode:      "simple_protocol",
		DBStatementTimeoutMS: 14000,
		DBMaxConns:           10,
		DBMaxConnIdleTime:    5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return postgres.New(pool)
}
