package database

import (
	"context"
	"fmt"

	"github.com/Ansteorra/KMP-sub014/internal/config"
	"github.com/Ansteorra/KMP-sub014/internal/queue"
	"github.com/Ansteorra/KMP-sub014/internal/store/postgres"
	"github.com/Ansteorra/KMP-sub014/internal/store/sqlite"
)

// Open returns the queue store selected by cfg.DatabaseDriver. The caller
// must Close it.
func Open(ctx context.Context, cfg *config.Config) (queue.Store, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return postgres.New(pool), nil
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.DatabaseDriver)
	}
}
