package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/Ansteorra/KMP-sub014/internal/config"
	"github.com/Ansteorra/KMP-sub014/internal/store/sqlite"
	"github.com/Ansteorra/KMP-sub014/migrations"
)

// Migrate applies every pending migration for driver against url and returns
// the resulting schema version. url is a Postgres connection string or a
// SQLite file path.
func Migrate(driver, url string) (uint, error) {
	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed for a one-shot run.
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case config.DriverPostgres:
		connCfg, perr := pgx.ParseConfig(url)
		if perr != nil {
			return 0, fmt.Errorf("parse db url: %w", perr)
		}
		// Simple protocol lets postgres run multi-statement migration files.
		connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
		db = stdlib.OpenDB(*connCfg)
	case config.DriverSQLite:
		db, err = sql.Open("sqlite3", sqlite.DSN(url))
		if err != nil {
			return 0, fmt.Errorf("open sqlite: %w", err)
		}
	default:
		return 0, fmt.Errorf("unsupported driver %q", driver)
	}
	defer db.Close() //nolint:errcheck

	return migrateDB(driver, db)
}

func migrateDB(driver string, db *sql.DB) (uint, error) {
	src, err := iofs.New(migrations.FS, driver)
	if err != nil {
		return 0, fmt.Errorf("migration source: %w", err)
	}

	var dbDriver migratedb.Driver
	switch driver {
	case config.DriverPostgres:
		dbDriver, err = migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	case config.DriverSQLite:
		dbDriver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	}
	if err != nil {
		return 0, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, dbDriver)
	if err != nil {
		return 0, fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate up: %w", err)
	}

	version, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("migrate version: %w", err)
	}
	return version, nil
}
