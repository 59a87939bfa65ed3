// Package sqlite implements the queue store on a SQLite file for single-host
// installs and tests. Writes run in BEGIN IMMEDIATE transactions so that
// worker processes sharing the file serialize on the database write lock.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/Ansteorra/KMP-sub014/internal/queue"
)

// BusyTimeout is how long a connection waits for the write lock held by
// another process before failing with SQLITE_BUSY.
const BusyTimeout = 5 * time.Second

// Store is the SQLite queue backend. Timestamps are stored as unix
// milliseconds taken from the host clock.
type Store struct {
	db  *sql.DB
	sb  sq.StatementBuilderType
	now func() time.Time
}

var _ queue.Store = (*Store)(nil)

// DSN adds the connection parameters the store relies on to a file path.
func DSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("file:%s%s_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate&_foreign_keys=on",
		strings.TrimPrefix(path, "file:"), sep, BusyTimeout.Milliseconds())
}

// Open opens the database file at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return New(db), nil
}

// New wraps an open *sql.DB created with DSN.
func New(db *sql.DB) *Store {
	return &Store{
		db:  db,
		sb:  sq.StatementBuilder.PlaceholderFormat(sq.Question),
		now: time.Now,
	}
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks that the database file is still usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn inside a transaction. The DSN sets _txlock=immediate, so the
// write lock is taken at BEGIN rather than at the first write.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
