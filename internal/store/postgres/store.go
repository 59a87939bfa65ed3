// Package postgres implements the queue store on PostgreSQL through a
// pgxpool. Claims use a single UPDATE over a FOR UPDATE SKIP LOCKED subquery
// so concurrent workers never observe the same pending row.
package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Ansteorra/KMP-sub014/internal/queue"
)

// Store is the PostgreSQL queue backend.
type Store struct {
	pool *pgxpool.Pool
	psql sq.StatementBuilderType
}

var _ queue.Store = (*Store)(nil)

// New creates a Store backed by pool. The caller owns pool unless Close is
// called on the Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Pool returns the underlying pgxpool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// withTx runs fn inside a pgx transaction, committing when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
