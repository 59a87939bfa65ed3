package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Ansteorra/KMP-sub014/internal/queue"
)

const heartbeatSQL = `
INSERT INTO queue_processes (worker_key, host, pid, started_at, last_heartbeat_at, active_job_id)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (worker_key) DO UPDATE SET
    host              = excluded.host,
    pid               = excluded.pid,
    last_heartbeat_at = excluded.last_heartbeat_at,
    active_job_id     = excluded.active_job_id
RETURNING terminate`

// Heartbeat upserts the process row and returns its terminate flag.
func (s *Store) Heartbeat(ctx context.Context, p queue.Process) (bool, error) {
	var activeJob sql.NullInt64
	if p.ActiveJobID != nil {
		activeJob = sql.NullInt64{Int64: *p.ActiveJobID, Valid: true}
	}
	var terminate bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := millis(s.now())
		return tx.QueryRowContext(ctx, heartbeatSQL, p.WorkerKey, p.Host, p.PID, now, now, activeJob).Scan(&terminate)
	})
	if err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", p.WorkerKey, err)
	}
	return terminate, nil
}

// RequestTerminate asks one worker to exit after its current job.
func (s *Store) RequestTerminate(ctx context.Context, workerKey string) error {
	n, err := s.execCount(ctx, `UPDATE queue_processes SET terminate = 1 WHERE worker_key = ?`, workerKey)
	if err != nil {
		return fmt.Errorf("request terminate %s: %w", workerKey, err)
	}
	if n == 0 {
		return fmt.Errorf("request terminate %s: %w", workerKey, queue.ErrNotFound)
	}
	return nil
}

// RequestTerminateAll asks every registered worker to exit.
func (s *Store) RequestTerminateAll(ctx context.Context) (int64, error) {
	n, err := s.execCount(ctx, `UPDATE queue_processes SET terminate = 1 WHERE terminate = 0`)
	if err != nil {
		return 0, fmt.Errorf("request terminate all: %w", err)
	}
	return n, nil
}

// ListProcesses returns every process row, oldest first.
func (s *Store) ListProcesses(ctx context.Context) ([]queue.Process, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_key, host, pid, started_at, last_heartbeat_at, terminate, active_job_id
		FROM queue_processes ORDER BY started_at, worker_key`)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var procs []queue.Process
	for rows.Next() {
		var (
			p                  queue.Process
			started, heartbeat int64
			activeJob          sql.NullInt64
		)
		if err := rows.Scan(&p.WorkerKey, &p.Host, &p.PID, &started, &heartbeat, &p.Terminate, &activeJob); err != nil {
			return nil, fmt.Errorf("list processes: %w", err)
		}
		p.StartedAt = fromMillis(started)
		p.LastHeartbeatAt = fromMillis(heartbeat)
		if activeJob.Valid {
			id := activeJob.Int64
			p.ActiveJobID = &id
		}
		procs = append(procs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return procs, nil
}

// ListStale returns the keys of workers without a heartbeat within timeout.
func (s *Store) ListStale(ctx context.Context, timeout time.Duration) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_key FROM queue_processes WHERE last_heartbeat_at < ? ORDER BY worker_key`,
		millis(s.now().Add(-timeout)))
	if err != nil {
		return nil, fmt.Errorf("list stale processes: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("list stale processes: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stale processes: %w", err)
	}
	return keys, nil
}

// RemoveProcess deletes a worker's row. Removing an unknown key is not an error.
func (s *Store) RemoveProcess(ctx context.Context, workerKey string) error {
	if _, err := s.execCount(ctx, `DELETE FROM queue_processes WHERE worker_key = ?`, workerKey); err != nil {
		return fmt.Errorf("remove process %s: %w", workerKey, err)
	}
	return nil
}

// CleanupProcesses deletes rows whose last heartbeat is older than olderThan.
func (s *Store) CleanupProcesses(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.execCount(ctx, `DELETE FROM queue_processes WHERE last_heartbeat_at < ?`,
		millis(s.now().Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("cleanup processes: %w", err)
	}
	return n, nil
}
