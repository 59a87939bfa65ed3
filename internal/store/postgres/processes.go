package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Ansteorra/KMP-sub014/internal/queue"
)

// heartbeatSQL registers or refreshes a worker and reads its terminate flag
// in the same statement. started_at is kept from the first insert.
const heartbeatSQL = `
INSERT INTO queue_processes (worker_key, host, pid, started_at, last_heartbeat_at, active_job_id)
VALUES ($1, $2, $3, now(), now(), $4)
ON CONFLICT (worker_key) DO UPDATE SET
    host              = EXCLUDED.host,
    pid               = EXCLUDED.pid,
    last_heartbeat_at = now(),
    active_job_id     = EXCLUDED.active_job_id
RETURNING terminate`

const processColumns = `worker_key, host, pid, started_at, last_heartbeat_at, terminate, active_job_id`

// Heartbeat upserts the process row and returns its terminate flag.
func (s *Store) Heartbeat(ctx context.Context, p queue.Process) (bool, error) {
	var terminate bool
	err := s.pool.QueryRow(ctx, heartbeatSQL, p.WorkerKey, p.Host, p.PID, p.ActiveJobID).Scan(&terminate)
	if err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", p.WorkerKey, err)
	}
	return terminate, nil
}

// RequestTerminate asks one worker to exit after its current job.
func (s *Store) RequestTerminate(ctx context.Context, workerKey string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE queue_processes SET terminate = true WHERE worker_key = $1`, workerKey)
	if err != nil {
		return fmt.Errorf("request terminate %s: %w", workerKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("request terminate %s: %w", workerKey, queue.ErrNotFound)
	}
	return nil
}

// RequestTerminateAll asks every registered worker to exit.
func (s *Store) RequestTerminateAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE queue_processes SET terminate = true WHERE NOT terminate`)
	if err != nil {
		return 0, fmt.Errorf("request terminate all: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListProcesses returns every process row, oldest first.
func (s *Store) ListProcesses(ctx context.Context) ([]queue.Process, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+processColumns+` FROM queue_processes ORDER BY started_at, worker_key`)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	procs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (queue.Process, error) {
		var p queue.Process
		err := row.Scan(&p.WorkerKey, &p.Host, &p.PID, &p.StartedAt, &p.LastHeartbeatAt, &p.Terminate, &p.ActiveJobID)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return procs, nil
}

// ListStale returns the keys of workers without a heartbeat within timeout.
func (s *Store) ListStale(ctx context.Context, timeout time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT worker_key FROM queue_processes
		WHERE last_heartbeat_at < now() - ($1::bigint * interval '1 millisecond')
		ORDER BY worker_key`, timeout.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("list stale processes: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list stale processes: %w", err)
	}
	return keys, nil
}

// RemoveProcess deletes a worker's row. Removing an unknown key is not an error.
func (s *Store) RemoveProcess(ctx context.Context, workerKey string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM queue_processes WHERE worker_key = $1`, workerKey); err != nil {
		return fmt.Errorf("remove process %s: %w", workerKey, err)
	}
	return nil
}

// CleanupProcesses deletes rows whose last heartbeat is older than olderThan.
func (s *Store) CleanupProcesses(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM queue_processes
		WHERE last_heartbeat_at < now() - ($1::bigint * interval '1 millisecond')`, olderThan.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup processes: %w", err)
	}
	return tag.RowsAffected(), nil
}
