package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/Ansteorra/KMP-sub014/internal/queue"
)

const jobColumns = `id, task_name, payload, status, priority, not_before, attempts, max_retries,
	worker_key, claimed_at, completed_at, last_error, job_group, reference, created_at, updated_at`

const insertJobSQL = `
INSERT INTO queue_jobs (task_name, payload, priority, not_before, max_retries, job_group, reference, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// claimNextSQL is one UPDATE over the head of the eligible pending set. It
// runs inside an IMMEDIATE transaction, so no other writer can interleave.
const claimNextSQL = `
UPDATE queue_jobs
SET status = 'claimed', worker_key = ?, claimed_at = ?, attempts = attempts + 1, updated_at = ?
WHERE id = (
    SELECT id FROM queue_jobs
    WHERE status = 'pending' AND not_before <= ?
    ORDER BY priority, id
    LIMIT 1
)
RETURNING ` + jobColumns

const markRunningSQL = `
UPDATE queue_jobs SET status = 'running', updated_at = ?
WHERE id = ? AND worker_key = ? AND status = 'claimed'`

const markCompletedSQL = `
UPDATE queue_jobs SET status = 'completed', completed_at = ?, last_error = NULL, updated_at = ?
WHERE id = ? AND worker_key = ? AND status IN ('claimed', 'running')`

// markFailedSQL: attempts was incremented at claim time, so
// attempts <= max_retries means a retry is left.
const markFailedSQL = `
UPDATE queue_jobs
SET status       = CASE WHEN attempts <= max_retries THEN 'pending' ELSE 'failed_final' END,
    not_before   = CASE WHEN attempts <= max_retries THEN ? ELSE not_before END,
    worker_key   = CASE WHEN attempts <= max_retries THEN NULL ELSE worker_key END,
    claimed_at   = CASE WHEN attempts <= max_retries THEN NULL ELSE claimed_at END,
    completed_at = CASE WHEN attempts <= max_retries THEN NULL ELSE ? END,
    last_error   = ?,
    updated_at   = ?
WHERE id = ? AND worker_key = ? AND status IN ('claimed', 'running')
RETURNING status`

const reclaimStaleSQL = `
UPDATE queue_jobs
SET status = 'pending', worker_key = NULL, claimed_at = NULL, updated_at = ?
WHERE status IN ('claimed', 'running')
  AND claimed_at < ?
  AND NOT EXISTS (
      SELECT 1 FROM queue_processes p
      WHERE p.worker_key = queue_jobs.worker_key
        AND p.last_heartbeat_at >= ?
  )`

const releaseJobSQL = `
UPDATE queue_jobs SET status = 'pending', worker_key = NULL, claimed_at = NULL, updated_at = ?
WHERE id = ? AND worker_key = ? AND status IN ('claimed', 'running')`

// failedWhere matches terminal failures and pending jobs waiting out a retry
// after a recorded failure.
const failedWhere = ` WHERE status IN ('failed', 'failed_final')
   OR (status = 'pending' AND attempts > 0 AND last_error IS NOT NULL)`

const resetSetClause = `
SET status = 'pending', attempts = 0, worker_key = NULL, claimed_at = NULL,
    completed_at = NULL, last_error = NULL, not_before = ?, updated_at = ?`

// InsertJob adds a pending job and returns its id.
func (s *Store) InsertJob(ctx context.Context, job queue.NewJob) (int64, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return 0, fmt.Errorf("insert job: encode payload: %w", err)
	}
	now := s.now()
	notBefore := now
	if job.NotBefore != nil {
		notBefore = *job.NotBefore
	}

	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, insertJobSQL,
			job.TaskName,
			string(payload),
			job.Priority,
			millis(notBefore),
			job.MaxRetries,
			nullString(job.Group),
			nullString(job.Reference),
			millis(now),
			millis(now),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// ClaimNext claims one eligible job for workerKey. Returns (nil, nil) when
// no job is available.
func (s *Store) ClaimNext(ctx context.Context, workerKey string) (*queue.Job, error) {
	var job *queue.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := millis(s.now())
		var err error
		job, err = scanJob(tx.QueryRowContext(ctx, claimNextSQL, workerKey, now, now, now))
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// MarkRunning moves a claimed job to running. A job already running under
// workerKey is left as is.
func (s *Store) MarkRunning(ctx context.Context, id int64, workerKey string) error {
	err := s.transition(ctx, id, workerKey, queue.StatusRunning, func(tx *sql.Tx, now int64) (sql.Result, error) {
		return tx.ExecContext(ctx, markRunningSQL, now, id, workerKey)
	})
	if err != nil {
		return fmt.Errorf("mark job %d running: %w", id, err)
	}
	return nil
}

// MarkCompleted moves a claimed or running job to completed. A job already
// completed by workerKey is left as is.
func (s *Store) MarkCompleted(ctx context.Context, id int64, workerKey string) error {
	err := s.transition(ctx, id, workerKey, queue.StatusCompleted, func(tx *sql.Tx, now int64) (sql.Result, error) {
		return tx.ExecContext(ctx, markCompletedSQL, now, now, id, workerKey)
	})
	if err != nil {
		return fmt.Errorf("mark job %d completed: %w", id, err)
	}
	return nil
}

func (s *Store) transition(ctx context.Context, id int64, workerKey string, doneStatus queue.Status, exec func(*sql.Tx, int64) (sql.Result, error)) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := exec(tx, millis(s.now()))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
		return diagnose(ctx, tx, id, workerKey, doneStatus)
	})
}

// diagnose explains why a guarded update matched no row.
func diagnose(ctx context.Context, tx *sql.Tx, id int64, workerKey string, doneStatus queue.Status) error {
	var (
		status string
		owner  sql.NullString
	)
	err := tx.QueryRowContext(ctx, `SELECT status, worker_key FROM queue_jobs WHERE id = ?`, id).Scan(&status, &owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.ErrNotFound
		}
		return err
	}
	if doneStatus != "" && queue.Status(status) == doneStatus && owner.Valid && owner.String == workerKey {
		return nil
	}
	return queue.ErrClaimMismatch
}

// MarkFailed records a failed attempt and returns the resulting status.
func (s *Store) MarkFailed(ctx context.Context, id int64, workerKey, lastError string, retryDelay time.Duration) (queue.Status, error) {
	var status string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		err := tx.QueryRowContext(ctx, markFailedSQL,
			millis(now.Add(retryDelay)),
			millis(now),
			lastError,
			millis(now),
			id,
			workerKey,
		).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return diagnose(ctx, tx, id, workerKey, "")
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("mark job %d failed: %w", id, err)
	}
	return queue.Status(status), nil
}

// ReclaimStale returns abandoned claims to pending.
func (s *Store) ReclaimStale(ctx context.Context, workerTimeout time.Duration) (int64, error) {
	now := s.now()
	cutoff := millis(now.Add(-workerTimeout))
	n, err := s.execCount(ctx, reclaimStaleSQL, millis(now), cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return n, nil
}

// ReleaseJob returns a job held by workerKey to pending with attempts
// unchanged.
func (s *Store) ReleaseJob(ctx context.Context, id int64, workerKey string) error {
	err := s.transition(ctx, id, workerKey, "", func(tx *sql.Tx, now int64) (sql.Result, error) {
		return tx.ExecContext(ctx, releaseJobSQL, now, id, workerKey)
	})
	if err != nil {
		return fmt.Errorf("release job %d: %w", id, err)
	}
	return nil
}

// ActiveJob returns the job currently held by workerKey, if any.
func (s *Store) ActiveJob(ctx context.Context, workerKey string) (*queue.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM queue_jobs
		 WHERE worker_key = ? AND status IN ('claimed', 'running')
		 ORDER BY id LIMIT 1`, workerKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("active job: %w", err)
	}
	return job, nil
}

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*queue.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get job %d: %w", id, queue.ErrNotFound)
		}
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter queue.JobFilter) ([]queue.Job, error) {
	q := s.sb.Select(jobColumns).From("queue_jobs").OrderBy("id DESC")
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where(sq.Eq{"status": statuses})
	}
	if filter.TaskName != "" {
		q = q.Where(sq.Eq{"task_name": filter.TaskName})
	}
	if filter.Group != "" {
		q = q.Where(sq.Eq{"job_group": filter.Group})
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list jobs: build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var jobs []queue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Stats counts jobs per task and status.
func (s *Store) Stats(ctx context.Context) ([]queue.TaskStats, error) {
	query, args, err := s.sb.
		Select("task_name", "status", "count(*)").
		From("queue_jobs").
		GroupBy("task_name", "status").
		OrderBy("task_name", "status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("job stats: build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var stats []queue.TaskStats
	for rows.Next() {
		var st queue.TaskStats
		var status string
		if err := rows.Scan(&st.TaskName, &status, &st.Count); err != nil {
			return nil, fmt.Errorf("job stats: %w", err)
		}
		st.Status = queue.Status(status)
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// Reset returns one job to pending with attempts cleared.
func (s *Store) Reset(ctx context.Context, id int64) error {
	now := millis(s.now())
	n, err := s.execCount(ctx, `UPDATE queue_jobs`+resetSetClause+` WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("reset job %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("reset job %d: %w", id, queue.ErrNotFound)
	}
	return nil
}

// Remove deletes one job.
func (s *Store) Remove(ctx context.Context, id int64) error {
	n, err := s.execCount(ctx, `DELETE FROM queue_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove job %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("remove job %d: %w", id, queue.ErrNotFound)
	}
	return nil
}

// ResetFailed resets every failed job, including pending retries.
func (s *Store) ResetFailed(ctx context.Context) (int64, error) {
	now := millis(s.now())
	n, err := s.execCount(ctx, `UPDATE queue_jobs`+resetSetClause+failedWhere, now, now)
	if err != nil {
		return 0, fmt.Errorf("reset failed jobs: %w", err)
	}
	return n, nil
}

// Flush deletes every failed job, including pending retries.
func (s *Store) Flush(ctx context.Context) (int64, error) {
	n, err := s.execCount(ctx, `DELETE FROM queue_jobs`+failedWhere)
	if err != nil {
		return 0, fmt.Errorf("flush failed jobs: %w", err)
	}
	return n, nil
}

// HardReset deletes every job regardless of state.
func (s *Store) HardReset(ctx context.Context) (int64, error) {
	n, err := s.execCount(ctx, `DELETE FROM queue_jobs`)
	if err != nil {
		return 0, fmt.Errorf("hard reset: %w", err)
	}
	return n, nil
}

// Cleanup purges terminal jobs older than olderThan.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := millis(s.now().Add(-olderThan))
	n, err := s.execCount(ctx,
		`DELETE FROM queue_jobs WHERE status IN ('completed', 'failed_final') AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	return n, nil
}

// execCount runs a write statement in its own transaction and returns the
// number of affected rows.
func (s *Store) execCount(ctx context.Context, stmt string, args ...any) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*queue.Job, error) {
	var (
		j                                    queue.Job
		payload, status                      string
		notBefore, createdAt, updatedAt      int64
		claimedAt, completedAt               sql.NullInt64
		workerKey, lastErr, group, reference sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.TaskName, &payload, &status, &j.Priority, &notBefore,
		&j.Attempts, &j.MaxRetries, &workerKey, &claimedAt, &completedAt,
		&lastErr, &group, &reference, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of job %d: %w", j.ID, err)
	}
	j.Status = queue.Status(status)
	j.NotBefore = fromMillis(notBefore)
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	j.ClaimedAt = fromNullMillis(claimedAt)
	j.CompletedAt = fromNullMillis(completedAt)
	j.WorkerKey = workerKey.String
	j.LastError = lastErr.String
	j.Group = group.String
	j.Reference = reference.String
	return &j, nil
}
