package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/Ansteorra/KMP-sub014/internal/queue"
)

const jobColumns = `id, task_name, payload, status, priority, not_before, attempts, max_retries,
	worker_key, claimed_at, completed_at, last_error, job_group, reference, created_at, updated_at`

const insertJobSQL = `
INSERT INTO queue_jobs (task_name, payload, priority, not_before, max_retries, job_group, reference)
VALUES ($1, $2::jsonb, $3, COALESCE($4::timestamptz, now()), $5, $6, $7)
RETURNING id`

// claimNextSQL claims the head of the eligible pending set. SKIP LOCKED lets
// concurrent claimers move past a row another transaction is claiming.
const claimNextSQL = `
UPDATE queue_jobs
SET status     = 'claimed',
    worker_key = $1,
    claimed_at = now(),
    attempts   = attempts + 1,
    updated_at = now()
WHERE id = (
    SELECT id FROM queue_jobs
    WHERE status = 'pending' AND not_before <= now()
    ORDER BY priority, id
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns

const markRunningSQL = `
UPDATE queue_jobs
SET status = 'running', updated_at = now()
WHERE id = $1 AND worker_key = $2 AND status = 'claimed'`

const markCompletedSQL = `
UPDATE queue_jobs
SET status = 'completed', completed_at = now(), last_error = NULL, updated_at = now()
WHERE id = $1 AND worker_key = $2 AND status IN ('claimed', 'running')`

// markFailedSQL decides retry or terminal in one statement. attempts was
// incremented at claim time, so attempts <= max_retries means a retry is left.
const markFailedSQL = `
UPDATE queue_jobs
SET status       = CASE WHEN attempts <= max_retries THEN 'pending' ELSE 'failed_final' END,
    not_before   = CASE WHEN attempts <= max_retries
                        THEN now() + ($3::bigint * interval '1 millisecond')
                        ELSE not_before END,
    worker_key   = CASE WHEN attempts <= max_retries THEN NULL ELSE worker_key END,
    claimed_at   = CASE WHEN attempts <= max_retries THEN NULL ELSE claimed_at END,
    completed_at = CASE WHEN attempts <= max_retries THEN NULL ELSE now() END,
    last_error   = $4,
    updated_at   = now()
WHERE id = $1 AND worker_key = $2 AND status IN ('claimed', 'running')
RETURNING status`

// reclaimStaleSQL frees claims whose owner has no fresh heartbeat. attempts
// is left alone.
const reclaimStaleSQL = `
UPDATE queue_jobs j
SET status = 'pending', worker_key = NULL, claimed_at = NULL, updated_at = now()
WHERE j.status IN ('claimed', 'running')
  AND j.claimed_at < now() - ($1::bigint * interval '1 millisecond')
  AND NOT EXISTS (
      SELECT 1 FROM queue_processes p
      WHERE p.worker_key = j.worker_key
        AND p.last_heartbeat_at >= now() - ($1::bigint * interval '1 millisecond')
  )`

// releaseJobSQL hands a job back to the queue without counting the attempt
// again; attempts stays at the value the claim gave it.
const releaseJobSQL = `
UPDATE queue_jobs
SET status = 'pending', worker_key = NULL, claimed_at = NULL, updated_at = now()
WHERE id = $1 AND worker_key = $2 AND status IN ('claimed', 'running')`

// failedWhere matches terminal failures and pending jobs waiting out a retry
// after a recorded failure.
const failedWhere = ` WHERE status IN ('failed', 'failed_final')
   OR (status = 'pending' AND attempts > 0 AND last_error IS NOT NULL)`

const resetSetClause = `
SET status = 'pending', attempts = 0, worker_key = NULL, claimed_at = NULL,
    completed_at = NULL, last_error = NULL, not_before = now(), updated_at = now()`

const resetJobSQL = `UPDATE queue_jobs` + resetSetClause + ` WHERE id = $1`

const resetFailedSQL = `UPDATE queue_jobs` + resetSetClause + failedWhere

const cleanupJobsSQL = `
DELETE FROM queue_jobs
WHERE status IN ('completed', 'failed_final')
  AND updated_at < now() - ($1::bigint * interval '1 millisecond')`

// InsertJob adds a pending job and returns its id.
func (s *Store) InsertJob(ctx context.Context, job queue.NewJob) (int64, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return 0, fmt.Errorf("insert job: encode payload: %w", err)
	}
	var id int64
	err = s.pool.QueryRow(ctx, insertJobSQL,
		job.TaskName,
		string(payload),
		job.Priority,
		job.NotBefore,
		job.MaxRetries,
		nullString(job.Group),
		nullString(job.Reference),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// ClaimNext claims one eligible job for workerKey. Returns (nil, nil) when
// no job is available.
func (s *Store) ClaimNext(ctx context.Context, workerKey string) (*queue.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, claimNextSQL, workerKey))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// MarkRunning moves a claimed job to running. A job already running under
// workerKey is left as is.
func (s *Store) MarkRunning(ctx context.Context, id int64, workerKey string) error {
	if err := s.transition(ctx, markRunningSQL, id, workerKey, queue.StatusRunning); err != nil {
		return fmt.Errorf("mark job %d running: %w", id, err)
	}
	return nil
}

// MarkCompleted moves a claimed or running job to completed. A job already
// completed by workerKey is left as is.
func (s *Store) MarkCompleted(ctx context.Context, id int64, workerKey string) error {
	if err := s.transition(ctx, markCompletedSQL, id, workerKey, queue.StatusCompleted); err != nil {
		return fmt.Errorf("mark job %d completed: %w", id, err)
	}
	return nil
}

// transition executes a guarded single-row update. When the guard matches no
// row it reports ErrNotFound for a missing job and ErrClaimMismatch for a job
// held by someone else or in the wrong state. A job already in doneStatus
// under workerKey counts as success.
func (s *Store) transition(ctx context.Context, stmt string, id int64, workerKey string, doneStatus queue.Status) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, stmt, id, workerKey)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		return diagnose(ctx, tx, id, workerKey, doneStatus)
	})
}

func diagnose(ctx context.Context, q pgx.Tx, id int64, workerKey string, doneStatus queue.Status) error {
	var (
		status string
		owner  *string
	)
	err := q.QueryRow(ctx, `SELECT status, worker_key FROM queue_jobs WHERE id = $1`, id).Scan(&status, &owner)
	if err != nil {
		if isNoRows(err) {
			return queue.ErrNotFound
		}
		return err
	}
	if doneStatus != "" && queue.Status(status) == doneStatus && owner != nil && *owner == workerKey {
		return nil
	}
	return queue.ErrClaimMismatch
}

// MarkFailed records a failed attempt and returns the resulting status.
func (s *Store) MarkFailed(ctx context.Context, id int64, workerKey, lastError string, retryDelay time.Duration) (queue.Status, error) {
	var status string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, markFailedSQL, id, workerKey, retryDelay.Milliseconds(), lastError).Scan(&status)
		if isNoRows(err) {
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
	tag, err := s.pool.Exec(ctx, reclaimStaleSQL, workerTimeout.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReleaseJob returns a job held by workerKey to pending.
func (s *Store) ReleaseJob(ctx context.Context, id int64, workerKey string) error {
	if err := s.transition(ctx, releaseJobSQL, id, workerKey, ""); err != nil {
		return fmt.Errorf("release job %d: %w", id, err)
	}
	return nil
}

// ActiveJob returns the job currently held by workerKey, if any.
func (s *Store) ActiveJob(ctx context.Context, workerKey string) (*queue.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM queue_jobs
		 WHERE worker_key = $1 AND status IN ('claimed', 'running')
		 ORDER BY id LIMIT 1`, workerKey))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("active job: %w", err)
	}
	return job, nil
}

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*queue.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("get job %d: %w", id, queue.ErrNotFound)
		}
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter queue.JobFilter) ([]queue.Job, error) {
	q := s.psql.Select(jobColumns).From("queue_jobs").OrderBy("id DESC")
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if len(filter.Statuses) > 0 {
		q = q.Where(sq.Expr("status = ANY(?)", pq.Array(statusStrings(filter.Statuses))))
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

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (queue.Job, error) {
		j, err := scanJob(row)
		if err != nil {
			return queue.Job{}, err
		}
		return *j, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Stats counts jobs per task and status.
func (s *Store) Stats(ctx context.Context) ([]queue.TaskStats, error) {
	query, args, err := s.psql.
		Select("task_name", "status", "count(*)").
		From("queue_jobs").
		GroupBy("task_name", "status").
		OrderBy("task_name", "status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("job stats: build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	stats, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (queue.TaskStats, error) {
		var st queue.TaskStats
		var status string
		err := row.Scan(&st.TaskName, &status, &st.Count)
		st.Status = queue.Status(status)
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// Reset returns one job to pending with attempts cleared.
func (s *Store) Reset(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, resetJobSQL, id)
	if err != nil {
		return fmt.Errorf("reset job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reset job %d: %w", id, queue.ErrNotFound)
	}
	return nil
}

// Remove deletes one job.
func (s *Store) Remove(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("remove job %d: %w", id, queue.ErrNotFound)
	}
	return nil
}

// ResetFailed resets every failed job, including pending retries.
func (s *Store) ResetFailed(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, resetFailedSQL)
	if err != nil {
		return 0, fmt.Errorf("reset failed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Flush deletes every failed job, including pending retries.
func (s *Store) Flush(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue_jobs`+failedWhere)
	if err != nil {
		return 0, fmt.Errorf("flush failed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HardReset deletes every job regardless of state.
func (s *Store) HardReset(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue_jobs`)
	if err != nil {
		return 0, fmt.Errorf("hard reset: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Cleanup purges terminal jobs older than olderThan.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, cleanupJobsSQL, olderThan.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*queue.Job, error) {
	var (
		j                      queue.Job
		payload                []byte
		status                 string
		workerKey, lastErr     *string
		group, reference       *string
		claimedAt, completedAt *time.Time
	)
	err := row.Scan(
		&j.ID, &j.TaskName, &payload, &status, &j.Priority, &j.NotBefore,
		&j.Attempts, &j.MaxRetries, &workerKey, &claimedAt, &completedAt,
		&lastErr, &group, &reference, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of job %d: %w", j.ID, err)
	}
	j.Status = queue.Status(status)
	j.WorkerKey = deref(workerKey)
	j.LastError = deref(lastErr)
	j.Group = deref(group)
	j.Reference = deref(reference)
	j.ClaimedAt = claimedAt
	j.CompletedAt = completedAt
	return &j, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func statusStrings(ss []queue.Status) []string {
	out := make([]string, len(ss))
	for i, st := range ss {
		out[i] = string(st)
	}
	return out
}
