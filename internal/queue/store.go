package queue

import (
	"context"
	"time"
)

// JobStore is the sole authority for job state transitions. Every method is
// a single atomic statement or a short transaction, so correctness holds
// with any number of concurrent workers.
type JobStore interface {
	// InsertJob adds a pending row and returns its id.
	InsertJob(ctx context.Context, job NewJob) (int64, error)

	// ClaimNext atomically moves the head eligible pending job to claimed for
	// workerKey and increments its attempts. It returns (nil, nil) when no
	// job is eligible.
	ClaimNext(ctx context.Context, workerKey string) (*Job, error)

	// MarkRunning moves a claimed job owned by workerKey to running. Repeating
	// the call after success is a no-op.
	MarkRunning(ctx context.Context, id int64, workerKey string) error

	// MarkCompleted moves a job owned by workerKey to completed. Repeating the
	// call after success is a no-op.
	MarkCompleted(ctx context.Context, id int64, workerKey string) error

	// MarkFailed records lastError. While attempts <= max_retries the job
	// returns to pending with not_before pushed out by retryDelay; otherwise it
	// becomes failed_final. The resulting status is returned.
	MarkFailed(ctx context.Context, id int64, workerKey, lastError string, retryDelay time.Duration) (Status, error)

	// ReclaimStale returns claimed and running jobs whose owner has not
	// heartbeated within workerTimeout to pending, leaving attempts unchanged.
	ReclaimStale(ctx context.Context, workerTimeout time.Duration) (int64, error)

	// ReleaseJob returns a claimed or running job owned by workerKey to
	// pending, leaving attempts unchanged.
	ReleaseJob(ctx context.Context, id int64, workerKey string) error

	// ActiveJob returns the claimed or running job held by workerKey, or nil.
	ActiveJob(ctx context.Context, workerKey string) (*Job, error)

	GetJob(ctx context.Context, id int64) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	Stats(ctx context.Context) ([]TaskStats, error)

	// Reset returns a job to pending with attempts=0.
	Reset(ctx context.Context, id int64) error
	// Remove deletes a job row.
	Remove(ctx context.Context, id int64) error
	// ResetFailed resets every failed_final job and every pending job that
	// is waiting on a retry after a recorded failure.
	ResetFailed(ctx context.Context) (int64, error)
	// Flush deletes the jobs ResetFailed would reset.
	Flush(ctx context.Context) (int64, error)
	// HardReset deletes every job.
	HardReset(ctx context.Context) (int64, error)
	// Cleanup deletes terminal jobs last updated more than olderThan ago.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ProcessStore tracks worker liveness.
type ProcessStore interface {
	// Heartbeat upserts the process row and returns its terminate flag.
	Heartbeat(ctx context.Context, p Process) (terminate bool, err error)
	// RequestTerminate sets the terminate flag of one worker.
	RequestTerminate(ctx context.Context, workerKey string) error
	// RequestTerminateAll sets the terminate flag of every worker.
	RequestTerminateAll(ctx context.Context) (int64, error)
	ListProcesses(ctx context.Context) ([]Process, error)
	// ListStale returns the keys of workers that have not heartbeated within timeout.
	ListStale(ctx context.Context, timeout time.Duration) ([]string, error)
	// RemoveProcess deletes a worker's row on clean shutdown.
	RemoveProcess(ctx context.Context, workerKey string) error
	// CleanupProcesses deletes rows whose last heartbeat is older than olderThan.
	CleanupProcesses(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Store is a complete persistence backend.
type Store interface {
	JobStore
	ProcessStore
	// Ping checks that the database is reachable.
	Ping(ctx context.Context) error
	Close() error
}
