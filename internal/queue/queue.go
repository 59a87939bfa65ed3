package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Ansteorra/KMP-sub014/internal/task"
)

// DefaultPriority is the priority of jobs enqueued without WithPriority.
const DefaultPriority = 5

// Queue validates producer input against the task registry and applies the
// retry policy on top of a Store.
type Queue struct {
	store           Store
	registry        *task.Registry
	backoff         Backoff
	defaultPriority int
	log             *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithBackoff sets the retry delay strategy.
func WithBackoff(b Backoff) Option {
	return func(q *Queue) { q.backoff = b }
}

// WithDefaultPriority sets the priority used when a producer passes none.
func WithDefaultPriority(p int) Option {
	return func(q *Queue) { q.defaultPriority = p }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// New creates a Queue over store using registry to validate task names.
func New(store Store, registry *task.Registry, opts ...Option) *Queue {
	q := &Queue{
		store:           store,
		registry:        registry,
		backoff:         DefaultBackoff(),
		defaultPriority: DefaultPriority,
		log:             slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Store returns the underlying store.
func (q *Queue) Store() Store { return q.store }

// Registry returns the task registry.
func (q *Queue) Registry() *task.Registry { return q.registry }

// EnqueueOption adjusts a job before insertion.
type EnqueueOption func(*NewJob)

// WithNotBefore delays the job until t.
func WithNotBefore(t time.Time) EnqueueOption {
	return func(j *NewJob) { j.NotBefore = &t }
}

// WithDelay delays the job by d from now.
func WithDelay(d time.Duration) EnqueueOption {
	return func(j *NewJob) {
		t := time.Now().Add(d)
		j.NotBefore = &t
	}
}

// WithPriority sets the job priority. Lower values are claimed first.
func WithPriority(p int) EnqueueOption {
	return func(j *NewJob) { j.Priority = p }
}

// WithGroup tags the job with an operator-visible group.
func WithGroup(g string) EnqueueOption {
	return func(j *NewJob) { j.Group = g }
}

// WithReference attaches a producer reference such as an entity id.
func WithReference(r string) EnqueueOption {
	return func(j *NewJob) { j.Reference = r }
}

// WithMaxRetries overrides the task's retry budget for this job only.
func WithMaxRetries(n int) EnqueueOption {
	return func(j *NewJob) { j.MaxRetries = n }
}

// Enqueue inserts a pending job for taskName, which may be any identifier
// the registry resolves. It returns the new job id without running anything.
func (q *Queue) Enqueue(ctx context.Context, taskName string, payload Payload, opts ...EnqueueOption) (int64, error) {
	name, err := q.registry.Resolve(taskName)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	desc, err := q.registry.Get(name)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	if payload == nil {
		payload = Payload{}
	}

	job := NewJob{
		TaskName:   name,
		Payload:    payload,
		Priority:   q.defaultPriority,
		MaxRetries: desc.MaxRetries,
	}
	for _, opt := range opts {
		opt(&job)
	}

	id, err := q.store.InsertJob(ctx, job)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", name, err)
	}
	q.log.Debug("job enqueued", "job_id", id, "task", name, "priority", job.Priority)
	return id, nil
}

// MarkFailed records cause against a job owned by workerKey. The job is
// rescheduled with backoff while its retry budget lasts and becomes
// failed_final afterwards. The resulting status is returned.
func (q *Queue) MarkFailed(ctx context.Context, job *Job, workerKey string, cause error) (Status, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	status, err := q.store.MarkFailed(ctx, job.ID, workerKey, msg, q.backoff.Delay(job.Attempts))
	if err != nil {
		return "", fmt.Errorf("mark job %d failed: %w", job.ID, err)
	}
	return status, nil
}
