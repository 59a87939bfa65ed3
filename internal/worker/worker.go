// Package worker runs the sequential claim/execute/report loop of one worker
// process. Parallelism comes from running several worker processes against
// the same database; a single Worker never executes two jobs at once.
//
// Each cycle claims the head eligible job, marks it running, executes its
// task under the task's deadline, records the outcome, heartbeats the
// process row and honours its terminate flag.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/Ansteorra/KMP-sub014/internal/queue"
	"github.com/Ansteorra/KMP-sub014/internal/task"
)

// tracerName is the instrumentation scope name for job execution spans.
const tracerName = "github.com/Ansteorra/KMP-sub014/internal/worker"

// deregisterTimeout bounds the process-row cleanup on exit.
const deregisterTimeout = 5 * time.Second

// writeAttempts is how many times a job state write is tried before the
// worker gives up on it and hands the job back.
const writeAttempts = 3

// Config holds worker tuning parameters (sourced from config.Config).
type Config struct {
	PollInterval time.Duration
	// WorkerTimeout is the heartbeat age after which another worker may
	// reclaim this worker's job.
	WorkerTimeout time.Duration
	// ReclaimInterval throttles how often this worker runs reclaimStale.
	ReclaimInterval time.Duration
	// HeartbeatInterval is how often the process row is refreshed while a
	// long job runs. Defaults to WorkerTimeout/3.
	HeartbeatInterval time.Duration
	// MaxRuntime stops Run after this long; 0 means no limit.
	MaxRuntime time.Duration
	// MaxJobs stops Run after this many executed jobs; 0 means no limit.
	MaxJobs int
	// Host is recorded in the process row. Defaults to os.Hostname().
	Host string
}

// Worker executes jobs for one process.
type Worker struct {
	queue    *queue.Queue
	store    queue.Store
	registry *task.Registry
	cfg      Config
	key      string
	pid      int
	log      *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	reclaim  *rate.Sometimes
	// writeBackoff spaces retries of failed job state writes.
	writeBackoff queue.Backoff
	// orphanCheck is set after a cycle failed with a store error; the next
	// cycle looks for a job still held under this worker's key.
	orphanCheck bool

	activeJob atomic.Int64
	lastBeat  atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// WithMetrics records job outcomes into m.
func WithMetrics(m *Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithTracer sets the tracer for execution spans. Defaults to the global
// provider, which is a no-op unless one is installed.
func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// WithWriteBackoff sets the delay between retries of a failed job state
// write. Defaults to 100ms doubling to 2s.
func WithWriteBackoff(b queue.Backoff) Option {
	return func(w *Worker) { w.writeBackoff = b }
}

// WithKey overrides the generated worker key.
func WithKey(key string) Option {
	return func(w *Worker) { w.key = key }
}

// New creates a Worker for q. A unique worker key of the form
// host-pid-random is generated unless WithKey is given.
func New(q *queue.Queue, cfg Config, opts ...Option) *Worker {
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 10 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.WorkerTimeout / 3
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = cfg.WorkerTimeout
	}

	w := &Worker{
		queue:    q,
		store:    q.Store(),
		registry: q.Registry(),
		cfg:      cfg,
		pid:      os.Getpid(),
		log:      slog.Default(),
		tracer:   otel.Tracer(tracerName),
		reclaim:  &rate.Sometimes{First: 1, Interval: cfg.ReclaimInterval},

		writeBackoff: queue.Exponential{Initial: 100 * time.Millisecond, Max: 2 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.key == "" {
		w.key = fmt.Sprintf("%s-%d-%s", cfg.Host, w.pid, uuid.New().String()[:8])
	}
	w.log = w.log.With("worker_key", w.key)
	return w
}

// Key returns the worker key written to claimed jobs and the process row.
func (w *Worker) Key() string { return w.key }

// ActiveJobID returns the id of the job being executed, or 0 when idle.
func (w *Worker) ActiveJobID() int64 { return w.activeJob.Load() }

// LastHeartbeat returns the time of the last successful heartbeat.
func (w *Worker) LastHeartbeat() time.Time {
	ns := w.lastBeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Store returns the store the worker runs against.
func (w *Worker) Store() queue.Store { return w.store }

// Run executes the worker loop until ctx is cancelled, the terminate flag is
// set, MaxRuntime elapses or MaxJobs jobs have run. A job in progress when
// any of these happen is finished first. Run returns an error only when the
// job store is unreachable.
func (w *Worker) Run(ctx context.Context) error {
	started := time.Now()
	defer w.deregister(ctx)

	if _, err := w.heartbeat(ctx); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	w.log.Info("worker started",
		"host", w.cfg.Host,
		"pid", w.pid,
		"poll_interval", w.cfg.PollInterval,
		"worker_timeout", w.cfg.WorkerTimeout,
	)

	processed := 0
	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopping", "reason", "signal", "processed", processed)
			return nil
		}
		if w.cfg.MaxRuntime > 0 && time.Since(started) >= w.cfg.MaxRuntime {
			w.log.Info("worker stopping", "reason", "max runtime", "processed", processed)
			return nil
		}
		if w.cfg.MaxJobs > 0 && processed >= w.cfg.MaxJobs {
			w.log.Info("worker stopping", "reason", "max jobs", "processed", processed)
			return nil
		}

		w.reclaimStale(ctx)

		if w.orphanCheck {
			if err := w.releaseOrphan(ctx); err != nil {
				if fatal := w.storeFailure(ctx, err); fatal != nil {
					return fatal
				}
			}
		}

		ran, err := w.cycle(ctx)
		if err != nil {
			w.orphanCheck = true
			if fatal := w.storeFailure(ctx, err); fatal != nil {
				return fatal
			}
		}
		if ran {
			processed++
		}

		terminate, err := w.heartbeat(ctx)
		if err != nil {
			if fatal := w.storeFailure(ctx, err); fatal != nil {
				return fatal
			}
		}
		if terminate {
			w.log.Info("worker stopping", "reason", "terminate requested", "processed", processed)
			return nil
		}

		if !ran {
			w.sleep(ctx, w.cfg.PollInterval)
		}
	}
}

// RunOnce registers the worker, reclaims stale jobs, performs one
// claim/execute pass and deregisters. It reports whether a job was run.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	defer w.deregister(ctx)
	if _, err := w.heartbeat(ctx); err != nil {
		return false, fmt.Errorf("register worker: %w", err)
	}
	w.reclaimStale(ctx)
	ran, err := w.cycle(ctx)
	if err != nil {
		if rerr := w.releaseOrphan(context.WithoutCancel(ctx)); rerr != nil {
			w.log.Error("release orphaned job", "error", rerr)
		}
		return ran, err
	}
	if _, err := w.heartbeat(ctx); err != nil {
		return ran, err
	}
	return ran, nil
}

// cycle claims and processes at most one job.
func (w *Worker) cycle(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNext(ctx, w.key)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil // no job available; normal case
	}
	// The claimed job is finished even if shutdown starts now.
	return true, w.process(context.WithoutCancel(ctx), job)
}

// process runs a claimed job and records its outcome. Handler failures are
// recorded against the job and never returned; only store errors are.
func (w *Worker) process(ctx context.Context, job *queue.Job) error {
	log := w.log.With("job_id", job.ID, "task", job.TaskName, "attempts", job.Attempts)

	w.activeJob.Store(job.ID)
	defer w.activeJob.Store(0)

	err := w.persist(ctx, func() error { return w.store.MarkRunning(ctx, job.ID, w.key) })
	if err != nil {
		if errors.Is(err, queue.ErrClaimMismatch) || errors.Is(err, queue.ErrNotFound) {
			log.Warn("job lost before execution", "error", err)
			w.metrics.observe(job.TaskName, outcomeLost, 0)
			return nil
		}
		return err
	}

	log.Info("executing job")
	start := time.Now()
	execErr := w.execute(ctx, job)
	elapsed := time.Since(start)

	if execErr == nil {
		err := w.persist(ctx, func() error { return w.store.MarkCompleted(ctx, job.ID, w.key) })
		if err != nil {
			if errors.Is(err, queue.ErrClaimMismatch) || errors.Is(err, queue.ErrNotFound) {
				log.Warn("job reclaimed before completion was recorded", "error", err)
				w.metrics.observe(job.TaskName, outcomeLost, elapsed)
				return nil
			}
			return err
		}
		log.Info("job completed", "duration", elapsed)
		w.metrics.observe(job.TaskName, outcomeCompleted, elapsed)
		return nil
	}

	var status queue.Status
	err = w.persist(ctx, func() error {
		var ferr error
		status, ferr = w.queue.MarkFailed(ctx, job, w.key, execErr)
		return ferr
	})
	if err != nil {
		if errors.Is(err, queue.ErrClaimMismatch) || errors.Is(err, queue.ErrNotFound) {
			log.Warn("job reclaimed before failure was recorded", "error", err)
			w.metrics.observe(job.TaskName, outcomeLost, elapsed)
			return nil
		}
		return err
	}
	if status == queue.StatusFailedFinal {
		log.Error("job failed permanently", "error", execErr, "kind", queue.Kind(execErr))
		w.metrics.observe(job.TaskName, outcomeFailedFinal, elapsed)
	} else {
		log.Warn("job failed, will retry", "error", execErr, "kind", queue.Kind(execErr))
		w.metrics.observe(job.TaskName, outcomeRetry, elapsed)
	}
	return nil
}

// persist runs a job state write, retrying store errors with writeBackoff.
// ErrClaimMismatch and ErrNotFound describe the row, not the connection, and
// are returned at once.
func (w *Worker) persist(ctx context.Context, write func() error) error {
	var err error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		err = write()
		if err == nil || errors.Is(err, queue.ErrClaimMismatch) || errors.Is(err, queue.ErrNotFound) {
			return err
		}
		if attempt < writeAttempts {
			w.log.Warn("job store write failed, retrying", "attempt", attempt, "error", err)
			w.sleep(ctx, w.writeBackoff.Delay(attempt))
		}
	}
	return err
}

// releaseOrphan returns to pending a job still held under this worker's key.
// It runs between jobs, so such a claim can only be left over from an
// outcome write that never landed. attempts keeps the value of that claim;
// the task runs again on the next claim.
func (w *Worker) releaseOrphan(ctx context.Context) error {
	job, err := w.store.ActiveJob(ctx, w.key)
	if err != nil {
		return err
	}
	if job != nil {
		err := w.store.ReleaseJob(ctx, job.ID, w.key)
		if err != nil && !errors.Is(err, queue.ErrClaimMismatch) && !errors.Is(err, queue.ErrNotFound) {
			return err
		}
		if err == nil {
			w.log.Warn("released job whose outcome was not recorded",
				"job_id", job.ID, "task", job.TaskName, "attempts", job.Attempts, "status", job.Status)
		}
	}
	w.orphanCheck = false
	return nil
}

// execute runs the job's task under its deadline. The task runs in its own
// goroutine so that an uncooperative task cannot block the loop past the
// deadline; the loop keeps heartbeating while it waits.
func (w *Worker) execute(ctx context.Context, job *queue.Job) (err error) {
	ctx, span := w.tracer.Start(ctx, "queue.job.execute",
		trace.WithAttributes(
			attribute.Int64("queue.job.id", job.ID),
			attribute.String("queue.job.task", job.TaskName),
			attribute.Int("queue.job.attempts", job.Attempts),
			attribute.String("queue.worker_key", w.key),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	desc, err := w.registry.Get(job.TaskName)
	if err != nil {
		return err
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if desc.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, desc.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Buffered so an abandoned task can still deliver its result and exit.
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("task panicked",
					"job_id", job.ID,
					"task", job.TaskName,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- desc.Handler.Run(runCtx, job.Payload, job.ID)
	}()

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case runErr := <-done:
			if runErr == nil {
				return nil
			}
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return &queue.HandlerError{Task: job.TaskName, JobID: job.ID, Err: runErr, Timeout: desc.Timeout}
			}
			return &queue.HandlerError{Task: job.TaskName, JobID: job.ID, Err: runErr}
		case <-runCtx.Done():
			// Only the deadline cancels runCtx; the parent context is detached.
			return &queue.HandlerError{Task: job.TaskName, JobID: job.ID, Err: runCtx.Err(), Timeout: desc.Timeout}
		case <-ticker.C:
			if _, err := w.heartbeat(ctx); err != nil {
				w.log.Warn("heartbeat during job failed", "job_id", job.ID, "error", err)
			}
		}
	}
}

// heartbeat refreshes the process row and returns the terminate flag.
func (w *Worker) heartbeat(ctx context.Context) (bool, error) {
	p := queue.Process{WorkerKey: w.key, Host: w.cfg.Host, PID: w.pid}
	if id := w.activeJob.Load(); id != 0 {
		p.ActiveJobID = &id
	}
	terminate, err := w.store.Heartbeat(ctx, p)
	if err != nil {
		return false, err
	}
	w.lastBeat.Store(time.Now().UnixNano())
	return terminate, nil
}

// reclaimStale returns jobs of dead workers to pending, at most once per
// ReclaimInterval. Errors are logged; the next cycle retries.
func (w *Worker) reclaimStale(ctx context.Context) {
	w.reclaim.Do(func() {
		n, err := w.store.ReclaimStale(ctx, w.cfg.WorkerTimeout)
		if err != nil {
			w.log.Error("stale job recovery error", "error", err)
			return
		}
		if n > 0 {
			w.log.Info("reclaimed stale jobs", "count", n)
			w.metrics.reclaimed(n)
		}
	})
}

// storeFailure decides whether a store error ends the loop. It does when the
// database cannot be reached at all; other errors are logged and the loop
// carries on.
func (w *Worker) storeFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	w.log.Error("job store error", "error", err)

	pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if perr := w.store.Ping(pingCtx); perr != nil {
		return fmt.Errorf("job store unreachable: %w", errors.Join(err, perr))
	}
	return nil
}

func (w *Worker) deregister(ctx context.Context) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deregisterTimeout)
	defer cancel()
	if err := w.store.RemoveProcess(rmCtx, w.key); err != nil {
		w.log.Warn("remove process row", "error", err)
	}
}

// sleep waits for d or until ctx is cancelled. time.NewTimer (not
// time.After) so the timer is released early on cancellation.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
