// ABOUTME: Backend-agnostic conformance suite for queue.Store implementations.
// ABOUTME: Each backend's tests call Run with a factory returning an empty, migrated store.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ansteorra/KMP-sub014/internal/queue"
)

// Factory returns a store with empty queue tables.
type Factory func(t *testing.T) queue.Store

// staleWait is long enough for rows written now to be older than staleAfter.
const (
	staleAfter = 100 * time.Millisecond
	staleWait  = 250 * time.Millisecond
)

// Run executes every conformance case against stores produced by newStore.
// Cases run sequentially so that a shared database can be reused.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s queue.Store)
	}{
		{"ClaimRunComplete", testClaimRunComplete},
		{"ClaimEmpty", testClaimEmpty},
		{"ClaimOrder", testClaimOrder},
		{"ClaimRespectsNotBefore", testClaimRespectsNotBefore},
		{"ConcurrentClaimsAreExclusive", testConcurrentClaims},
		{"MarkRunningGuards", testMarkRunningGuards},
		{"MarkCompletedIdempotent", testMarkCompletedIdempotent},
		{"RetryAccounting", testRetryAccounting},
		{"RetryBackoffDelaysClaim", testRetryBackoff},
		{"ZeroRetriesFailsImmediately", testZeroRetries},
		{"MarkFailedGuards", testMarkFailedGuards},
		{"ReleaseJob", testReleaseJob},
		{"ReclaimStale", testReclaimStale},
		{"ReclaimSkipsLiveWorkers", testReclaimSkipsLive},
		{"ReclaimWithoutProcessRow", testReclaimWithoutProcessRow},
		{"HeartbeatAndTerminate", testHeartbeatTerminate},
		{"ListStaleProcesses", testListStale},
		{"ResetAndRemove", testResetAndRemove},
		{"BulkOperatorActions", testBulkOperatorActions},
		{"BulkActionsCoverPendingRetries", testBulkActionsCoverPendingRetries},
		{"Cleanup", testCleanup},
		{"CleanupProcesses", testCleanupProcesses},
		{"ListJobsAndStats", testListJobsAndStats},
		{"ActiveJob", testActiveJob},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

func insert(t *testing.T, s queue.Store, job queue.NewJob) int64 {
	t.Helper()
	if job.TaskName == "" {
		job.TaskName = "Queue.Example"
	}
	if job.Payload == nil {
		job.Payload = queue.Payload{}
	}
	if job.Priority == 0 {
		job.Priority = queue.DefaultPriority
	}
	id, err := s.InsertJob(context.Background(), job)
	require.NoError(t, err)
	return id
}

func claim(t *testing.T, s queue.Store, workerKey string) *queue.Job {
	t.Helper()
	job, err := s.ClaimNext(context.Background(), workerKey)
	require.NoError(t, err)
	return job
}

func get(t *testing.T, s queue.Store, id int64) *queue.Job {
	t.Helper()
	job, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func heartbeat(t *testing.T, s queue.Store, key string, active *int64) bool {
	t.Helper()
	terminate, err := s.Heartbeat(context.Background(), queue.Process{
		WorkerKey: key, Host: "test-host", PID: 4242, ActiveJobID: active,
	})
	require.NoError(t, err)
	return terminate
}

// ── claim ─────────────────────────────────────────────────────────────────────

func testClaimRunComplete(t *testing.T, s queue.Store) {
	ctx := context.Background()
	payload := queue.Payload{"to": "a@example.com", "vars": map[string]any{"name": "Ada"}}
	id := insert(t, s, queue.NewJob{TaskName: "Email.Send", Payload: payload, MaxRetries: 2})

	job := claim(t, s, "worker-1")
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "Email.Send", job.TaskName)
	assert.Equal(t, queue.StatusClaimed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "worker-1", job.WorkerKey)
	assert.Equal(t, payload, job.Payload)
	assert.NotNil(t, job.ClaimedAt)

	require.NoError(t, s.MarkRunning(ctx, id, "worker-1"))
	assert.Equal(t, queue.StatusRunning, get(t, s, id).Status)

	require.NoError(t, s.MarkCompleted(ctx, id, "worker-1"))
	done := get(t, s, id)
	assert.Equal(t, queue.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, 1, done.Attempts)
}

func testClaimEmpty(t *testing.T, s queue.Store) {
	job, err := s.ClaimNext(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func testClaimOrder(t *testing.T, s queue.Store) {
	first := insert(t, s, queue.NewJob{Priority: 5})
	urgent := insert(t, s, queue.NewJob{Priority: 1})
	last := insert(t, s, queue.NewJob{Priority: 5})

	for _, want := range []int64{urgent, first, last} {
		job := claim(t, s, "worker-1")
		require.NotNil(t, job)
		assert.Equal(t, want, job.ID)
	}
	assert.Nil(t, claim(t, s, "worker-1"))
}

func testClaimRespectsNotBefore(t *testing.T, s queue.Store) {
	later := time.Now().Add(time.Hour)
	insert(t, s, queue.NewJob{NotBefore: &later})
	assert.Nil(t, claim(t, s, "worker-1"))

	past := time.Now().Add(-time.Minute)
	id := insert(t, s, queue.NewJob{NotBefore: &past})
	job := claim(t, s, "worker-1")
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
}

func testConcurrentClaims(t *testing.T, s queue.Store) {
	const jobs, workers = 30, 6
	for range jobs {
		insert(t, s, queue.NewJob{})
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]string)
		wg      sync.WaitGroup
		errs    = make(chan error, workers)
	)
	for w := range workers {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			for {
				job, err := s.ClaimNext(context.Background(), key)
				if err != nil {
					errs <- err
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[job.ID]; dup {
					mu.Unlock()
					errs <- errors.New("job claimed by both " + prev + " and " + key)
					return
				}
				claimed[job.ID] = key
				mu.Unlock()
			}
		}("worker-" + string(rune('a'+w)))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Len(t, claimed, jobs)
}

// ── transitions ───────────────────────────────────────────────────────────────

func testMarkRunningGuards(t *testing.T, s queue.Store) {
	ctx := context.Background()
	id := insert(t, s, queue.NewJob{})
	require.NotNil(t, claim(t, s, "worker-1"))

	err := s.MarkRunning(ctx, id, "worker-2")
	assert.ErrorIs(t, err, queue.ErrClaimMismatch)
	assert.Equal(t, queue.StatusClaimed, get(t, s, id).Status)

	err = s.MarkRunning(ctx, id+1000, "worker-1")
	assert.ErrorIs(t, err, queue.ErrNotFound)

	require.NoError(t, s.MarkRunning(ctx, id, "worker-1"))
	// repeating the write is harmless for the owner only
	require.NoError(t, s.MarkRunning(ctx, id, "worker-1"))
	assert.ErrorIs(t, s.MarkRunning(ctx, id, "worker-2"), queue.ErrClaimMismatch)
	assert.Equal(t, queue.StatusRunning, get(t, s, id).Status)

	require.NoError(t, s.MarkCompleted(ctx, id, "worker-1"))
	assert.ErrorIs(t, s.MarkRunning(ctx, id, "worker-1"), queue.ErrClaimMismatch)
}

func testMarkCompletedIdempotent(t *testing.T, s queue.Store) {
	ctx := context.Background()
	id := insert(t, s, queue.NewJob{})
	require.NotNil(t, claim(t, s, "worker-1"))
	require.NoError(t, s.MarkRunning(ctx, id, "worker-1"))

	assert.ErrorIs(t, s.MarkCompleted(ctx, id, "worker-2"), queue.ErrClaimMismatch)
	require.NoError(t, s.MarkCompleted(ctx, id, "worker-1"))
	before := get(t, s, id)

	require.NoError(t, s.MarkCompleted(ctx, id, "worker-1"))
	after := get(t, s, id)
	assert.Equal(t, queue.StatusCompleted, after.Status)
	assert.Equal(t, before.Attempts, after.Attempts)
	assert.ErrorIs(t, s.MarkCompleted(ctx, id, "worker-2"), queue.ErrClaimMismatch)
	assert.ErrorIs(t, s.MarkCompleted(ctx, id+1000, "worker-1"), queue.ErrNotFound)
}

func testRetryAccounting(t *testing.T, s queue.Store) {
	ctx := context.Background()
	id := insert(t, s, queue.NewJob{MaxRetries: 2})

	var executions int
	for {
		job := claim(t, s, "worker-1")
		if job == nil {
			break
		}
		executions++
		require.Equal(t, executions, job.Attempts)
		require.NoError(t, s.MarkRunning(ctx, id, "worker-1"))
		status, err := s.MarkFailed(ctx, id, "worker-1", "boom", 0)
		require.NoError(t, err)
		if executions < 3 {
			assert.Equal(t, queue.StatusPending, status)
		} else {
			assert.Equal(t, queue.StatusFailedFinal, status)
		}
		require.LessOrEqual(t, executions, 3, "job kept retrying past its budget")
	}

	assert.Equal(t, 3, executions)
	final := get(t, s, id)
	assert.Equal(t, queue.StatusFailedFinal, final.Status)
	assert.Equal(t, 3, final.Attempts)
	assert.Equal(t, "boom", final.LastError)
	assert.NotNil(t, final.CompletedAt)
}

func testRetryBackoff(t *testing.T, s queue.Store) {
	ctx := context.Background()
	id := insert(t, s, queue.NewJob{MaxRetries: 3})
	require.NotNil(t, claim(t, s, "worker-1"))

	status, err := s.MarkFailed(ctx, id, "worker-1", "try later", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, status)

	job := get(t, s, id)
	assert.Equal(t, "try later", job.LastError)
	assert.Empty(t, job.WorkerKey)
	assert.True(t, job.NotBefore.After(time.Now().Add(50*time.Minute)), "not_before = %v", job.NotBefore)
	assert.Nil(t, claim(t, s, "worker-1"))
}

func testZeroRetries(t *testing.T, s queue.Store) {
	id := insert(t, s, queue.NewJob{MaxRetries: 0})
	require.NotNil(t, claim(t, s, "worker-1"))
	status, err := s.MarkFailed(context.Background(), id, "worker-1", "nope", 0)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailedFinal, status)
}

func testMarkFailedGuards(t *testing.T, s queue.Store) {
	ctx := context.Background()
	id := insert(t, s, queue.NewJob{MaxRetries: 1})
	require.NotNil(t, claim(t, s, "worker-1"))

	_, err := s.MarkFailed(ctx, id, "worker-2", "x", 0)
	assert.ErrorIs(t, err, queue.ErrClaimMismatch)
	_, err = s.MarkFailed(ctx, id+1000, "worker-1", "x", 0)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	assert.Equal(t, queue.StatusClaimed, get(t, s, id).Status)
}

// ── reclaim ───────────────────────────────────────────────────────────────────

func testReleaseJob(t *testing.T, s queue.Store) {
	ctx := context.Background()
	id := insert(t, s, queue.NewJob{MaxRetries: 1})
	require.NotNil(t, claim(t, s, "worker-1"))
	require.NoError(t, s.MarkRunning(ctx, id, "worker-1"))

	assert.ErrorIs(t, s.ReleaseJob(ctx, id, "worker-2"), queue.ErrClaimMismatch)
	require.NoError(t, s.ReleaseJob(ctx, id, "worker-1"))

	job := get(t, s, id)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts, "release does not refund or charge an attempt")
	assert.Empty(t, job.WorkerKey)
	assert.Nil(t, job.ClaimedAt)

	assert.ErrorIs(t, s.ReleaseJob(ctx, id, "worker-1"), queue.ErrClaimMismatch)
	assert.ErrorIs(t, s.ReleaseJob(ctx, id+1000, "worker-1"), queue.ErrNotFound)

	again := claim(t, s, "worker-2")
	require.NotNil(t, again)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func testReclaimStale(t *testing.T, s queue.Store) {
	ctx := context.Background()
	id := insert(t, s, queue.NewJob{MaxRetries: 2})
	job := claim(t, s, "worker-dead")
	require.NotNil(t, job)
	heartbeat(t, s, "worker-dead", &id)
	require.NoError(t, s.MarkRunning(ctx, id, "worker-dead"))

	time.Sleep(staleWait)

	n, err := s.ReclaimStale(ctx, staleAfter)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	reclaimed := get(t, s, id)
	assert.Equal(t, queue.StatusPending, reclaimed.Status)
	assert.Equal(t, 1, reclaimed.Attempts, "reclaim must not consume an attempt")
	assert.Empty(t, reclaimed.WorkerKey)

	n, err = s.ReclaimStale(ctx, staleAfter)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "a job is reclaimed exactly once")

	again := claim(t, s, "worker-2")
	require.NotNil(t, again)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, 2, again.Attempts)

	// The original owner wakes up and must not be able to touch the job.
	assert.ErrorIs(t, s.MarkCompleted(ctx, id, "worker-dead"), queue.ErrClaimMismatch)
}

func testReclaimSkipsLive(t *testing.T, s queue.Store) {
	ctx := context.Background()
	id := insert(t, s, queue.NewJob{})
	require.NotNil(t, claim(t, s, "worker-1"))

	time.Sleep(staleWait)
	heartbeat(t, s, "worker-1", &id)

	n, err := s.ReclaimStale(ctx, staleAfter)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	assert.Equal(t, queue.StatusClaimed, get(t, s, id).Status)
}

func testReclaimWithoutProcessRow(t *testing.T, s queue.Store) {
	ctx := context.Background()
	id := insert(t, s, queue.NewJob{})
	require.NotNil(t, claim(t, s, "worker-gone"))

	// A fresh claim is left alone even when its owner never registered.
	n, err := s.ReclaimStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	time.Sleep(staleWait)
	n, err = s.ReclaimStale(ctx, staleAfter)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, queue.StatusPending, get(t, s, id).Status)
}

// ── processes ─────────────────────────────────────────────────────────────────

func testHeartbeatTerminate(t *testing.T, s queue.Store) {
	ctx := context.Background()
	assert.False(t, heartbeat(t, s, "worker-1", nil))

	procs, err := s.ListProcesses(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	started := procs[0].StartedAt
	assert.Equal(t, "test-host", procs[0].Host)
	assert.Equal(t, 4242, procs[0].PID)
	assert.Nil(t, procs[0].ActiveJobID)

	require.NoError(t, s.RequestTerminate(ctx, "worker-1"))
	jobID := int64(7)
	assert.True(t, heartbeat(t, s, "worker-1", &jobID))

	procs, err = s.ListProcesses(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.True(t, procs[0].Terminate)
	assert.True(t, procs[0].StartedAt.Equal(started), "started_at must survive heartbeats")
	require.NotNil(t, procs[0].ActiveJobID)
	assert.EqualValues(t, 7, *procs[0].ActiveJobID)

	assert.ErrorIs(t, s.RequestTerminate(ctx, "worker-unknown"), queue.ErrNotFound)

	heartbeat(t, s, "worker-2", nil)
	n, err := s.RequestTerminateAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "only workers not yet asked to stop are counted")
	assert.True(t, heartbeat(t, s, "worker-2", nil))

	require.NoError(t, s.RemoveProcess(ctx, "worker-1"))
	require.NoError(t, s.RemoveProcess(ctx, "worker-1"))
	procs, err = s.ListProcesses(ctx)
	require.NoError(t, err)
	assert.Len(t, procs, 1)
}

func testListStale(t *testing.T, s queue.Store) {
	ctx := context.Background()
	heartbeat(t, s, "worker-old", nil)
	time.Sleep(staleWait)
	heartbeat(t, s, "worker-new", nil)

	stale, err := s.ListStale(ctx, staleAfter)
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-old"}, stale)
}

// ── operator actions ──────────────────────────────────────────────────────────

func testResetAndRemove(t *testing.T, s queue.Store) {
	ctx := context.Background()
	id := insert(t, s, queue.NewJob{MaxRetries: 0})
	require.NotNil(t, claim(t, s, "worker-1"))
	_, err := s.MarkFailed(ctx, id, "worker-1", "broken", 0)
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx, id))
	job := get(t, s, id)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Empty(t, job.WorkerKey)
	assert.Empty(t, job.LastError)
	assert.Nil(t, job.CompletedAt)
	require.NotNil(t, claim(t, s, "worker-1"))

	require.NoError(t, s.Remove(ctx, id))
	_, err = s.GetJob(ctx, id)
	assert.ErrorIs(t, err, queue.ErrNotFound)

	assert.ErrorIs(t, s.Reset(ctx, id), queue.ErrNotFound)
	assert.ErrorIs(t, s.Remove(ctx, id), queue.ErrNotFound)
}

func failFinal(t *testing.T, s queue.Store) int64 {
	t.Helper()
	id := insert(t, s, queue.NewJob{MaxRetries: 0})
	job := claim(t, s, "worker-1")
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	_, err := s.MarkFailed(context.Background(), id, "worker-1", "broken", 0)
	require.NoError(t, err)
	return id
}

func testBulkOperatorActions(t *testing.T, s queue.Store) {
	ctx := context.Background()
	failFinal(t, s)
	failFinal(t, s)
	insert(t, s, queue.NewJob{})

	n, err := s.ResetFailed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	failed, err := s.ListJobs(ctx, queue.JobFilter{Status: queue.StatusFailedFinal})
	require.NoError(t, err)
	assert.Empty(t, failed)

	_, err = s.HardReset(ctx)
	require.NoError(t, err)

	failFinal(t, s)
	insert(t, s, queue.NewJob{})
	n, err = s.Flush(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.HardReset(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	all, err := s.ListJobs(ctx, queue.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testBulkActionsCoverPendingRetries(t *testing.T, s queue.Store) {
	ctx := context.Background()
	retrying := insert(t, s, queue.NewJob{MaxRetries: 3})
	require.NotNil(t, claim(t, s, "worker-1"))
	status, err := s.MarkFailed(ctx, retrying, "worker-1", "flaky", time.Hour)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, status)

	// claimed once and handed back, but never failed
	released := insert(t, s, queue.NewJob{})
	got := claim(t, s, "worker-1")
	require.NotNil(t, got)
	require.Equal(t, released, got.ID)
	require.NoError(t, s.ReleaseJob(ctx, released, "worker-1"))

	n, err := s.ResetFailed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	job := get(t, s, retrying)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Empty(t, job.LastError)
	assert.Equal(t, 1, get(t, s, released).Attempts)

	got = claim(t, s, "worker-1")
	require.NotNil(t, got)
	require.Equal(t, retrying, got.ID)
	_, err = s.MarkFailed(ctx, retrying, "worker-1", "flaky again", time.Hour)
	require.NoError(t, err)

	n, err = s.Flush(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = s.GetJob(ctx, retrying)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	assert.Equal(t, queue.StatusPending, get(t, s, released).Status)
}

func testCleanup(t *testing.T, s queue.Store) {
	ctx := context.Background()
	done := insert(t, s, queue.NewJob{})
	require.NotNil(t, claim(t, s, "worker-1"))
	require.NoError(t, s.MarkCompleted(ctx, done, "worker-1"))
	failed := failFinal(t, s)
	pending := insert(t, s, queue.NewJob{})

	n, err := s.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "recent terminal jobs are kept")

	time.Sleep(staleWait)
	n, err = s.Cleanup(ctx, staleAfter)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = s.GetJob(ctx, done)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	_, err = s.GetJob(ctx, failed)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	assert.Equal(t, queue.StatusPending, get(t, s, pending).Status)
}

func testCleanupProcesses(t *testing.T, s queue.Store) {
	ctx := context.Background()
	heartbeat(t, s, "worker-old", nil)
	time.Sleep(staleWait)
	heartbeat(t, s, "worker-new", nil)

	n, err := s.CleanupProcesses(ctx, staleAfter)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	procs, err := s.ListProcesses(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "worker-new", procs[0].WorkerKey)
}

// ── reporting ─────────────────────────────────────────────────────────────────

func testListJobsAndStats(t *testing.T, s queue.Store) {
	ctx := context.Background()
	insert(t, s, queue.NewJob{TaskName: "Email.Send", Group: "newsletter", Reference: "user:1"})
	insert(t, s, queue.NewJob{TaskName: "Email.Send"})
	insert(t, s, queue.NewJob{TaskName: "Queue.Example"})
	require.NotNil(t, claim(t, s, "worker-1"))

	emails, err := s.ListJobs(ctx, queue.JobFilter{TaskName: "Email.Send"})
	require.NoError(t, err)
	require.Len(t, emails, 2)
	assert.Greater(t, emails[0].ID, emails[1].ID, "newest first")

	grouped, err := s.ListJobs(ctx, queue.JobFilter{Group: "newsletter"})
	require.NoError(t, err)
	require.Len(t, grouped, 1)
	assert.Equal(t, "user:1", grouped[0].Reference)

	limited, err := s.ListJobs(ctx, queue.JobFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	claimed, err := s.ListJobs(ctx, queue.JobFilter{Status: queue.StatusClaimed})
	require.NoError(t, err)
	assert.Len(t, claimed, 1)

	open, err := s.ListJobs(ctx, queue.JobFilter{Statuses: []queue.Status{queue.StatusPending, queue.StatusClaimed}})
	require.NoError(t, err)
	assert.Len(t, open, 3)

	none, err := s.ListJobs(ctx, queue.JobFilter{Statuses: []queue.Status{queue.StatusCompleted, queue.StatusFailedFinal}})
	require.NoError(t, err)
	assert.Empty(t, none)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	counts := make(map[string]int64)
	for _, st := range stats {
		counts[st.TaskName+"/"+string(st.Status)] = st.Count
	}
	assert.Equal(t, map[string]int64{
		"Email.Send/claimed":    1,
		"Email.Send/pending":    1,
		"Queue.Example/pending": 1,
	}, counts)
}

func testActiveJob(t *testing.T, s queue.Store) {
	ctx := context.Background()
	none, err := s.ActiveJob(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	id := insert(t, s, queue.NewJob{})
	require.NotNil(t, claim(t, s, "worker-1"))

	active, err := s.ActiveJob(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, id, active.ID)

	require.NoError(t, s.MarkCompleted(ctx, id, "worker-1"))
	active, err = s.ActiveJob(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, active)
}
