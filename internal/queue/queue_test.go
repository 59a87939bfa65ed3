// ABOUTME: Tests for the Queue façade: registry validation on enqueue and retry scheduling.
// ABOUTME: Runs against a SQLite store in a temp dir.
package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ansteorra/KMP-sub014/internal/queue"
	"github.com/Ansteorra/KMP-sub014/internal/task"
	"github.com/Ansteorra/KMP-sub014/internal/testutil"
)

type SendTask struct{}

func (SendTask) Run(context.Context, map[string]any, int64) error { return nil }
func (SendTask) MaxRetries() int                                  { return 4 }

type ExampleTask struct{}

func (ExampleTask) Run(context.Context, map[string]any, int64) error { return nil }

func newQueue(t *testing.T, opts ...queue.Option) *queue.Queue {
	t.Helper()
	reg, err := task.NewRegistry(task.Defaults{Timeout: time.Minute, MaxRetries: 2},
		task.Module{Name: "Email", Tasks: []task.Task{SendTask{}}},
		task.Module{Name: "Queue", Tasks: []task.Task{ExampleTask{}}},
	)
	require.NoError(t, err)
	return queue.New(testutil.NewSQLiteStore(t), reg, opts...)
}

func TestEnqueue_UnknownTask(t *testing.T) {
	t.Parallel()
	q := newQueue(t)

	_, err := q.Enqueue(context.Background(), "Nope.Missing", nil)
	require.ErrorIs(t, err, queue.ErrUnknownTask)
	assert.Equal(t, "UnknownTask", queue.Kind(err))

	jobs, err := q.Store().ListJobs(context.Background(), queue.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "nothing is inserted for an unknown task")
}

func TestEnqueue_ResolvesAndCopiesDescriptor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newQueue(t)

	id, err := q.Enqueue(ctx, "Send", queue.Payload{"to": "a@example.com"})
	require.NoError(t, err)

	job, err := q.Store().GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Email.Send", job.TaskName)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, 4, job.MaxRetries)
	assert.Equal(t, queue.DefaultPriority, job.Priority)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, queue.Payload{"to": "a@example.com"}, job.Payload)
}

func TestEnqueue_Options(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newQueue(t, queue.WithDefaultPriority(7))

	id, err := q.Enqueue(ctx, "Queue.Example", nil,
		queue.WithPriority(1),
		queue.WithDelay(time.Hour),
		queue.WithGroup("reports"),
		queue.WithReference("invoice:9"),
		queue.WithMaxRetries(0),
	)
	require.NoError(t, err)

	job, err := q.Store().GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Priority)
	assert.Equal(t, "reports", job.Group)
	assert.Equal(t, "invoice:9", job.Reference)
	assert.Equal(t, 0, job.MaxRetries)
	assert.True(t, job.NotBefore.After(time.Now().Add(50*time.Minute)))
	assert.Empty(t, job.Payload)

	claimed, err := q.Store().ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, claimed, "delayed job is not claimable yet")

	other, err := q.Enqueue(ctx, "Queue.Example", nil)
	require.NoError(t, err)
	job, err = q.Store().GetJob(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, 7, job.Priority)
}

func TestMarkFailed_AppliesBackoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newQueue(t, queue.WithBackoff(queue.Constant{Interval: time.Hour}))

	id, err := q.Enqueue(ctx, "Queue.Example", nil)
	require.NoError(t, err)
	job, err := q.Store().ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)

	status, err := q.MarkFailed(ctx, job, "worker-1", errors.New("smtp down"))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, status)

	got, err := q.Store().GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "smtp down", got.LastError)
	assert.True(t, got.NotBefore.After(time.Now().Add(50*time.Minute)))
}

func TestMarkFailed_ClaimMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newQueue(t)

	_, err := q.Enqueue(ctx, "Queue.Example", nil)
	require.NoError(t, err)
	job, err := q.Store().ClaimNext(ctx, "worker-1")
	require.NoError(t, err)

	_, err = q.MarkFailed(ctx, job, "worker-2", errors.New("x"))
	require.ErrorIs(t, err, queue.ErrClaimMismatch)
	assert.Equal(t, "ClaimMismatch", queue.Kind(err))
}
