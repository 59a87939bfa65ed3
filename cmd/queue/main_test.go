// ABOUTME: End-to-end tests of the queue CLI against a temporary SQLite database.
// ABOUTME: Config comes from env vars, so these tests set env and cannot run in parallel.
package main

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ansteorra/KMP-sub014/internal/queue"
	"github.com/Ansteorra/KMP-sub014/internal/testutil"
)

func useSQLite(t *testing.T) string {
	t.Helper()
	path := testutil.NewSQLitePath(t)
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", path)
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("QUEUE_BACKOFF_BASE", "0s")
	t.Setenv("QUEUE_BACKOFF_JITTER", "false")
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

var enqueuedRe = regexp.MustCompile(`job (\d+) enqueued`)

func mustAdd(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, append([]string{"add"}, args...)...)
	require.NoError(t, err)
	m := enqueuedRe.FindStringSubmatch(out)
	require.Len(t, m, 2, "unexpected add output %q", out)
	return m[1]
}

func TestCLI_AddRunInspect(t *testing.T) {
	useSQLite(t)

	id := mustAdd(t, "Example", "--data", `{"hello":"world"}`, "--group", "demo")

	out, err := execute(t, "jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "Queue.Example")
	assert.Contains(t, out, "pending")

	out, err = execute(t, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "1 job processed")

	out, err = execute(t, "job", id)
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "Attempts:")
	assert.Contains(t, out, `{"hello":"world"}`)

	out, err = execute(t, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "no job available")

	out, err = execute(t, "info")
	require.NoError(t, err)
	assert.Contains(t, out, "Email.Send")
	assert.Contains(t, out, "Queue.Webhook")
	assert.Regexp(t, `Queue\.Example\s+completed\s+1`, out)
}

func TestCLI_FailedJobLifecycle(t *testing.T) {
	useSQLite(t)

	// exit 1 with no retries goes straight to failed_final.
	id := mustAdd(t, "Queue.Execute", "--data", `{"command":"false"}`)
	_, err := execute(t, "run")
	require.NoError(t, err)

	out, err := execute(t, "jobs", "--status", "failed_final")
	require.NoError(t, err)
	assert.Contains(t, out, "Queue.Execute")

	out, err = execute(t, "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "1 failed jobs reset")

	out, err = execute(t, "job", id)
	require.NoError(t, err)
	assert.Contains(t, out, "pending")

	_, err = execute(t, "job", "remove", id)
	require.NoError(t, err)

	_, err = execute(t, "job", id)
	require.Error(t, err)
	var buf bytes.Buffer
	printError(&buf, err)
	assert.True(t, strings.HasPrefix(buf.String(), "NotFound: "), buf.String())
}

func TestCLI_UnknownTask(t *testing.T) {
	useSQLite(t)

	_, err := execute(t, "add", "Nope.Missing")
	require.Error(t, err)

	var buf bytes.Buffer
	printError(&buf, err)
	assert.True(t, strings.HasPrefix(buf.String(), "UnknownTask: "), buf.String())
	assert.Contains(t, buf.String(), "Nope.Missing")
}

func TestCLI_InvalidInput(t *testing.T) {
	useSQLite(t)

	_, err := execute(t, "add", "Queue.Example", "--data", `[1,2]`)
	require.Error(t, err)

	_, err = execute(t, "job", "abc")
	require.Error(t, err)

	_, err = execute(t, "jobs", "--status", "bogus")
	require.Error(t, err)

	_, err = execute(t, "hard-reset")
	require.Error(t, err)

	_, err = execute(t, "processes", "end")
	require.Error(t, err)
}

func TestCLI_HardResetAndCleanup(t *testing.T) {
	useSQLite(t)
	mustAdd(t, "Queue.Example")
	mustAdd(t, "Queue.Example")

	out, err := execute(t, "hard-reset", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "2 jobs removed")

	out, err = execute(t, "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "0 finished jobs")
}

func TestCLI_WorkerMaxJobs(t *testing.T) {
	useSQLite(t)
	t.Setenv("QUEUE_POLL_INTERVAL", "10ms")
	mustAdd(t, "Queue.Example")
	mustAdd(t, "Queue.Example")

	_, err := execute(t, "worker", "--max-jobs", "2")
	require.NoError(t, err)

	out, err := execute(t, "jobs", "--status", "completed")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "Queue.Example"))

	out, err = execute(t, "processes")
	require.NoError(t, err)
	assert.Contains(t, out, "No workers")

	out, err = execute(t, "processes", "end", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "0 workers")
}

func TestCLI_ProcessesState(t *testing.T) {
	path := useSQLite(t)
	t.Setenv("QUEUE_WORKER_TIMEOUT", "100ms")

	st := testutil.OpenSQLiteStore(t, path)
	ctx := context.Background()
	_, err := st.Heartbeat(ctx, queue.Process{WorkerKey: "gone-worker", Host: "h1", PID: 1})
	require.NoError(t, err)
	time.Sleep(250 * time.Millisecond)
	_, err = st.Heartbeat(ctx, queue.Process{WorkerKey: "live-worker", Host: "h2", PID: 2})
	require.NoError(t, err)
	_, err = st.Heartbeat(ctx, queue.Process{WorkerKey: "ending-worker", Host: "h3", PID: 3})
	require.NoError(t, err)
	require.NoError(t, st.RequestTerminate(ctx, "ending-worker"))

	out, err := execute(t, "processes")
	require.NoError(t, err)
	assert.Regexp(t, `gone-worker\s.*\sstale\n`, out)
	assert.Regexp(t, `live-worker\s.*\salive\n`, out)
	assert.Regexp(t, `ending-worker\s.*\sterminating\n`, out)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"line one\nline two", 20, "line one line two"},
		{"abcdefghij", 8, "abcde..."},
		{"héllo wörld ünïcode", 10, "héllo w..."},
		{"日本語のエラーメッセージ", 6, "日本語..."},
		{"abcdef", 2, "ab"},
	}
	for _, tc := range tests {
		got := truncate(tc.in, tc.n)
		assert.Equal(t, tc.want, got, "truncate(%q, %d)", tc.in, tc.n)
		assert.True(t, utf8.ValidString(got), "truncate(%q, %d) split a rune", tc.in, tc.n)
		assert.LessOrEqual(t, utf8.RuneCountInString(got), tc.n)
	}
}

func TestCLI_MigrateIsIdempotent(t *testing.T) {
	useSQLite(t)

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema at version 2")
}

func TestCLI_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := execute(t, "info")
	require.Error(t, err)
	var buf bytes.Buffer
	printError(&buf, err)
	assert.True(t, strings.HasPrefix(buf.String(), "Error: "), buf.String())
}
