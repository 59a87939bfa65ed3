// ABOUTME: Tests for the Queue module tasks: registration names, command execution, webhook signing.
package builtin_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ansteorra/KMP-sub014/internal/task"
	"github.com/Ansteorra/KMP-sub014/internal/tasks/builtin"
)

func buildTestClient() *http.Client {
	// safeurl blocks the loopback addresses httptest listens on.
	return &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestModule_RegisteredNames(t *testing.T) {
	reg, err := task.NewRegistry(task.Defaults{Timeout: time.Minute, MaxRetries: 2},
		builtin.Module(buildTestClient(), slog.Default()))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Queue.Example",
		"Queue.Execute",
		"Queue.ProgressExample",
		"Queue.Webhook",
	}, reg.Names())

	d, err := reg.Get("Queue.Execute")
	require.NoError(t, err)
	assert.Equal(t, 0, d.MaxRetries)

	name, err := reg.Resolve("Example")
	require.NoError(t, err)
	assert.Equal(t, "Queue.Example", name)
}

// ── Execute ───────────────────────────────────────────────────────────────────

func TestExecute_Success(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	err := builtin.NewExecute().Run(context.Background(),
		map[string]any{"command": "sh", "args": []any{"-c", "exit 0"}}, 1)
	require.NoError(t, err)
}

func TestExecute_NonZeroExitIncludesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	err := builtin.NewExecute().Run(context.Background(),
		map[string]any{"command": "sh", "args": []any{"-c", "echo broken >&2; exit 3"}}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, err.Error(), "broken")
}

func TestExecute_MissingCommand(t *testing.T) {
	err := builtin.NewExecute().Run(context.Background(), map[string]any{}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command is required")
}

func TestExecute_KilledAtDeadline(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := builtin.NewExecute().Run(ctx,
		map[string]any{"command": "sleep", "args": []any{"5"}}, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

// ── ProgressExample ───────────────────────────────────────────────────────────

func TestProgressExample_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := builtin.NewProgressExample(slog.Default()).Run(ctx, map[string]any{"seconds": 30}, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestProgressExample_Completes(t *testing.T) {
	err := builtin.NewProgressExample(slog.Default()).Run(context.Background(), map[string]any{"seconds": 1}, 1)
	require.NoError(t, err)
}

// ── Webhook ───────────────────────────────────────────────────────────────────

func TestWebhook_HMACHeadersCorrect(t *testing.T) {
	var gotTS, gotSig, gotCustom string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTS = r.Header.Get(builtin.HeaderTimestamp)
		gotSig = r.Header.Get(builtin.HeaderSignature)
		gotCustom = r.Header.Get("X-Custom")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	secret := "s3cret"
	err := builtin.NewWebhook(buildTestClient()).Run(context.Background(), map[string]any{
		"url":     srv.URL,
		"body":    map[string]any{"event": "member.updated", "id": 7},
		"secret":  secret,
		"headers": map[string]any{"X-Custom": "ok", "Host": "evil.internal"},
	}, 1)
	require.NoError(t, err)

	assert.JSONEq(t, `{"event":"member.updated","id":7}`, string(gotBody))
	assert.Equal(t, "ok", gotCustom)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gotTS + "." + string(gotBody)))
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestWebhook_UnsignedWithoutSecret(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(builtin.HeaderSignature)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := builtin.PostWebhook(context.Background(), buildTestClient(), builtin.WebhookPayload{URL: srv.URL})
	require.NoError(t, err)
	assert.Empty(t, gotSig)
}

func TestWebhook_Non2xxReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := builtin.PostWebhook(context.Background(), buildTestClient(), builtin.WebhookPayload{URL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestWebhook_RedirectRejected(t *testing.T) {
	inner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer inner.Close()
	outer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, inner.URL, http.StatusFound)
	}))
	defer outer.Close()

	err := builtin.PostWebhook(context.Background(), buildTestClient(), builtin.WebhookPayload{URL: outer.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "302")
}

func TestWebhook_SafeClientBlocksLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := builtin.PostWebhook(context.Background(), builtin.NewSafeClient(), builtin.WebhookPayload{URL: srv.URL})
	require.Error(t, err, "safeurl must refuse loopback targets")
}
