// Package builtin provides the Queue module's tasks: a logging example, a
// command runner, a webhook caller and a long-running progress example.
package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/Ansteorra/KMP-sub014/internal/task"
)

// ModuleName prefixes every task in this package.
const ModuleName = "Queue"

// maxOutput caps how much command output is kept for the error message.
const maxOutput = 2048

// Module returns the Queue module. client is used by Queue.Webhook; pass the
// result of NewSafeClient in production.
func Module(client *http.Client, log *slog.Logger) task.Module {
	if log == nil {
		log = slog.Default()
	}
	return task.Module{
		Name: ModuleName,
		Tasks: []task.Task{
			ExampleTask{Log: log},
			NewExecute(),
			NewWebhook(client),
			NewProgressExample(log),
		},
	}
}

// ExampleTask logs its payload and succeeds. Registered as Queue.Example.
type ExampleTask struct {
	Log *slog.Logger
}

func (t ExampleTask) Run(ctx context.Context, payload map[string]any, jobID int64) error {
	t.Log.InfoContext(ctx, "example task", "job_id", jobID, "payload", payload)
	return nil
}

// ExecutePayload is the payload of Queue.Execute.
type ExecutePayload struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
}

// NewExecute returns Queue.Execute, which runs a command and fails when it
// exits non-zero. The command is killed when the job deadline passes.
// Commands are not assumed to be idempotent, so failures are not retried.
func NewExecute() *task.Definition[ExecutePayload] {
	return task.NewDefinition("Execute", execute, task.WithMaxRetries(0))
}

func execute(ctx context.Context, p ExecutePayload, _ int64) error {
	if p.Command == "" {
		return errors.New("execute: command is required")
	}
	cmd := exec.CommandContext(ctx, p.Command, p.Args...) //nolint:gosec // G204: command comes from an operator-enqueued job
	cmd.Dir = p.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("execute %s: %w", p.Command, ctx.Err())
		}
		return fmt.Errorf("execute %s: %w: %s", p.Command, err, tail(out.String(), maxOutput))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// ProgressPayload is the payload of Queue.ProgressExample.
type ProgressPayload struct {
	Seconds int `json:"seconds"`
}

// NewProgressExample returns Queue.ProgressExample, which sleeps for Seconds
// (default 10) logging once a second, and stops early when cancelled.
func NewProgressExample(log *slog.Logger) *task.Definition[ProgressPayload] {
	return task.NewDefinition("ProgressExample", func(ctx context.Context, p ProgressPayload, jobID int64) error {
		total := p.Seconds
		if total <= 0 {
			total = 10
		}
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for i := 1; i <= total; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				log.InfoContext(ctx, "progress", "job_id", jobID, "done", i, "total", total)
			}
		}
		return nil
	})
}
