package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Definition adapts a typed handler function into a Task. The job payload is
// decoded into T through its JSON form before the handler runs.
type Definition[T any] struct {
	name       string
	handler    func(ctx context.Context, payload T, jobID int64) error
	timeout    time.Duration
	maxRetries int
}

// Option configures a Definition.
type Option func(*definitionOptions)

type definitionOptions struct {
	timeout    time.Duration
	maxRetries int
}

// WithTimeout sets the execution deadline for the task.
func WithTimeout(d time.Duration) Option {
	return func(o *definitionOptions) { o.timeout = d }
}

// WithMaxRetries sets how many retries follow the first failed attempt.
func WithMaxRetries(n int) Option {
	return func(o *definitionOptions) { o.maxRetries = n }
}

// NewDefinition creates a typed task named name. Without options the task
// uses the registry defaults.
func NewDefinition[T any](name string, handler func(ctx context.Context, payload T, jobID int64) error, opts ...Option) *Definition[T] {
	o := definitionOptions{maxRetries: -1}
	for _, opt := range opts {
		opt(&o)
	}
	return &Definition[T]{
		name:       name,
		handler:    handler,
		timeout:    o.timeout,
		maxRetries: o.maxRetries,
	}
}

// TaskName implements Named.
func (d *Definition[T]) TaskName() string { return d.name }

// Timeout implements TimeoutProvider.
func (d *Definition[T]) Timeout() time.Duration { return d.timeout }

// MaxRetries implements RetryProvider.
func (d *Definition[T]) MaxRetries() int { return d.maxRetries }

// Run decodes payload into T and calls the typed handler.
func (d *Definition[T]) Run(ctx context.Context, payload map[string]any, jobID int64) error {
	var v T
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload for task %q: %w", d.name, err)
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode payload for task %q: %w", d.name, err)
		}
	}
	return d.handler(ctx, v, jobID)
}
