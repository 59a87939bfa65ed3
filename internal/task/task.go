// Package task defines the task capability executed by queue workers and the
// immutable registry that maps task names to descriptors.
//
// Modules contribute tasks through static [Module] lists that are merged once
// at startup by [NewRegistry]. The registry is passed explicitly to the
// components that need it; there is no package-level instance.
package task

import (
	"context"
	"time"
)

// Task is the unit of work a worker executes for a claimed job. Run receives
// the decoded job payload and the job id. A non-nil error counts as a failed
// attempt; ctx is cancelled when the task's timeout elapses.
//
// Tasks must not touch the job store; all state transitions belong to the
// worker that invoked them.
type Task interface {
	Run(ctx context.Context, payload map[string]any, jobID int64) error
}

// TimeoutProvider is implemented by tasks that need a per-task execution
// deadline. Values <= 0 fall back to the registry default.
type TimeoutProvider interface {
	Timeout() time.Duration
}

// RetryProvider is implemented by tasks with their own retry budget.
// Negative values fall back to the registry default.
type RetryProvider interface {
	MaxRetries() int
}

// Named is implemented by tasks that report their own short name instead of
// having one derived from their Go type name.
type Named interface {
	TaskName() string
}

// Module is a static list of tasks contributed by one code root. The hosting
// application's own module has an empty Name and its tasks are registered
// under their bare short names; every other module prefixes its tasks with
// Name followed by a dot.
type Module struct {
	Name  string
	Tasks []Task
}

// Descriptor is the in-memory view of one registered task. Descriptors are
// built at startup and never persisted.
type Descriptor struct {
	// Name is the canonical dotted name stored in queue_jobs.task_name.
	Name string
	// Module is the contributing module, empty for application tasks.
	Module string
	// ShortName is the name without the module prefix.
	ShortName string
	// TypeRef is the fully-qualified Go type of the handler.
	TypeRef    string
	Handler    Task
	Timeout    time.Duration
	MaxRetries int
}
