package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/Ansteorra/KMP-sub014/internal/task"
)

var (
	// ErrUnknownTask is returned when a task name does not resolve in the registry.
	ErrUnknownTask = task.ErrUnknownTask
	// ErrClaimMismatch is returned when a worker touches a job it no longer owns.
	ErrClaimMismatch = errors.New("job is not claimed by this worker")
	// ErrNotFound is returned when a job or process row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrHandlerFailure marks a task that returned an error or panicked.
	ErrHandlerFailure = errors.New("handler failure")
	// ErrHandlerTimeout marks a task that exceeded its deadline. It also
	// matches ErrHandlerFailure.
	ErrHandlerTimeout = errors.New("handler timeout")
)

// HandlerError describes one failed task execution.
type HandlerError struct {
	Task    string
	JobID   int64
	Err     error
	Timeout time.Duration // non-zero when the deadline elapsed
}

func (e *HandlerError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("handler timeout: task %s exceeded %s", e.Task, e.Timeout)
	}
	return fmt.Sprintf("handler failure: task %s: %v", e.Task, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Is matches ErrHandlerFailure for every handler error and ErrHandlerTimeout
// for deadline overruns.
func (e *HandlerError) Is(target error) bool {
	switch target {
	case ErrHandlerFailure:
		return true
	case ErrHandlerTimeout:
		return e.Timeout > 0
	}
	return false
}

// Kind returns the taxonomy name of err for operator-facing output.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownTask):
		return "UnknownTask"
	case errors.Is(err, ErrClaimMismatch):
		return "ClaimMismatch"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrHandlerTimeout):
		return "HandlerTimeout"
	case errors.Is(err, ErrHandlerFailure):
		return "HandlerFailure"
	default:
		return "Error"
	}
}
