// Package queue holds the job and process model, the store contracts shared
// by the database backends, and the Queue façade producers and workers use to
// enqueue jobs and record failures.
package queue

import "time"

// Status is the lifecycle state of a job row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	// StatusFailed is accepted by the schema and by operator filters; failed
	// attempts with retries left go straight back to pending.
	StatusFailed      Status = "failed"
	StatusFailedFinal Status = "failed_final"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusClaimed, StatusRunning,
	StatusCompleted, StatusFailed, StatusFailedFinal,
}

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailedFinal
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Payload is the JSON object handed to a task.
type Payload = map[string]any

// Job is one row of queue_jobs.
type Job struct {
	ID          int64
	TaskName    string
	Payload     Payload
	Status      Status
	Priority    int
	NotBefore   time.Time
	Attempts    int
	MaxRetries  int
	WorkerKey   string
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	LastError   string
	Group       string
	Reference   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewJob is the insert form of a job. A nil NotBefore means now.
type NewJob struct {
	TaskName   string
	Payload    Payload
	Priority   int
	NotBefore  *time.Time
	MaxRetries int
	Group      string
	Reference  string
}

// JobFilter narrows ListJobs. Zero fields do not filter.
type JobFilter struct {
	Status Status
	// Statuses matches any of the listed statuses, combined with Status.
	Statuses []Status
	TaskName string
	Group    string
	Limit    uint64
}

// TaskStats is one (task, status) bucket of the job table.
type TaskStats struct {
	TaskName string
	Status   Status
	Count    int64
}

// Process is one row of queue_processes, the liveness record of a worker.
type Process struct {
	WorkerKey       string
	Host            string
	PID             int
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	Terminate       bool
	ActiveJobID     *int64
}

