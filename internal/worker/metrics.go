package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job outcome label values.
const (
	outcomeCompleted   = "completed"
	outcomeRetry       = "retry"
	outcomeFailedFinal = "failed_final"
	outcomeLost        = "lost" // claim taken over by reclaim before the outcome was recorded
)

// Metrics holds the worker's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	// jobsProcessed counts executed jobs by task and outcome.
	jobsProcessed *prometheus.CounterVec

	// jobDuration tracks task execution time by task.
	jobDuration *prometheus.HistogramVec

	// jobsReclaimed counts jobs returned to pending from dead workers.
	jobsReclaimed prometheus.Counter
}

// NewMetrics registers the worker collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_processed_total",
			Help: "Total number of executed jobs by task and outcome",
		}, []string{"task", "outcome"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queue_job_duration_seconds",
			Help:    "Task execution time by task",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300},
		}, []string{"task"}),
		jobsReclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_reclaimed_total",
			Help: "Total number of stale jobs returned to pending",
		}),
	}
}

func (m *Metrics) observe(taskName, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(taskName, outcome).Inc()
	if outcome != outcomeLost || d > 0 {
		m.jobDuration.WithLabelValues(taskName).Observe(d.Seconds())
	}
}

func (m *Metrics) reclaimed(n int64) {
	if m == nil {
		return
	}
	m.jobsReclaimed.Add(float64(n))
}
