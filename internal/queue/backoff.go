package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before the next attempt of a failed job.
// attempt is the number of attempts made so far (1 after the first failure).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// maxDelay is the largest representable time.Duration.
const maxDelay = time.Duration(math.MaxInt64)

// Exponential doubles the delay each attempt: min(Initial * 2^(attempt-1), Max).
// A zero Max caps the delay at the largest time.Duration instead of letting
// it overflow.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if e.Initial <= 0 {
		return 0
	}
	limit := e.Max
	if limit <= 0 {
		limit = maxDelay
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// Jittered spreads the exponential delay over [Delay/2, Delay) so that jobs
// failing together do not retry together.
type Jittered struct {
	Exponential
}

func (j Jittered) Delay(attempt int) time.Duration {
	d := j.Exponential.Delay(attempt)
	return d/2 + time.Duration(rand.Float64()*float64(d/2)) //nolint:gosec // G404: jitter for backoff is not a security-sensitive operation
}

// Constant always waits Interval.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration { return c.Interval }

// DefaultBackoff is used when no strategy is configured: 30s doubling to 1h.
func DefaultBackoff() Backoff {
	return Exponential{Initial: 30 * time.Second, Max: time.Hour}
}
