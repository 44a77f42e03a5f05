// Package queue carries render jobs from the API to the workers over asynq.
package queue

import (
	"time"

	"github.com/hibiken/asynq"

	"github.com/manimstudio/api/internal/config"
)

// Retention bounds how much finished history the queue keeps
type Retention struct {
	MaxCount int
	MaxAge   time.Duration
}

// Policy is the retry, admission and retention configuration of the render queue.
type Policy struct {
	Queue        string
	Concurrency  int
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	LeaseTimeout time.Duration
	Completed    Retention
	Failed       Retention
}

// DefaultPolicy matches the shipped configuration defaults
func DefaultPolicy() Policy {
	return Policy{
		Queue:        "render",
		Concurrency:  5,
		MaxAttempts:  3,
		BaseDelay:    2 * time.Second,
		MaxDelay:     5 * time.Minute,
		LeaseTimeout: 35 * time.Minute,
		Completed:    Retention{MaxCount: 100, MaxAge: 24 * time.Hour},
		Failed:       Retention{MaxCount: 200, MaxAge: 7 * 24 * time.Hour},
	}
}

// PolicyFromConfig builds a policy, keeping defaults for unset values
func PolicyFromConfig(cfg config.QueueConfig) Policy {
	p := DefaultPolicy()
	if cfg.Name != "" {
		p.Queue = cfg.Name
	}
	if cfg.Concurrency > 0 {
		p.Concurrency = cfg.Concurrency
	}
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	if cfg.LeaseTimeout > 0 {
		p.LeaseTimeout = cfg.LeaseTimeout
	}
	if cfg.CompletedMaxCount > 0 {
		p.Completed.MaxCount = cfg.CompletedMaxCount
	}
	if cfg.CompletedMaxAge > 0 {
		p.Completed.MaxAge = cfg.CompletedMaxAge
	}
	if cfg.FailedMaxCount > 0 {
		p.Failed.MaxCount = cfg.FailedMaxCount
	}
	if cfg.FailedMaxAge > 0 {
		p.Failed.MaxAge = cfg.FailedMaxAge
	}
	return p
}

// MaxRetry converts the attempt budget into asynq's retry count.
func (p Policy) MaxRetry() int {
	if p.MaxAttempts < 1 {
		return 0
	}
	return p.MaxAttempts - 1
}

// HasAttemptsLeft reports whether another delivery follows a failed attempt.
// attempt is 1-based.
func (p Policy) HasAttemptsLeft(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Backoff returns the delay before the next attempt after retried failures:
// BaseDelay doubled per prior retry, capped at MaxDelay.
func (p Policy) Backoff(retried int) time.Duration {
	if retried < 0 {
		retried = 0
	}
	d := p.BaseDelay
	for i := 0; i < retried; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// RetryDelay satisfies asynq.RetryDelayFunc
func (p Policy) RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return p.Backoff(n)
}
