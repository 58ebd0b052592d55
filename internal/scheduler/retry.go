package scheduler

import (
	"time"

	"github.com/adolago/tiara/internal/model"
)

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry calculates the delay before retry number attempt (0-based)
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// DefaultBackoff doubles a one second delay up to five minutes
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2,
	}
}

// NextRetry returns min(MaxDelay, InitialDelay·Multiplier^attempt).
// Multiplier is expected to be greater than 1; configuration rejects
// anything else.
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= s.Multiplier
		if s.MaxDelay > 0 && delay >= float64(s.MaxDelay) {
			return s.MaxDelay
		}
	}

	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// RetryPolicy decides whether a failed round is retried and when
type RetryPolicy struct {
	Strategy   RetryStrategy
	MaxRetries int
}

// Decide returns whether a task whose round-th dispatch failed with kind
// should be retried, and after which delay. A negative task MaxRetries
// disables retries; zero uses the policy default.
func (p RetryPolicy) Decide(task *model.Task, kind model.ErrorKind, round int) (bool, time.Duration) {
	if !kind.Retryable() {
		return false, 0
	}

	limit := p.MaxRetries
	switch {
	case task.MaxRetries < 0:
		return false, 0
	case task.MaxRetries > 0:
		limit = task.MaxRetries
	}
	if round > limit {
		return false, 0
	}

	if p.Strategy == nil {
		return true, 0
	}
	return true, p.Strategy.NextRetry(round - 1)
}
