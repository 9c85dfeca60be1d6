package queue

import (
	"sync"
	"time"
)

// RetryPolicy is exponential backoff with a cap and an attempt limit.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns 1s doubling to 30s, five attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// DelayFor returns the delay planned after the given number of consecutive
// failures: min(MaxDelay, BaseDelay * 2^(attempt-1)). Attempt 0 yields
// BaseDelay.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// RetryState tracks consecutive failures of one scheduler.
type RetryState struct {
	policy RetryPolicy

	mu      sync.Mutex
	attempt int
}

// NewRetryState creates a retry state with the given policy.
func NewRetryState(p RetryPolicy) *RetryState {
	return &RetryState{policy: p}
}

// Fail records a failure and returns the delay before the next attempt.
// The attempt counter never exceeds MaxAttempts.
func (r *RetryState) Fail() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.policy.MaxAttempts <= 0 || r.attempt < r.policy.MaxAttempts {
		r.attempt++
	}
	return r.policy.DelayFor(r.attempt)
}

// Delay returns the currently planned delay.
func (r *RetryState) Delay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy.DelayFor(r.attempt)
}

// Attempt returns the number of consecutive failures.
func (r *RetryState) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// Exhausted reports whether automatic retries should stop.
func (r *RetryState) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy.MaxAttempts > 0 && r.attempt >= r.policy.MaxAttempts
}

// Reset clears the failure count after a successful drain.
func (r *RetryState) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = 0
}

// RetryInSeconds converts a delay into the user-facing "retry in" hint,
// capped at five seconds.
func RetryInSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs > 5 {
		return 5
	}
	if secs < 0 {
		return 0
	}
	return secs
}
