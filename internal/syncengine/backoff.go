package syncengine

import "time"

// RetryPolicy bounds the retries of a single outbox entry.
//
// The delay after the n-th consecutive failure is
// BaseDelay * Multiplier^(n-1), capped at MaxDelay. An entry whose
// retry count reaches MaxRetries leaves automatic retry.
type RetryPolicy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultRetryPolicy is 2s doubling up to 5m, five attempts.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:  2 * time.Second,
	Multiplier: 2,
	MaxDelay:   5 * time.Minute,
	MaxRetries: 5,
}

// Delay returns the wait before the next attempt after retryCount failures.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < retryCount; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether retryCount failures use up the budget.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return p.MaxRetries > 0 && retryCount >= p.MaxRetries
}

// breaker counts consecutive failed cycles. It is not safe for concurrent
// use; the engine guards it with its own mutex.
type breaker struct {
	threshold int
	failures  int
}

func newBreaker(threshold int) *breaker {
	return &breaker{threshold: threshold}
}

// Failure records a failed cycle and reports whether the breaker is open.
func (b *breaker) Failure() bool {
	b.failures++
	return b.Open()
}

// Success closes the breaker.
func (b *breaker) Success() {
	b.failures = 0
}

// Open reports whether automatic cycles are suppressed.
func (b *breaker) Open() bool {
	return b.threshold > 0 && b.failures >= b.threshold
}

// Failures returns the number of consecutive failed cycles.
func (b *breaker) Failures() int {
	return b.failures
}
