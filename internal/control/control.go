package control

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy defines how many times a provider call is attempted and how long
// to wait between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns 3 attempts with 1s doubling backoff capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns the wait after the given failed attempt (1-based):
// min(BaseDelay * 2^(attempt-1), MaxDelay).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	p = p.normalized()
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// ShouldRetry returns whether another attempt is allowed after attempts tries.
func (p RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts < p.normalized().MaxAttempts
}

// NewBackOff returns a backoff.BackOff that waits Backoff(n) after the n-th
// failed attempt and stops once ShouldRetry(n) is false.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	return &policyBackOff{policy: p.normalized()}
}

type policyBackOff struct {
	policy  RetryPolicy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	if !b.policy.ShouldRetry(b.attempt) {
		return backoff.Stop
	}
	return b.policy.Backoff(b.attempt)
}

func (b *policyBackOff) Reset() { b.attempt = 0 }
