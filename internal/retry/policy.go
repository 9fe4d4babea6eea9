// Package retry holds the backoff policy applied between dispatch attempts.
package retry

import "time"

// Policy computes the delay before the next attempt of a failed job.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}
}

// Delay returns BaseDelay * 2^(attempt-1), capped at MaxDelay. attempt is
// the number of the attempt about to be dispatched, so the first retry
// (attempt 2) waits twice the base delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
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

// Exhausted reports whether a job that has used attemptCount attempts may
// not be retried again.
func (p Policy) Exhausted(attemptCount, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	return attemptCount >= maxAttempts
}
