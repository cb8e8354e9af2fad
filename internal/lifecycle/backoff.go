package lifecycle

import (
	"math"
	"time"
)

// BackoffPolicy controls the reconnect loop: exponential delay growth from
// BaseDelay, capped at MaxDelay, with a hard cap on attempts. Parameters are
// plain data so tests and config can shape the loop without touching code.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultBackoffPolicy returns the policy used when config is absent:
// 5 attempts, 2s base delay, 2x multiplier, 1m max delay.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		Multiplier:  2.0,
		MaxDelay:    time.Minute,
	}
}

// Delay returns the backoff delay before the given attempt (1-indexed).
// The delay is BaseDelay * Multiplier^(attempt-1), capped at MaxDelay, so it
// is non-decreasing in the attempt number.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
