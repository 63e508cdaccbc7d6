// Package backoff provides delay strategies for reconnecting broker
// consumers and redelivering tasks after a transient backend error.
// All strategies are stateless and safe for concurrent use.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before attempt n.
type Strategy interface {
	// Delay returns how long to wait before attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return capped(e.Initial, e.Max, attempt)
}

// ExponentialWithJitter applies full jitter to an exponential base so
// workers that lost the same broker do not reconnect in lockstep.
// Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential strategy with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := capped(e.Initial, e.Max, attempt)
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

func capped(initial, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// DefaultStrategy returns the reconnect strategy used by broker
// consumers: ExponentialWithJitter with 500ms initial and 30s max.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(500*time.Millisecond, 30*time.Second)
}

// Wait sleeps for s.Delay(attempt) or until ctx is done, returning
// ctx.Err() in the latter case.
func Wait(ctx context.Context, s Strategy, attempt int) error {
	timer := time.NewTimer(s.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
