package errors

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig bounds reconnection attempts.
type BackoffConfig struct {
	MaxAttempts  int           // attempts after the first failure; exceeding it is fatal
	BaseDelay    time.Duration // delay before the first retry
	MaxDelay     time.Duration // hard cap on a single delay
	JitterFactor float64       // ±fraction of randomization, 0 disables
}

// DefaultBackoffConfig returns sensible defaults
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxAttempts:  5,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.2,
	}
}

// Backoff returns the delay before retry number attempt (0-based).
// attempt 0 -> base, 1 -> 2*base, 2 -> 4*base ... capped at MaxDelay.
func (c BackoffConfig) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := c.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	raw := float64(base) * math.Pow(2, float64(attempt))
	var delay time.Duration
	switch {
	case c.MaxDelay > 0 && raw > float64(c.MaxDelay):
		delay = c.MaxDelay
	case raw > float64(math.MaxInt64):
		delay = time.Duration(math.MaxInt64)
	default:
		delay = time.Duration(raw)
	}

	if c.JitterFactor > 0 {
		jitter := float64(delay) * c.JitterFactor
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
		if delay < 0 {
			delay = base
		}
		if c.MaxDelay > 0 && delay > c.MaxDelay {
			delay = c.MaxDelay
		}
	}
	return delay
}

// Exhausted reports whether attempt (1-based count of failures) is beyond the cap.
func (c BackoffConfig) Exhausted(failures int) bool {
	return failures > c.MaxAttempts
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
