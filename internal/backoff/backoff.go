// Package backoff computes jittered exponential delays for retrying
// transient failures.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy parameterizes the delay curve.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the delay regardless of attempt number.
	Max time.Duration

	// Factor is the exponential growth per attempt.
	Factor float64

	// Jitter randomizes each delay upward by up to this fraction.
	Jitter float64
}

// Default is tuned for LLM provider retries: long enough to ride out a
// momentary overload, short enough to keep an interactive turn responsive.
func Default() Policy {
	return Policy{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.1}
}

// Delay returns the jittered delay before the given retry attempt.
// Attempts are 1-indexed.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64())
}

// DelayWithRand is Delay with the jitter draw injected, for deterministic
// tests. random must be in [0, 1).
func (p Policy) DelayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	return time.Duration(math.Min(total, float64(p.Max)))
}

// Sleep waits for d, returning early with the context error if ctx is
// cancelled first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
