// Package backoff provides exponential backoff utilities with jitter for
// reconnection and delivery retry logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Base is the delay before the first retry attempt.
	Base time.Duration
	// Cap is the maximum delay between attempts.
	Cap time.Duration
	// Jitter is the randomization factor (0.0 to 1.0) applied to the delay.
	Jitter float64
}

// Delay calculates the backoff duration for a given attempt number.
// The formula is: delay = min(base * 2^(attempt-1), cap) + delay * jitter * random().
// Attempt numbers start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand calculates the backoff duration using a provided random
// value in [0.0, 1.0). Tests use it for deterministic results.
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)

	base := float64(p.Base) * math.Pow(2, exp)
	capped := math.Min(base, float64(p.Cap))

	jitter := capped * p.Jitter * randomValue
	return time.Duration(capped + jitter)
}

// DefaultPolicy returns the standard reconnection policy.
// Base: 1s, Cap: 30s, Jitter: 10%.
func DefaultPolicy() Policy {
	return Policy{
		Base:   time.Second,
		Cap:    30 * time.Second,
		Jitter: 0.1,
	}
}

// SendRetryPolicy returns the policy used for transient send failures,
// which retries much faster than reconnection.
// Base: 50ms, Cap: 2s, Jitter: 10%.
func SendRetryPolicy() Policy {
	return Policy{
		Base:   50 * time.Millisecond,
		Cap:    2 * time.Second,
		Jitter: 0.1,
	}
}
