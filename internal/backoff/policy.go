// Package backoff provides exponential backoff with jitter plus a small
// retry helper. The plugin manager uses it to pace crash restarts and the
// HTTP plugin transport uses it for transient request failures.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied to each attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the backoff.
	Jitter float64
}

// Compute calculates the backoff duration for a given attempt number.
// base = initialMs * factor^(attempt-1), plus base*jitter*random(),
// clamped to MaxMs. Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff duration using a provided random
// value in [0.0, 1.0). Used by tests for deterministic results.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// DefaultPolicy returns the policy used for plugin crash restarts.
// Initial: 500ms, Max: 30s, Factor: 2, Jitter: 10%
func DefaultPolicy() Policy {
	return Policy{
		InitialMs: 500,
		MaxMs:     30000,
		Factor:    2,
		Jitter:    0.1,
	}
}

// QuickPolicy returns a policy for fast transport-level retries.
// Initial: 100ms, Max: 5s, Factor: 2, Jitter: 10%
func QuickPolicy() Policy {
	return Policy{
		InitialMs: 100,
		MaxMs:     5000,
		Factor:    2,
		Jitter:    0.1,
	}
}
