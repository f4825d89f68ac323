// Package backoff provides jittered exponential backoff for retry loops.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines the parameters for exponential backoff calculation.
type BackoffPolicy struct {
	// InitialMs is the delay before the second attempt, in milliseconds.
	InitialMs float64
	// MaxMs caps any single delay, in milliseconds.
	MaxMs float64
	// Factor is the exponential growth factor per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64
}

// ComputeBackoff returns the delay after the given attempt (1-indexed):
// min(MaxMs, base + base*Jitter*rand) with base = InitialMs * Factor^(attempt-1).
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	return ComputeBackoffWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeBackoffWithRand is ComputeBackoff with a caller-supplied random
// value in [0.0, 1.0).
func ComputeBackoffWithRand(policy BackoffPolicy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	total := base + base*policy.Jitter*randomValue
	if policy.MaxMs > 0 {
		total = math.Min(policy.MaxMs, total)
	}
	return time.Duration(math.Round(total)) * time.Millisecond
}

// DefaultPolicy is used for provider calls and other network retries.
// Initial: 500ms, Max: 30s, Factor: 2, Jitter: 20%
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialMs: 500,
		MaxMs:     30000,
		Factor:    2,
		Jitter:    0.2,
	}
}

// ContentionPolicy is tuned for optimistic-concurrency conflicts where the
// competing writer finishes within milliseconds. The wide jitter spreads
// racing writers apart.
// Initial: 10ms, Max: 250ms, Factor: 2, Jitter: 50%
func ContentionPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialMs: 10,
		MaxMs:     250,
		Factor:    2,
		Jitter:    0.5,
	}
}
