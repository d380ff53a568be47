// Package backoff provides the retry delay policies used by the herder:
// jittered backoff for transient store operations and the shrinking
// catch-up schedule used while a leader retries reading the config log.
package backoff

import (
	rand "math/rand/v2"
	"time"
)

// Jitter implements decorrelated jitter backoff ("Full Jitter" variant)
// with a cap.
// See: https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
//
// Given previous delay prev, computes the next delay as
//
//	next = min(cap, base + rand(prev*mult - base))
//
// Behavior:
//   - If prev <= 0, start from base
//   - mult <= 1.0 falls back to 1.0 (no growth)
//   - cap <= base returns cap
func Jitter(prev, base time.Duration, mult float64, capDur time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	if mult < 1.0 {
		mult = 1.0
	}
	if capDur > 0 && capDur < base {
		return capDur
	}

	if prev <= 0 {
		if capDur > 0 && base > capDur {
			return capDur
		}

		return base
	}

	maxDuration := time.Duration(float64(prev)*mult) - base
	if maxDuration <= 0 {
		maxDuration = base
	}

	var jitter int64
	if rng != nil {
		jitter = rng.Int64N(int64(maxDuration))
	} else {
		jitter = rand.Int64N(int64(maxDuration)) //nolint:gosec // non-crypto backoff jitter
	}

	next := base + time.Duration(jitter)
	if capDur > 0 && next > capDur {
		return capDur
	}

	return next
}

// CatchUpDelay returns the delay before the next config catch-up retry.
//
// The schedule shrinks as retries are exhausted: base / attemptsRemaining.
// attemptsRemaining <= 0 yields zero delay.
func CatchUpDelay(base time.Duration, attemptsRemaining int) time.Duration {
	if attemptsRemaining <= 0 {
		return 0
	}

	return base / time.Duration(attemptsRemaining)
}

// NewRetryRNG returns a deterministic RNG only when a non-zero seed is
// provided. When seed == 0 it returns nil so callers use the package-level
// PRNG instead, keeping production jitter inexpensive.
//
//nolint:gosec
func NewRetryRNG(seed int64) *rand.Rand {
	if seed == 0 {
		return nil
	}
	s1 := uint64(seed)
	s2 := s1 ^ 0x9e3779b97f4a7c15

	return rand.New(rand.NewPCG(s1, s2))
}
