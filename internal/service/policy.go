// Package service implements the hydration pipeline, proxy routing, the
// random picker and the background worker.
package service

import (
	"math/rand"
	"time"
)

// Sticky override and blacklist lifetimes.
const (
	OverrideTTL          = 30 * time.Minute
	BlacklistTTL         = 30 * time.Minute
	BlacklistTTLHydrate  = 5 * time.Minute
	NoTokenFallbackDelay = 60 * time.Second
)

// FailureClass partitions upstream failures for backoff purposes.
type FailureClass int

const (
	FailureAuth FailureClass = iota
	FailureRateLimit
	FailureServer
)

// backoff curves, seconds by consecutive-failure attempt (1-based). Auth
// failures cool longest since a dead refresh token rarely heals quickly;
// rate limits clear fast; 5xx sits in between. All capped at the last entry.
var (
	authBackoff      = []int{60, 300, 900, 1800, 3600, 7200}
	rateLimitBackoff = []int{15, 30, 60, 120, 180}
	serverBackoff    = []int{30, 60, 180, 600, 1800}
)

// TokenBackoff returns how long a token should sit out after its n-th
// consecutive failure of the given class.
func TokenBackoff(class FailureClass, attempt int) time.Duration {
	var curve []int
	switch class {
	case FailureAuth:
		curve = authBackoff
	case FailureRateLimit:
		curve = rateLimitBackoff
	default:
		curve = serverBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(curve) {
		attempt = len(curve)
	}
	return time.Duration(curve[attempt-1]) * time.Second
}

// JobRetryBackoff returns the delay before a failed job attempt is retried.
func JobRetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(1<<uint(min(attempt, 8))) * time.Second
	if base > 10*time.Minute {
		base = 10 * time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 4))
	return base + jitter
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
