//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBackoff_Curves(t *testing.T) {
	tests := []struct {
		name    string
		class   FailureClass
		attempt int
		want    time.Duration
	}{
		{"auth first", FailureAuth, 1, time.Minute},
		{"auth second", FailureAuth, 2, 5 * time.Minute},
		{"auth capped", FailureAuth, 99, 2 * time.Hour},
		{"rate limit first", FailureRateLimit, 1, 15 * time.Second},
		{"rate limit capped", FailureRateLimit, 10, 3 * time.Minute},
		{"server first", FailureServer, 1, 30 * time.Second},
		{"server capped", FailureServer, 6, 30 * time.Minute},
		{"attempt floor", FailureServer, 0, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TokenBackoff(tt.class, tt.attempt))
		})
	}
}

func TestTokenBackoff_RateLimitWindow(t *testing.T) {
	// Rate-limit cooling always stays within seconds-to-minutes; it should
	// never reach the hours-long auth territory.
	for attempt := 1; attempt <= 20; attempt++ {
		d := TokenBackoff(FailureRateLimit, attempt)
		assert.GreaterOrEqual(t, d, 15*time.Second)
		assert.LessOrEqual(t, d, 3*time.Minute)
	}
}

func TestJobRetryBackoff(t *testing.T) {
	for attempt := 1; attempt <= 12; attempt++ {
		d := JobRetryBackoff(attempt)
		assert.GreaterOrEqual(t, d, time.Second, "attempt %d", attempt)
		// base caps at 256s, jitter adds at most a quarter on top
		assert.LessOrEqual(t, d, 320*time.Second, "attempt %d", attempt)
	}

	// Early attempts grow roughly exponentially.
	assert.GreaterOrEqual(t, JobRetryBackoff(3), 8*time.Second)
	assert.GreaterOrEqual(t, JobRetryBackoff(5), 32*time.Second)
}
