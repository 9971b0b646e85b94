//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenThrottle_EnforcesInterval(t *testing.T) {
	th := NewTokenThrottle(50*time.Millisecond, 0)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, th.Wait(ctx, 1), "first call passes immediately")
	require.NoError(t, th.Wait(ctx, 1))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTokenThrottle_TokensAreIndependent(t *testing.T) {
	th := NewTokenThrottle(200*time.Millisecond, 0)
	ctx := context.Background()

	require.NoError(t, th.Wait(ctx, 1))
	start := time.Now()
	require.NoError(t, th.Wait(ctx, 2))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "another token's interval does not apply")
}

func TestTokenThrottle_ContextCancellation(t *testing.T) {
	th := NewTokenThrottle(time.Minute, 0)
	require.NoError(t, th.Wait(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := th.Wait(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
