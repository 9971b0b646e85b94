//go:build !integration && !e2e
// +build !integration,!e2e

package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithWriteRetry_RetriesOnBusy(t *testing.T) {
	calls := 0
	err := WithWriteRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithWriteRetry_PassesThroughOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("UNIQUE constraint failed: images.illust_id")
	err := WithWriteRetry(context.Background(), func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom, "non-contention errors are not retried")
	assert.Equal(t, 1, calls)
}

func TestWithWriteRetry_GivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	err := WithWriteRetry(context.Background(), func() error {
		calls++
		return errors.New("database is locked")
	})
	require.Error(t, err)
	assert.Equal(t, writeRetries+1, calls)
}

func TestWithWriteRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := WithWriteRetry(ctx, func() error {
		return errors.New("database is locked")
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
