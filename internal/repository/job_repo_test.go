//go:build !integration && !e2e
// +build !integration,!e2e

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/tests/testutil"
)

func TestJobRepository_EnqueueAndClaim(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := repo.Enqueue(ctx, models.JobTypeHydrateMetadata, `{"illust_id":1}`, EnqueueOptions{})
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	job, err := repo.Claim(ctx, "worker-1", now)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, models.JobRunning, job.Status)
	require.NotNil(t, job.LockedBy)
	assert.Equal(t, "worker-1", *job.LockedBy)

	// A second claim finds nothing: the only job is running.
	job2, err := repo.Claim(ctx, "worker-2", now)
	require.NoError(t, err)
	assert.Nil(t, job2)
}

func TestJobRepository_ClaimOrdering(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	normal, err := repo.Enqueue(ctx, models.JobTypeHydrateMetadata, `{}`, EnqueueOptions{Priority: 0})
	require.NoError(t, err)
	urgent, err := repo.Enqueue(ctx, models.JobTypeHydrateMetadata, `{}`, EnqueueOptions{Priority: -10})
	require.NoError(t, err)

	job, err := repo.Claim(ctx, "w", now)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, urgent, job.ID, "lower priority value claims first")

	job, err = repo.Claim(ctx, "w", now)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, normal, job.ID)
}

func TestJobRepository_ClaimRespectsRunAfter(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	future := now.Add(time.Hour)

	_, err := repo.Enqueue(ctx, models.JobTypeHydrateMetadata, `{}`, EnqueueOptions{RunAfter: &future})
	require.NoError(t, err)

	job, err := repo.Claim(ctx, "w", now)
	require.NoError(t, err)
	assert.Nil(t, job, "scheduled job must not be claimable before run_after")

	job, err = repo.Claim(ctx, "w", future.Add(time.Second))
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestJobRepository_EnqueueUnique(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	opts := EnqueueOptions{RefType: "opportunistic_hydrate", RefID: 42}
	id, err := repo.EnqueueUnique(ctx, models.JobTypeHydrateMetadata, `{"illust_id":42}`, opts)
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	// Duplicate while the first is still active is a no-op.
	dup, err := repo.EnqueueUnique(ctx, models.JobTypeHydrateMetadata, `{"illust_id":42}`, opts)
	require.NoError(t, err)
	assert.Zero(t, dup)

	// After the first completes, the ref becomes enqueueable again.
	job, err := repo.Claim(ctx, "w", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, repo.MarkCompleted(ctx, job.ID))

	again, err := repo.EnqueueUnique(ctx, models.JobTypeHydrateMetadata, `{"illust_id":42}`, opts)
	require.NoError(t, err)
	assert.Greater(t, again, int64(0))
}

func TestJobRepository_DeferKeepsAttempt(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := repo.Enqueue(ctx, models.JobTypeHydrateMetadata, `{}`, EnqueueOptions{})
	require.NoError(t, err)
	_, err = repo.Claim(ctx, "w", now)
	require.NoError(t, err)

	require.NoError(t, repo.Defer(ctx, id, "no token until later", now.Add(time.Minute)))

	job, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Zero(t, job.Attempt, "deferral must not consume an attempt")
	assert.Nil(t, job.LockedBy)
	require.NotNil(t, job.RunAfter)
}

func TestJobRepository_RetryLifecycle(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := repo.Enqueue(ctx, models.JobTypeHydrateMetadata, `{}`, EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)
	_, err = repo.Claim(ctx, "w", now)
	require.NoError(t, err)

	require.NoError(t, repo.MarkFailedRetry(ctx, id, "upstream 500", now.Add(time.Minute)))
	job, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 1, job.Attempt)

	// Not yet due.
	n, err := repo.PromoteDueRetries(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.PromoteDueRetries(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err = repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 1, job.Attempt, "attempt survives promotion")
}

func TestJobRepository_SweepExpiredLeases(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := repo.Enqueue(ctx, models.JobTypeHydrateMetadata, `{}`, EnqueueOptions{})
	require.NoError(t, err)
	_, err = repo.Claim(ctx, "crashed-worker", now)
	require.NoError(t, err)

	// Fresh lease is untouched.
	n, err := repo.SweepExpiredLeases(ctx, 5*time.Minute, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.SweepExpiredLeases(ctx, 5*time.Minute, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Nil(t, job.LockedBy)
}

func TestJobRepository_Transitions(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	id, err := repo.Enqueue(ctx, models.JobTypeImportURLs, `{}`, EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, repo.Pause(ctx, id))
	assert.Error(t, repo.Pause(ctx, id), "pausing a paused job fails")

	require.NoError(t, repo.Cancel(ctx, id))
	assert.Error(t, repo.Cancel(ctx, id), "canceling a canceled job fails")

	require.NoError(t, repo.Retry(ctx, id))
	job, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Nil(t, job.LastError)
}

func TestJobRepository_RetryRejectsPaused(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	id, err := repo.Enqueue(ctx, models.JobTypeImportURLs, `{}`, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, repo.Pause(ctx, id))

	// Paused is not terminal: it unblocks via Resume, not Retry.
	assert.Error(t, repo.Retry(ctx, id))

	require.NoError(t, repo.Resume(ctx, id))
	job, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)

	assert.Error(t, repo.Resume(ctx, id), "resuming a pending job fails")
}

func TestJobRepository_CountByStatus(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.Enqueue(ctx, models.JobTypeHydrateMetadata, `{}`, EnqueueOptions{})
		require.NoError(t, err)
	}
	job, err := repo.Claim(ctx, "w", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, repo.MarkDLQ(ctx, job.ID, "permanent"))

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["pending"])
	assert.Equal(t, int64(1), counts["dlq"])
}
