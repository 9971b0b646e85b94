//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/tests/testutil"
)

func claimJob(t *testing.T, jobs *repository.JobRepository, jobType string, opts repository.EnqueueOptions) *models.Job {
	t.Helper()
	ctx := context.Background()
	_, err := jobs.Enqueue(ctx, jobType, `{}`, opts)
	require.NoError(t, err)
	job, err := jobs.Claim(ctx, "w", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestDispatcher_Success(t *testing.T) {
	db := testutil.NewTestDB(t)
	jobs := repository.NewJobRepository(db)
	d := NewDispatcher(jobs, zap.NewNop())
	ctx := context.Background()

	d.Register("noop", func(ctx context.Context, job *models.Job) error { return nil })
	job := claimJob(t, jobs, "noop", repository.EnqueueOptions{})
	d.Execute(ctx, job)

	got, err := jobs.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
}

func TestDispatcher_PermanentGoesToDLQ(t *testing.T) {
	db := testutil.NewTestDB(t)
	jobs := repository.NewJobRepository(db)
	d := NewDispatcher(jobs, zap.NewNop())
	ctx := context.Background()

	d.Register("bad", func(ctx context.Context, job *models.Job) error {
		return &PermanentError{Reason: "unparseable payload"}
	})
	job := claimJob(t, jobs, "bad", repository.EnqueueOptions{MaxAttempts: 5})
	d.Execute(ctx, job)

	got, err := jobs.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDLQ, got.Status, "permanent failures skip the retry ladder")
}

func TestDispatcher_DeferKeepsAttempt(t *testing.T) {
	db := testutil.NewTestDB(t)
	jobs := repository.NewJobRepository(db)
	d := NewDispatcher(jobs, zap.NewNop())
	ctx := context.Background()
	later := time.Now().UTC().Add(time.Minute)

	d.Register("waiting", func(ctx context.Context, job *models.Job) error {
		return &DeferError{Reason: "no token available", RunAfter: later}
	})
	job := claimJob(t, jobs, "waiting", repository.EnqueueOptions{})
	d.Execute(ctx, job)

	got, err := jobs.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Zero(t, got.Attempt)
	require.NotNil(t, got.RunAfter)
}

func TestDispatcher_RecoverableRetriesThenDLQ(t *testing.T) {
	db := testutil.NewTestDB(t)
	jobs := repository.NewJobRepository(db)
	d := NewDispatcher(jobs, zap.NewNop())
	ctx := context.Background()

	d.Register("flaky", func(ctx context.Context, job *models.Job) error {
		return errors.New("upstream 500")
	})

	job := claimJob(t, jobs, "flaky", repository.EnqueueOptions{MaxAttempts: 2})
	d.Execute(ctx, job)

	got, err := jobs.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 1, got.Attempt)

	// Promote, reclaim and fail again: attempts are exhausted.
	_, err = jobs.PromoteDueRetries(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	reclaimed, err := jobs.Claim(ctx, "w", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	d.Execute(ctx, reclaimed)

	got, err = jobs.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDLQ, got.Status)
}

func TestDispatcher_UnknownTypeGoesToDLQ(t *testing.T) {
	db := testutil.NewTestDB(t)
	jobs := repository.NewJobRepository(db)
	d := NewDispatcher(jobs, zap.NewNop())
	ctx := context.Background()

	job := claimJob(t, jobs, "never_registered", repository.EnqueueOptions{})
	d.Execute(ctx, job)

	got, err := jobs.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDLQ, got.Status)
}

func TestDispatcher_ShutdownLeavesJobRunning(t *testing.T) {
	db := testutil.NewTestDB(t)
	jobs := repository.NewJobRepository(db)
	d := NewDispatcher(jobs, zap.NewNop())

	d.Register("slow", func(ctx context.Context, job *models.Job) error {
		return context.Canceled
	})
	job := claimJob(t, jobs, "slow", repository.EnqueueOptions{})
	d.Execute(context.Background(), job)

	got, err := jobs.FindByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, got.Status, "the lease sweep reclaims aborted jobs")
}
