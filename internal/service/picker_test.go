//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/config"
	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/tests/testutil"
)

func TestPickerService_PickSeedDeterministic(t *testing.T) {
	db := testutil.NewTestDB(t)
	images := repository.NewImageRepository(db, db)
	jobs := repository.NewJobRepository(db)
	svc := NewPickerService(config.RandomConfig{}, images, jobs, zap.NewNop())
	ctx := context.Background()

	for i := 1; i <= 20; i++ {
		testutil.SeedImage(t, db, testutil.ImageSpec{IllustID: int64(i), RandomKey: float64(i) / 21})
	}

	filter := &models.RandomFilter{R18: models.R18Safe}
	first, err := svc.Pick(ctx, filter, PickOptions{Seed: "fixed-seed"})
	require.NoError(t, err)
	require.NotNil(t, first)

	for i := 0; i < 3; i++ {
		again, err := svc.Pick(ctx, filter, PickOptions{Seed: "fixed-seed"})
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, first.ID, again.ID, "same seed draws the same image")
	}
}

func TestPickerService_PickEmptyPopulation(t *testing.T) {
	db := testutil.NewTestDB(t)
	images := repository.NewImageRepository(db, db)
	jobs := repository.NewJobRepository(db)
	svc := NewPickerService(config.RandomConfig{}, images, jobs, zap.NewNop())

	got, err := svc.Pick(context.Background(), &models.RandomFilter{R18: models.R18Safe}, PickOptions{})
	require.NoError(t, err)
	assert.Nil(t, got, "no match is nil, not an error")
}

func TestPickerService_PickQualityBest(t *testing.T) {
	db := testutil.NewTestDB(t)
	images := repository.NewImageRepository(db, db)
	jobs := repository.NewJobRepository(db)
	svc := NewPickerService(config.RandomConfig{}, images, jobs, zap.NewNop())
	ctx := context.Background()

	testutil.SeedImage(t, db, testutil.ImageSpec{IllustID: 1, RandomKey: 0.2, Bookmarks: 5, Views: 1000})
	star := testutil.SeedImage(t, db, testutil.ImageSpec{IllustID: 2, RandomKey: 0.5, Bookmarks: 9000, Views: 50000})
	testutil.SeedImage(t, db, testutil.ImageSpec{IllustID: 3, RandomKey: 0.8, Bookmarks: 40, Views: 8000})

	got, err := svc.Pick(ctx, &models.RandomFilter{R18: models.R18Safe}, PickOptions{
		Strategy:       PickStrategyQuality,
		QualitySamples: 10,
		Quality:        DefaultQualityParams(),
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, star, got.ID, "best mode picks the strongest candidate")
}

func TestPickerService_ApplyFailCooldown(t *testing.T) {
	db := testutil.NewTestDB(t)
	images := repository.NewImageRepository(db, db)
	jobs := repository.NewJobRepository(db)
	svc := NewPickerService(config.RandomConfig{FailCooldownSeconds: 600}, images, jobs, zap.NewNop())
	now := time.Now().UTC()

	filter := &models.RandomFilter{R18: models.R18Safe}
	svc.ApplyFailCooldown(filter, now)
	require.NotNil(t, filter.FailCooldownBefore)
	assert.WithinDuration(t, now.Add(-10*time.Minute), *filter.FailCooldownBefore, time.Second)

	// An explicit horizon is left alone.
	custom := now.Add(-time.Minute)
	filter = &models.RandomFilter{R18: models.R18Safe, FailCooldownBefore: &custom}
	svc.ApplyFailCooldown(filter, now)
	assert.Equal(t, custom, *filter.FailCooldownBefore)
}

func TestPickerService_EnqueueOpportunisticHydrate(t *testing.T) {
	db := testutil.NewTestDB(t)
	images := repository.NewImageRepository(db, db)
	jobs := repository.NewJobRepository(db)
	svc := NewPickerService(config.RandomConfig{}, images, jobs, zap.NewNop())
	ctx := context.Background()

	bareID := testutil.SeedImage(t, db, testutil.ImageSpec{IllustID: 10, RandomKey: 0.1})
	bare, err := images.FindByID(ctx, bareID)
	require.NoError(t, err)

	svc.EnqueueOpportunisticHydrate(ctx, bare)
	// Concurrent second request dedupes on the active job ref.
	svc.EnqueueOpportunisticHydrate(ctx, bare)

	counts, err := jobs.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["pending"])

	job, err := jobs.Claim(ctx, "w", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, -10, job.Priority, "opportunistic work yields to explicit runs")
	require.NotNil(t, job.RefType)
	assert.Equal(t, "opportunistic_hydrate", *job.RefType)
}

func TestPickerService_EnqueueOpportunisticHydrateSkipsComplete(t *testing.T) {
	db := testutil.NewTestDB(t)
	images := repository.NewImageRepository(db, db)
	jobs := repository.NewJobRepository(db)
	svc := NewPickerService(config.RandomConfig{}, images, jobs, zap.NewNop())
	ctx := context.Background()

	fullID := testutil.SeedImage(t, db, testutil.ImageSpec{
		IllustID: 20, RandomKey: 0.5, Width: 1200, Height: 1600,
		XRestrict: testutil.IntPtr(0), UserID: 7, Title: "hydrated",
	})
	testutil.SeedTag(t, db, fullID, "scenery")
	full, err := images.FindByID(ctx, fullID)
	require.NoError(t, err)

	svc.EnqueueOpportunisticHydrate(ctx, full)

	counts, err := jobs.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts, "a fully hydrated image needs no followup")
}
