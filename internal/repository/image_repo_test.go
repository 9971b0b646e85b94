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

func TestImageRepository_PickRandomWrapsAround(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewImageRepository(db, db)
	ctx := context.Background()

	a := testutil.SeedImage(t, db, testutil.ImageSpec{IllustID: 1, RandomKey: 0.1})
	b := testutil.SeedImage(t, db, testutil.ImageSpec{IllustID: 2, RandomKey: 0.5})
	c := testutil.SeedImage(t, db, testutil.ImageSpec{IllustID: 3, RandomKey: 0.9})

	filter := &models.RandomFilter{R18: models.R18Safe}

	// Cursor past the last key wraps to the smallest.
	got, err := repo.PickRandom(ctx, filter, 0.95, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a, got[0].ID)

	// Cursor between keys picks the next one up.
	got, err = repo.PickRandom(ctx, filter, 0.3, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b, got[0].ID)

	// A multi-row pick past the end collects the tail then wraps.
	got, err = repo.PickRandom(ctx, filter, 0.4, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{b, c, a}, []int64{got[0].ID, got[1].ID, got[2].ID})
}

func TestImageRepository_PickRandomFilters(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewImageRepository(db, db)
	ctx := context.Background()

	safe := testutil.SeedImage(t, db, testutil.ImageSpec{IllustID: 1, RandomKey: 0.2, XRestrict: testutil.IntPtr(0), Width: 1000, Height: 2000})
	r18 := testutil.SeedImage(t, db, testutil.ImageSpec{IllustID: 2, RandomKey: 0.4, XRestrict: testutil.IntPtr(1)})
	unknown := testutil.SeedImage(t, db, testutil.ImageSpec{IllustID: 3, RandomKey: 0.6})
	_ = unknown

	// Default safe mode excludes r18 but keeps unhydrated rows.
	got, err := repo.PickRandom(ctx, &models.RandomFilter{R18: models.R18Safe}, 0.0, 10)
	require.NoError(t, err)
	ids := imageIDs(got)
	assert.NotContains(t, ids, r18)
	assert.Len(t, ids, 2)

	// Strict safe mode drops rows without a known x_restrict.
	got, err = repo.PickRandom(ctx, &models.RandomFilter{R18: models.R18Safe, R18Strict: true}, 0.0, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{safe}, imageIDs(got))

	// R18-only keeps just the restricted row.
	got, err = repo.PickRandom(ctx, &models.RandomFilter{R18: models.R18Only}, 0.0, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{r18}, imageIDs(got))

	// Dimension thresholds apply only to hydrated rows.
	got, err = repo.PickRandom(ctx, &models.RandomFilter{R18: models.R18Safe, MinWidth: 800}, 0.0, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{safe}, imageIDs(got))
}

func TestImageRepository_PickRandomTagGroups(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewImageRepository(db, db)
	ctx := context.Background()

	both := testutil.SeedImage(t, db, testutil.ImageSpec{IllustID: 1, RandomKey: 0.1})
	testutil.SeedTag(t, db, both, "landscape")
	testutil.SeedTag(t, db, both, "night")

	one := testutil.SeedImage(t, db, testutil.ImageSpec{IllustID: 2, RandomKey: 0.5})
	testutil.SeedTag(t, db, one, "landscape")

	// Groups AND together; terms within a group OR.
	filter := &models.RandomFilter{
		R18:               models.R18Safe,
		IncludedTagGroups: []models.TagGroup{{"landscape"}, {"night", "evening"}},
	}
	got, err := repo.PickRandom(ctx, filter, 0.0, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{both}, imageIDs(got))

	// Excluded tags knock out matches.
	filter = &models.RandomFilter{
		R18:          models.R18Safe,
		ExcludedTags: []string{"night"},
	}
	got, err = repo.PickRandom(ctx, filter, 0.0, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{one}, imageIDs(got))
}

func TestImageRepository_FailCooldown(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewImageRepository(db, db)
	ctx := context.Background()
	now := time.Now().UTC()

	ok := testutil.SeedImage(t, db, testutil.ImageSpec{IllustID: 1, RandomKey: 0.2})
	failing := testutil.SeedImage(t, db, testutil.ImageSpec{IllustID: 2, RandomKey: 0.6})
	require.NoError(t, repo.MarkServeFailure(ctx, failing, "UPSTREAM_404", now))

	horizon := now.Add(-10 * time.Minute)
	filter := &models.RandomFilter{R18: models.R18Safe, FailCooldownBefore: &horizon}
	got, err := repo.PickRandom(ctx, filter, 0.0, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{ok}, imageIDs(got))

	img, err := repo.FindByID(ctx, failing)
	require.NoError(t, err)
	assert.Equal(t, 1, img.FailCount)
	require.NotNil(t, img.LastErrorCode)
	assert.Equal(t, "UPSTREAM_404", *img.LastErrorCode)
}

func TestImageRepository_InsertStubDedup(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewImageRepository(db, db)
	ctx := context.Background()

	id, created, err := repo.InsertStub(ctx, 100, 0, "jpg", "https://i.pximg.net/x/100_p0.jpg", nil)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := repo.InsertStub(ctx, 100, 0, "jpg", "https://i.pximg.net/x/100_p0.jpg", nil)
	require.NoError(t, err)
	assert.False(t, created, "same (illust, page) dedupes")
	assert.Equal(t, id, again)

	_, created, err = repo.InsertStub(ctx, 100, 1, "jpg", "https://i.pximg.net/x/100_p1.jpg", nil)
	require.NoError(t, err)
	assert.True(t, created, "different page is a new row")
}

func TestImageRepository_NextHydrationCandidates(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewImageRepository(db, db)
	ctx := context.Background()

	bare := testutil.SeedImage(t, db, testutil.ImageSpec{IllustID: 1, RandomKey: 0.1})
	full := testutil.SeedImage(t, db, testutil.ImageSpec{
		IllustID: 2, RandomKey: 0.2, Width: 100, Height: 100, UserID: 7, Title: "done",
	})
	testutil.SeedTag(t, db, full, "tagged")

	got, err := repo.NextHydrationCandidates(ctx, 0, []string{"geometry", "tags"}, 10)
	require.NoError(t, err)
	ids := imageIDs(got)
	assert.Contains(t, ids, bare)
	assert.NotContains(t, ids, full)

	// Cursor excludes already-visited rows.
	got, err = repo.NextHydrationCandidates(ctx, bare, []string{"geometry"}, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = repo.NextHydrationCandidates(ctx, 0, []string{"bogus"}, 10)
	assert.Error(t, err, "unknown criteria are rejected")
}

func imageIDs(images []*models.Image) []int64 {
	ids := make([]int64, 0, len(images))
	for _, img := range images {
		ids = append(ids, img.ID)
	}
	return ids
}
