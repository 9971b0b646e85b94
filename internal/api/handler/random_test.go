//go:build !integration && !e2e
// +build !integration,!e2e

package handler

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/service"
	"github.com/user/piximg-go/tests/testutil"
)

func filterContext(rawQuery string) *gin.Context {
	c, _ := testutil.NewTestContext()
	c.Request = httptest.NewRequest("GET", "/random?"+rawQuery, nil)
	return c
}

func TestParseFilter_Defaults(t *testing.T) {
	f, err := parseFilter(filterContext(""))
	require.NoError(t, err)

	assert.Equal(t, models.R18Safe, f.R18)
	assert.False(t, f.R18Strict)
	assert.Empty(t, f.Orientations)
	assert.Empty(t, f.IncludedTagGroups)
}

func TestParseFilter_R18(t *testing.T) {
	f, err := parseFilter(filterContext("r18=2&r18_strict=1"))
	require.NoError(t, err)
	assert.Equal(t, models.R18Any, f.R18)
	assert.True(t, f.R18Strict)

	_, err = parseFilter(filterContext("r18=3"))
	require.Error(t, err)
	apiErr, ok := err.(*models.APIError)
	require.True(t, ok)
	assert.Equal(t, models.CodeBadRequest, apiErr.Code)
}

func TestParseFilter_Orientation(t *testing.T) {
	f, err := parseFilter(filterContext("orientation=portrait"))
	require.NoError(t, err)
	assert.Equal(t, []int{int(models.OrientationPortrait)}, f.Orientations)

	// layout is the legacy alias.
	f, err = parseFilter(filterContext("layout=landscape"))
	require.NoError(t, err)
	assert.Equal(t, []int{int(models.OrientationLandscape)}, f.Orientations)

	_, err = parseFilter(filterContext("orientation=diagonal"))
	assert.Error(t, err)
}

func TestParseFilter_AdaptiveOrientation(t *testing.T) {
	c := filterContext("adaptive=1")
	c.Request.Header.Set("Sec-CH-Viewport-Width", "390")
	c.Request.Header.Set("Sec-CH-Viewport-Height", "844")

	f, err := parseFilter(c)
	require.NoError(t, err)
	assert.Equal(t, []int{int(models.OrientationPortrait)}, f.Orientations)

	// Explicit orientation beats the viewport hint.
	c = filterContext("adaptive=1&orientation=landscape")
	c.Request.Header.Set("Sec-CH-Viewport-Width", "390")
	c.Request.Header.Set("Sec-CH-Viewport-Height", "844")
	f, err = parseFilter(c)
	require.NoError(t, err)
	assert.Equal(t, []int{int(models.OrientationLandscape)}, f.Orientations)

	// No hints, no constraint.
	f, err = parseFilter(filterContext("adaptive=1"))
	require.NoError(t, err)
	assert.Empty(t, f.Orientations)
}

func TestParseFilter_TypesAndThresholds(t *testing.T) {
	f, err := parseFilter(filterContext("ai_type=1&illust_type=manga&min_width=800&min_bookmarks=100"))
	require.NoError(t, err)
	assert.Equal(t, []int{1}, f.AITypes)
	assert.Equal(t, []int{1}, f.IllustTypes)
	assert.Equal(t, 800, f.MinWidth)
	assert.Equal(t, int64(100), f.MinBookmarks)

	// Only 0 and 1 are accepted values.
	_, err = parseFilter(filterContext("ai_type=2"))
	assert.Error(t, err)
	_, err = parseFilter(filterContext("ai_type=9"))
	assert.Error(t, err)
	_, err = parseFilter(filterContext("illust_type=novel"))
	assert.Error(t, err)
	_, err = parseFilter(filterContext("min_bookmarks=-1"))
	assert.Error(t, err)
}

func TestParseFilter_TagGroups(t *testing.T) {
	f, err := parseFilter(filterContext("included_tags=landscape&included_tags=night%7Cevening&excluded_tags=r-18g"))
	require.NoError(t, err)

	require.Len(t, f.IncludedTagGroups, 2)
	assert.Equal(t, models.TagGroup{"landscape"}, f.IncludedTagGroups[0])
	assert.Equal(t, models.TagGroup{"night", "evening"}, f.IncludedTagGroups[1])
	assert.Equal(t, []string{"r-18g"}, f.ExcludedTags)

	// Blank groups are dropped.
	f, err = parseFilter(filterContext("included_tags=%7C%7C"))
	require.NoError(t, err)
	assert.Empty(t, f.IncludedTagGroups)
}

func TestParseFilter_CreatedRange(t *testing.T) {
	f, err := parseFilter(filterContext("created_from=2024-01-01T00%3A00%3A00%2B09%3A00&created_to=2024-06-30T00%3A00%3A00Z"))
	require.NoError(t, err)

	require.NotNil(t, f.CreatedFrom)
	assert.Equal(t, 2023, f.CreatedFrom.Year(), "JST midnight converts to previous-day UTC")
	require.NotNil(t, f.CreatedTo)

	_, err = parseFilter(filterContext("created_from=yesterday"))
	assert.Error(t, err)
}

func TestParsePickOptions(t *testing.T) {
	opts, err := parsePickOptions(filterContext(""))
	require.NoError(t, err)
	assert.Equal(t, service.PickStrategyQuality, opts.Strategy)
	assert.Equal(t, 32, opts.QualitySamples)
	assert.Equal(t, service.PickModeBest, opts.Quality.PickMode)

	opts, err = parsePickOptions(filterContext("strategy=random&seed=abc&quality_samples=100&rec_pick_mode=weighted&rec_temperature=0.7&rec_w_bookmark=2.5"))
	require.NoError(t, err)
	assert.Equal(t, service.PickStrategyRandom, opts.Strategy)
	assert.Equal(t, "abc", opts.Seed)
	assert.Equal(t, 100, opts.QualitySamples)
	assert.Equal(t, service.PickModeWeighted, opts.Quality.PickMode)
	assert.InDelta(t, 0.7, opts.Quality.Temperature, 1e-9)
	assert.InDelta(t, 2.5, opts.Quality.Weights.Bookmark, 1e-9)

	_, err = parsePickOptions(filterContext("strategy=lucky"))
	assert.Error(t, err)
	_, err = parsePickOptions(filterContext("quality_samples=0"))
	assert.Error(t, err)
	_, err = parsePickOptions(filterContext("rec_temperature=-1"))
	assert.Error(t, err)
}
