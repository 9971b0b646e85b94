//go:build !integration && !e2e
// +build !integration,!e2e

package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/piximg-go/internal/config"
	"github.com/user/piximg-go/internal/pixiv"
	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/internal/service"
	"github.com/user/piximg-go/tests/testutil"
)

func TestLegacyFileRe(t *testing.T) {
	tests := []struct {
		in   string
		id   string
		page string
		ext  string
		ok   bool
	}{
		{"12345.jpg", "12345", "", "jpg", true},
		{"12345-2.png", "12345", "2", "png", true},
		{"12345.webp", "12345", "", "webp", true},
		{"healthz", "", "", "", false},
		{"12345", "", "", "", false},
		{"12345-.jpg", "", "", "", false},
		{"-1.jpg", "", "", "", false},
		{"12345.jpg.exe", "", "", "", false},
	}
	for _, tt := range tests {
		m := legacyFileRe.FindStringSubmatch(tt.in)
		if !tt.ok {
			assert.Nil(t, m, tt.in)
			continue
		}
		require.NotNil(t, m, tt.in)
		assert.Equal(t, tt.id, m[1], tt.in)
		assert.Equal(t, tt.page, m[2], tt.in)
		assert.Equal(t, tt.ext, m[3], tt.in)
	}
}

func imageHandlerFixture(t *testing.T) *ImageHandler {
	t.Helper()
	db := testutil.NewTestDB(t)
	images := repository.NewImageRepository(db, db)
	jobs := repository.NewJobRepository(db)
	pools := repository.NewProxyPoolRepository(db, db)
	bindings := repository.NewBindingRepository(db, db)
	settings := service.NewSettingsService(repository.NewSettingRepository(db, db), testutil.NewTestLogger())
	selector := service.NewProxySelector(pools, bindings, settings, nil, testutil.NewTestLogger())
	breaker := service.NewProxyBreaker(pools, bindings, testutil.NewTestLogger())
	picker := service.NewPickerService(config.RandomConfig{}, images, jobs, testutil.NewTestLogger())
	stream := service.NewStreamService(selector, breaker, pixiv.Timeouts{}, testutil.NewTestLogger())
	mirror := service.NewMirrorService(config.ImageProxyConfig{})
	h := NewImageHandler(images, picker, stream, mirror, testutil.NewTestLogger())

	for i := 1; i <= 5; i++ {
		testutil.SeedImage(t, db, testutil.ImageSpec{IllustID: int64(i), RandomKey: float64(i) / 6})
	}
	return h
}

func TestImageHandler_List(t *testing.T) {
	h := imageHandlerFixture(t)

	c, w := testutil.NewTestContext()
	c.Request = httptest.NewRequest("GET", "/images?limit=3", nil)
	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		OK         bool             `json:"ok"`
		Items      []map[string]any `json:"items"`
		NextCursor *float64         `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Len(t, resp.Items, 3)
	require.NotNil(t, resp.NextCursor, "a full page carries a cursor")

	// Follow the cursor to the final short page.
	c, w = testutil.NewTestContext()
	c.Request = httptest.NewRequest("GET", "/images?limit=3&before_id=3", nil)
	h.List(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Items, 2)
	assert.Nil(t, resp.NextCursor, "a short page ends pagination")
}

func TestImageHandler_Get(t *testing.T) {
	h := imageHandlerFixture(t)

	c, w := testutil.NewTestContext()
	c.Request = httptest.NewRequest("GET", "/images/1", nil)
	c.Params = gin.Params{{Key: "id", Value: "1"}}
	h.Get(c)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data, ok := resp["data"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, data, "image")
	assert.Contains(t, data, "tags")
}

func TestImageHandler_GetNotFound(t *testing.T) {
	h := imageHandlerFixture(t)

	c, w := testutil.NewTestContext()
	c.Request = httptest.NewRequest("GET", "/images/999", nil)
	c.Params = gin.Params{{Key: "id", Value: "999"}}
	h.Get(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestImageHandler_StreamByImageIDRejectsPageSuffix(t *testing.T) {
	h := imageHandlerFixture(t)

	c, w := testutil.NewTestContext()
	c.Request = httptest.NewRequest("GET", "/i/1-2.jpg", nil)
	c.Params = gin.Params{{Key: "file", Value: "1-2.jpg"}}
	h.StreamByImageID(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImageHandler_StreamLegacyUnknownShape(t *testing.T) {
	h := imageHandlerFixture(t)

	c, w := testutil.NewTestContext()
	c.Request = httptest.NewRequest("GET", "/favicon.ico", nil)
	c.Params = gin.Params{{Key: "file", Value: "favicon.ico"}}
	h.StreamLegacy(c)

	assert.Equal(t, http.StatusNotFound, w.Code, "unmatched shapes 404 instead of 400")
}
