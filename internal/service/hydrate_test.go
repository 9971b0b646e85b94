//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/config"
	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/internal/secret"
	"github.com/user/piximg-go/tests/testutil"
)

const hydrateTestKey = "5d41402abc4b2a76b9719d911017c5925d41402abc4b2a76b9719d911017c592"

type hydrateFixture struct {
	svc    *HydrateService
	box    *secret.Box
	tokens *repository.TokenRepository
	images *repository.ImageRepository
}

// newHydrateFixture wires a HydrateService against fake upstreams and seeds
// one enabled token holding refreshToken. No proxies are configured, so all
// calls go direct.
func newHydrateFixture(t *testing.T, oauthURL, apiURL, refreshToken string) *hydrateFixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	logger := zap.NewNop()

	box, err := secret.NewBox(hydrateTestKey, "")
	require.NoError(t, err)

	images := repository.NewImageRepository(db, db)
	tags := repository.NewTagRepository(db, db)
	tokens := repository.NewTokenRepository(db, db)
	runs := repository.NewHydrationRunRepository(db, db)
	imports := repository.NewImportRepository(db, db)
	pools := repository.NewProxyPoolRepository(db, db)
	bindings := repository.NewBindingRepository(db, db)

	settings := NewSettingsService(repository.NewSettingRepository(db, db), logger)
	selector := NewProxySelector(pools, bindings, settings, box, logger)
	breaker := NewProxyBreaker(pools, bindings, logger)
	strategy := NewTokenStrategy(tokens, StrategyLeastError, logger)
	cache := NewAccessTokenCache(time.Minute)
	throttle := NewTokenThrottle(0, 0)

	cfg := config.DefaultConfig()
	cfg.Pixiv.OAuthBaseURL = oauthURL
	cfg.Pixiv.AppAPIBaseURL = apiURL
	cfg.Hydrate.TokenAttempts = 3

	enc, err := box.Seal(refreshToken)
	require.NoError(t, err)
	_, err = tokens.Create(context.Background(), nil, enc, secret.Mask(refreshToken), 10, true)
	require.NoError(t, err)

	svc := NewHydrateService(cfg, images, tags, tokens, runs, imports,
		strategy, cache, throttle, selector, breaker, box, logger)
	return &hydrateFixture{svc: svc, box: box, tokens: tokens, images: images}
}

func oauthOK(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at1","refresh_token":"rt_new","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const detailPayload = `{"illust":{
	"id":111,"title":"t","type":"illust","page_count":1,
	"width":1200,"height":800,"x_restrict":0,"illust_ai_type":1,
	"create_date":"2020-01-01T00:00:00+00:00",
	"total_bookmarks":5,"total_view":50,"total_comments":1,
	"user":{"id":999,"name":"u"},
	"meta_single_page":{"original_image_url":"https://i.pximg.net/img-original/img/2020/01/01/00/00/00/111_p0.jpg"},
	"tags":[{"name":"tag1","translated_name":"t1"},{"name":"tag2"}]}}`

func TestHydrateService_HappyPath(t *testing.T) {
	oauth := oauthOK(t)
	var gotAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/illust/detail", r.URL.Path)
		require.Equal(t, "111", r.URL.Query().Get("illust_id"))
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(detailPayload))
	}))
	t.Cleanup(api.Close)

	f := newHydrateFixture(t, oauth.URL, api.URL, "rt_old")
	ctx := context.Background()

	require.NoError(t, f.svc.HydrateIllust(ctx, 111))
	assert.Equal(t, "Bearer at1", gotAuth)

	img, err := f.images.FindByIllustPage(ctx, 111, 0)
	require.NoError(t, err)
	require.NotNil(t, img.Width)
	assert.Equal(t, 1200, *img.Width)
	require.NotNil(t, img.Height)
	assert.Equal(t, 800, *img.Height)
	require.NotNil(t, img.Title)
	assert.Equal(t, "t", *img.Title)
	require.NotNil(t, img.UserID)
	assert.Equal(t, int64(999), *img.UserID)
	require.NotNil(t, img.AIType)
	assert.Equal(t, 1, *img.AIType)
	require.NotNil(t, img.IllustType)
	assert.Equal(t, 0, *img.IllustType)
	assert.Equal(t, "jpg", img.Ext)
	assert.Equal(t, fmt.Sprintf("/i/%d.jpg", img.ID), img.ProxyPath)

	names, err := f.images.TagNames(ctx, img.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tag1", "tag2"}, names)

	tok, err := f.tokens.FindByID(ctx, 1)
	require.NoError(t, err)
	rotated, err := f.box.Open(tok.RefreshTokenEnc)
	require.NoError(t, err)
	assert.Equal(t, "rt_new", rotated, "refresh token rotation is persisted")
	assert.Zero(t, tok.ErrorCount)
	assert.NotNil(t, tok.LastOKAt)
}

func TestHydrateService_RateLimitDefers(t *testing.T) {
	oauth := oauthOK(t)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"message":"Rate Limit"}}`))
	}))
	t.Cleanup(api.Close)

	f := newHydrateFixture(t, oauth.URL, api.URL, "rt_old")
	ctx := context.Background()
	before := time.Now().UTC()

	err := f.svc.HydrateIllust(ctx, 111)
	var deferErr *DeferError
	require.ErrorAs(t, err, &deferErr, "all tokens in backoff defers the job")
	assert.True(t, deferErr.RunAfter.After(before))

	tok, err := f.tokens.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, tok.ErrorCount)
	require.NotNil(t, tok.LastErrorCode)
	assert.Equal(t, "TOKEN_BACKOFF", *tok.LastErrorCode)
	require.NotNil(t, tok.BackoffUntil)
	assert.True(t, tok.BackoffUntil.After(before))
}

func TestHydrateService_NotFoundIsPermanent(t *testing.T) {
	oauth := oauthOK(t)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"message":"Illust not found"}}`))
	}))
	t.Cleanup(api.Close)

	f := newHydrateFixture(t, oauth.URL, api.URL, "rt_old")

	err := f.svc.HydrateIllust(context.Background(), 111)
	var permErr *PermanentError
	require.ErrorAs(t, err, &permErr)

	// A deleted illust is not the token's fault.
	tok, err := f.tokens.FindByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, tok.ErrorCount)
}

func TestHydrateService_DeadRefreshTokenBacksOff(t *testing.T) {
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	t.Cleanup(oauth.Close)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("detail must not be fetched without an access token")
	}))
	t.Cleanup(api.Close)

	f := newHydrateFixture(t, oauth.URL, api.URL, "rt_dead")

	err := f.svc.HydrateIllust(context.Background(), 111)
	var deferErr *DeferError
	require.ErrorAs(t, err, &deferErr)

	tok, err := f.tokens.FindByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, tok.ErrorCount)
	require.NotNil(t, tok.LastErrorCode)
	assert.Equal(t, "TOKEN_REFRESH_FAILED", *tok.LastErrorCode)
}
