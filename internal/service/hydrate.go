package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/config"
	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/pixiv"
	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/internal/secret"
)

// HydrateService fetches illust metadata from the App API and persists it,
// coordinating token choice, access-token refresh, throttling and proxy
// failover.
type HydrateService struct {
	cfg      config.HydrateConfig
	oauthCfg pixiv.OAuthConfig
	apiCfg   pixiv.AppAPIConfig
	timeouts pixiv.Timeouts

	images   *repository.ImageRepository
	tags     *repository.TagRepository
	tokens   *repository.TokenRepository
	runs     *repository.HydrationRunRepository
	imports  *repository.ImportRepository
	strategy *TokenStrategy
	cache    *AccessTokenCache
	throttle *TokenThrottle
	selector *ProxySelector
	breaker  *ProxyBreaker
	box      *secret.Box
	logger   *zap.Logger
}

// NewHydrateService creates a HydrateService.
func NewHydrateService(
	cfg *config.Config,
	images *repository.ImageRepository,
	tags *repository.TagRepository,
	tokens *repository.TokenRepository,
	runs *repository.HydrationRunRepository,
	imports *repository.ImportRepository,
	strategy *TokenStrategy,
	cache *AccessTokenCache,
	throttle *TokenThrottle,
	selector *ProxySelector,
	breaker *ProxyBreaker,
	box *secret.Box,
	logger *zap.Logger,
) *HydrateService {
	return &HydrateService{
		cfg: cfg.Hydrate,
		oauthCfg: pixiv.OAuthConfig{
			ClientID:     cfg.Pixiv.OAuthClientID,
			ClientSecret: cfg.Pixiv.OAuthClientSecret,
			HashSecret:   cfg.Pixiv.OAuthHashSecret,
			BaseURL:      cfg.Pixiv.OAuthBaseURL,
		},
		apiCfg: pixiv.AppAPIConfig{BaseURL: cfg.Pixiv.AppAPIBaseURL},
		timeouts: pixiv.Timeouts{
			Connect: time.Duration(cfg.HTTP.ConnectTimeoutSeconds) * time.Second,
			Total:   time.Duration(cfg.HTTP.TotalTimeoutSeconds) * time.Second,
		},
		images:   images,
		tags:     tags,
		tokens:   tokens,
		runs:     runs,
		imports:  imports,
		strategy: strategy,
		cache:    cache,
		throttle: throttle,
		selector: selector,
		breaker:  breaker,
		box:      box,
		logger:   logger,
	}
}

// HydrateIllust runs the single-illust algorithm: iterate tokens, refresh
// access, fetch detail with proxy failover, then persist.
func (s *HydrateService) HydrateIllust(ctx context.Context, illustID int64) error {
	tried := make(map[int64]bool)
	var last error

	for i := 0; i < s.cfg.TokenAttempts; i++ {
		now := time.Now().UTC()
		token, err := s.strategy.Choose(ctx, tried, now)
		if err != nil {
			var noToken *NoTokenAvailableError
			if errors.As(err, &noToken) {
				return &DeferError{Reason: "no token available", RunAfter: noToken.NextRetryAt}
			}
			return err
		}
		tried[token.ID] = true
		log := s.logger.With(zap.Int64("illust_id", illustID), zap.Int64("token_id", token.ID))

		access, err := s.cache.GetOrRefresh(ctx, token.ID, func(ctx context.Context) (*AccessToken, error) {
			return s.refreshAccess(ctx, token)
		})
		if err != nil {
			var oauthErr *pixiv.OAuthError
			if errors.As(err, &oauthErr) {
				class := FailureServer
				if oauthErr.Permanent {
					class = FailureAuth
				}
				backoff := TokenBackoff(class, token.ErrorCount+1)
				s.failToken(ctx, token.ID, now, backoff, models.CodeTokenRefreshFailed, oauthErr.Error())
				log.Warn("token refresh failed", zap.Bool("permanent", oauthErr.Permanent), zap.Error(err))
				last = err
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			last = err
			continue
		}

		body, sel, err := s.fetchDetail(ctx, token, access, illustID)
		if err != nil {
			var proxyReq *ProxyRequiredError
			if errors.As(err, &proxyReq) {
				return s.deferForProxies(proxyReq, now)
			}
			var apiErr *pixiv.APIError
			if errors.As(err, &apiErr) {
				if apiErr.IsNotFound() {
					return &PermanentError{Reason: fmt.Sprintf("illust %d not found", illustID), Err: err}
				}
				if apiErr.IsRateLimited() {
					backoff := TokenBackoff(FailureRateLimit, token.ErrorCount+1)
					s.failToken(ctx, token.ID, now, backoff, models.CodeTokenBackoff, "rate limited by upstream")
					log.Info("token rate limited", zap.Duration("backoff", backoff))
					last = err
					continue
				}
				if apiErr.StatusCode == 401 {
					// Stale access token; force a refresh on the next use.
					s.cache.Invalidate(token.ID)
				}
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			last = err
			continue
		}

		illust, err := pixiv.ParseIllust(body)
		if err != nil {
			var parseErr *pixiv.ParseError
			if errors.As(err, &parseErr) {
				return &PermanentError{Reason: "unparseable detail payload", Err: err}
			}
			return err
		}

		if err := s.persist(ctx, illust); err != nil {
			return err
		}
		if err := s.tokens.MarkOK(ctx, token.ID, time.Now().UTC()); err != nil {
			log.Warn("failed to mark token ok", zap.Error(err))
		}
		if sel != nil {
			log.Debug("hydrated via proxy",
				zap.Int64("endpoint_id", sel.Endpoint.ID), zap.String("mode", sel.Mode))
		}
		return nil
	}

	if last == nil {
		last = fmt.Errorf("no token attempt succeeded for illust %d", illustID)
	}
	return last
}

// refreshAccess is the cache's refresher: it iterates proxies on transient
// failures like the detail fetch does, and rotates the persisted refresh
// token when the upstream returns a new one.
func (s *HydrateService) refreshAccess(ctx context.Context, token *models.PixivToken) (*AccessToken, error) {
	refreshToken, err := s.box.Open(token.RefreshTokenEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to open refresh token %d: %w", token.ID, err)
	}
	oauthHost := hostOf(s.oauthCfg.BaseURL)

	var last error
	for attempt := 0; attempt <= s.cfg.ProxyFailoverAttempts; attempt++ {
		sel, err := s.selector.Select(ctx, oauthHost, &token.ID)
		if err != nil {
			return nil, err
		}
		var proxyURI *url.URL
		if sel != nil {
			proxyURI = sel.URI
		}
		client, err := pixiv.NewHTTPClient(proxyURI, s.timeouts)
		if err != nil {
			last = err
			continue
		}

		start := time.Now()
		result, err := pixiv.RefreshAccessToken(ctx, client, s.oauthCfg, refreshToken)
		now := time.Now().UTC()
		if err != nil {
			var oauthErr *pixiv.OAuthError
			if errors.As(err, &oauthErr) {
				// The upstream answered: the endpoint works, the credential
				// does not.
				if sel != nil {
					s.breaker.MarkOK(ctx, sel.Endpoint, time.Since(start), now)
				}
				return nil, err
			}
			if sel != nil {
				s.breaker.MarkFail(ctx, sel.Endpoint, now, err.Error(), true)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			last = err
			continue
		}

		if sel != nil {
			s.breaker.MarkOK(ctx, sel.Endpoint, time.Since(start), now)
			s.breaker.SetOverride(ctx, token.ID, sel.PoolID, sel.Endpoint.ID, now)
		}
		if result.RefreshToken != "" && result.RefreshToken != refreshToken {
			enc, sealErr := s.box.Seal(result.RefreshToken)
			if sealErr != nil {
				return nil, fmt.Errorf("failed to seal rotated refresh token: %w", sealErr)
			}
			if rotErr := s.tokens.RotateRefreshToken(ctx, token.ID, enc, secret.Mask(result.RefreshToken)); rotErr != nil {
				return nil, rotErr
			}
		}
		return &AccessToken{Value: result.AccessToken, ExpiresAt: result.ExpiresAt(now)}, nil
	}
	return nil, last
}

// fetchDetail performs the throttled App API call with proxy failover.
func (s *HydrateService) fetchDetail(ctx context.Context, token *models.PixivToken, access string, illustID int64) ([]byte, *ProxySelection, error) {
	apiHost := hostOf(s.apiCfg.BaseURL)

	var last error
	for attempt := 0; attempt <= s.cfg.ProxyFailoverAttempts; attempt++ {
		sel, err := s.selector.Select(ctx, apiHost, &token.ID)
		if err != nil {
			return nil, nil, err
		}
		if err := s.throttle.Wait(ctx, token.ID); err != nil {
			return nil, nil, err
		}
		var proxyURI *url.URL
		if sel != nil {
			proxyURI = sel.URI
		}
		client, err := pixiv.NewHTTPClient(proxyURI, s.timeouts)
		if err != nil {
			last = err
			continue
		}

		start := time.Now()
		body, err := pixiv.IllustDetail(ctx, client, s.apiCfg, access, illustID)
		now := time.Now().UTC()
		if err != nil {
			var apiErr *pixiv.APIError
			if errors.As(err, &apiErr) {
				if sel != nil && apiErr.StatusCode >= 500 {
					s.breaker.MarkFail(ctx, sel.Endpoint, now, fmt.Sprintf("upstream status %d", apiErr.StatusCode), true)
					last = err
					continue
				}
				// 4xx means the proxy path works; the fault is ours or the
				// illust's. Classification happens in the caller.
				if sel != nil {
					s.breaker.MarkOK(ctx, sel.Endpoint, time.Since(start), now)
				}
				return nil, sel, err
			}
			if sel != nil {
				s.breaker.MarkFail(ctx, sel.Endpoint, now, err.Error(), true)
			}
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			last = err
			continue
		}

		if sel != nil {
			s.breaker.MarkOK(ctx, sel.Endpoint, time.Since(start), now)
			s.breaker.SetOverride(ctx, token.ID, sel.PoolID, sel.Endpoint.ID, now)
		}
		return body, sel, nil
	}
	return nil, nil, last
}

// persist writes all pages and the tag set inside one writer transaction.
func (s *HydrateService) persist(ctx context.Context, illust *pixiv.Illust) error {
	tx, err := s.images.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tagIDs := make([]int64, 0, len(illust.Tags))
	for _, t := range illust.Tags {
		id, err := s.tags.UpsertByName(ctx, tx, t.Name, t.TranslatedName)
		if err != nil {
			return err
		}
		tagIDs = append(tagIDs, id)
	}

	for _, page := range illust.Pages {
		hp := &repository.HydratedPage{
			IllustID:       illust.ID,
			PageIndex:      page.Index,
			Ext:            page.Ext,
			OriginalURL:    page.OriginalURL,
			Width:          illust.Width,
			Height:         illust.Height,
			AspectRatio:    aspectRatio(illust.Width, illust.Height),
			Orientation:    orientationOf(illust.Width, illust.Height),
			XRestrict:      illust.XRestrict,
			AIType:         &illust.AIType,
			IllustType:     &illust.IllustType,
			UserID:         illust.UserID,
			UserName:       illust.UserName,
			Title:          illust.Title,
			CreatedAtPixiv: illust.CreateDate,
			BookmarkCount:  illust.Bookmarks,
			ViewCount:      illust.Views,
			CommentCount:   illust.Comments,
		}
		imageID, err := s.images.UpsertHydrated(ctx, tx, hp)
		if err != nil {
			return err
		}
		if err := s.images.ReplaceTags(ctx, tx, imageID, tagIDs); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunBatch advances a hydration run by one claimed batch. It returns
// (requeue, error): requeue asks the dispatcher to release the job back to
// pending without consuming an attempt.
func (s *HydrateService) RunBatch(ctx context.Context, runID int64, criteria models.HydrationCriteria) (bool, error) {
	run, err := s.runs.FindByID(ctx, runID)
	if err != nil {
		if repository.IsNotFound(err) {
			return false, &PermanentError{Reason: fmt.Sprintf("hydration run %d not found", runID)}
		}
		return false, err
	}
	switch run.Status {
	case models.RunPaused, models.RunCanceled, models.RunCompleted:
		return false, nil
	}
	now := time.Now().UTC()
	if err := s.runs.MarkStarted(ctx, runID, now); err != nil {
		return false, err
	}

	missing := criteria.Missing
	if len(missing) == 0 {
		missing = run.Criteria.Missing
	}
	candidates, err := s.images.NextHydrationCandidates(ctx, run.Cursor.ImageID, missing, s.cfg.BatchSize)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		if err := s.runs.SetStatus(ctx, runID, models.RunCompleted, nil); err != nil {
			return false, err
		}
		return false, nil
	}

	var success, failed int64
	cursor := run.Cursor
	for _, img := range candidates {
		// Re-check control state between candidates so pause takes effect
		// mid-batch.
		if ctx.Err() != nil {
			break
		}
		if err := s.HydrateIllust(ctx, img.IllustID); err != nil {
			failed++
			var deferErr *DeferError
			if errors.As(err, &deferErr) {
				// Stop the batch; the re-queue below carries the wait.
				cursor.ImageID = img.ID
				break
			}
			s.logger.Warn("hydration candidate failed",
				zap.Int64("run_id", runID), zap.Int64("illust_id", img.IllustID), zap.Error(err))
		} else {
			success++
			if img.CreatedImportID != nil {
				// Best effort import accounting.
				_ = s.imports.BumpCounters(ctx, *img.CreatedImportID, 1, 0)
			}
		}
		cursor.ImageID = img.ID
	}

	processed := success + failed
	if err := s.runs.AdvanceCursor(ctx, runID, cursor, processed, success, failed); err != nil {
		return false, err
	}
	return processed > 0, nil
}

func (s *HydrateService) failToken(ctx context.Context, tokenID int64, now time.Time, backoff time.Duration, code models.ErrorCode, msg string) {
	if err := s.tokens.MarkFail(ctx, tokenID, now, now.Add(backoff), string(code), msg); err != nil {
		s.logger.Warn("failed to record token failure", zap.Int64("token_id", tokenID), zap.Error(err))
	}
}

// deferForProxies converts a fail-closed proxy outage into a deferral at
// the earliest endpoint recovery, plus small jitter to spread wakeups.
func (s *HydrateService) deferForProxies(proxyReq *ProxyRequiredError, now time.Time) error {
	runAfter := now.Add(BlacklistTTLHydrate)
	for _, pool := range proxyReq.Pools {
		if pool.NextAvailableAt != nil && pool.NextAvailableAt.Before(runAfter) {
			runAfter = *pool.NextAvailableAt
		}
	}
	runAfter = runAfter.Add(time.Duration(rand.Intn(5000)) * time.Millisecond)
	return &DeferError{Reason: proxyReq.Error(), RunAfter: runAfter}
}

func hostOf(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}
	return u.Host
}

func aspectRatio(width, height int) float64 {
	if height == 0 {
		return 0
	}
	return float64(width) / float64(height)
}

func orientationOf(width, height int) models.Orientation {
	switch {
	case height > width:
		return models.OrientationPortrait
	case width > height:
		return models.OrientationLandscape
	default:
		return models.OrientationSquare
	}
}
