package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
)

// settingsCacheTTL bounds staleness of routing knobs; a short TTL keeps
// admin changes near-immediate without a DB read per request.
const settingsCacheTTL = 5 * time.Second

// ProxyPolicy is the routing decision surface read by the selector.
type ProxyPolicy struct {
	Enabled       bool
	FailClosed    bool
	RouteMode     string // off | all | pixiv_only | allowlist
	Allowlist     []string
	DefaultPoolID int64
	RoutePools    map[string]int64 // host suffix -> pool id
}

// SettingsService reads runtime knobs with a short-lived cache.
type SettingsService struct {
	settings *repository.SettingRepository
	logger   *zap.Logger

	mu        sync.Mutex
	policy    *ProxyPolicy
	fetchedAt time.Time
}

// NewSettingsService creates a SettingsService.
func NewSettingsService(settings *repository.SettingRepository, logger *zap.Logger) *SettingsService {
	return &SettingsService{settings: settings, logger: logger}
}

// ProxyPolicy returns the current routing policy, cached briefly.
func (s *SettingsService) ProxyPolicy(ctx context.Context) *ProxyPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.policy != nil && time.Since(s.fetchedAt) < settingsCacheTTL {
		return s.policy
	}

	p := &ProxyPolicy{RouteMode: "off"}
	s.getJSON(ctx, models.SettingProxyEnabled, &p.Enabled)
	s.getJSON(ctx, models.SettingProxyFailClosed, &p.FailClosed)
	s.getJSON(ctx, models.SettingProxyRouteMode, &p.RouteMode)
	s.getJSON(ctx, models.SettingProxyAllowlist, &p.Allowlist)
	s.getJSON(ctx, models.SettingProxyDefaultPoolID, &p.DefaultPoolID)
	s.getJSON(ctx, models.SettingProxyRoutePools, &p.RoutePools)

	s.policy = p
	s.fetchedAt = time.Now()
	return p
}

// Invalidate drops the cache, e.g. after an admin settings write.
func (s *SettingsService) Invalidate() {
	s.mu.Lock()
	s.policy = nil
	s.mu.Unlock()
}

// RandomDefaults returns admin-tuned picker defaults, empty map when unset.
func (s *SettingsService) RandomDefaults(ctx context.Context) map[string]any {
	out := map[string]any{}
	s.getJSON(ctx, models.SettingRandomDefaults, &out)
	return out
}

// Set writes a setting and invalidates the cache.
func (s *SettingsService) Set(ctx context.Context, key string, value any, updatedBy string) error {
	if err := s.settings.Set(ctx, key, value, updatedBy); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}

func (s *SettingsService) getJSON(ctx context.Context, key string, out any) {
	err := s.settings.GetJSON(ctx, key, out)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn("failed to read runtime setting", zap.String("key", key), zap.Error(err))
	}
}
