package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
)

// ProxyBreaker records endpoint outcomes. Breaker state lives in the
// endpoint row (blacklisted_until) so every process sees the same view.
type ProxyBreaker struct {
	pools    *repository.ProxyPoolRepository
	bindings *repository.BindingRepository
	logger   *zap.Logger
}

// NewProxyBreaker creates a ProxyBreaker.
func NewProxyBreaker(pools *repository.ProxyPoolRepository, bindings *repository.BindingRepository, logger *zap.Logger) *ProxyBreaker {
	return &ProxyBreaker{pools: pools, bindings: bindings, logger: logger}
}

// MarkOK clears any blacklist and records the observed latency.
func (b *ProxyBreaker) MarkOK(ctx context.Context, endpoint *models.ProxyEndpoint, latency time.Duration, now time.Time) {
	if err := b.pools.MarkEndpointOK(ctx, endpoint.ID, now, latency.Milliseconds()); err != nil {
		b.logger.Warn("failed to record endpoint success",
			zap.Int64("endpoint_id", endpoint.ID), zap.Error(err))
	}
}

// MarkFail blacklists the endpoint. Hydration uses the short TTL so a
// transient stall does not bench an endpoint for half an hour; the window
// never shrinks below an existing blacklist.
func (b *ProxyBreaker) MarkFail(ctx context.Context, endpoint *models.ProxyEndpoint, now time.Time, errMsg string, hydration bool) {
	ttl := BlacklistTTL
	if hydration {
		ttl = BlacklistTTLHydrate
	}
	until := now.Add(ttl)
	if endpoint.BlacklistedUntil != nil && endpoint.BlacklistedUntil.After(until) {
		until = *endpoint.BlacklistedUntil
	}
	if err := b.pools.MarkEndpointFail(ctx, endpoint.ID, now, until, errMsg); err != nil {
		b.logger.Warn("failed to record endpoint failure",
			zap.Int64("endpoint_id", endpoint.ID), zap.Error(err))
	}
}

// SetOverride pins (token, pool) to a known-good endpoint for OverrideTTL.
func (b *ProxyBreaker) SetOverride(ctx context.Context, tokenID, poolID, endpointID int64, now time.Time) {
	err := b.bindings.SetOverride(ctx, tokenID, poolID, endpointID, now.Add(OverrideTTL))
	if err != nil {
		// No binding row yet; create one with the endpoint as primary so the
		// override has somewhere to live.
		if upErr := b.bindings.UpsertPrimary(ctx, tokenID, poolID, endpointID); upErr != nil {
			b.logger.Warn("failed to set proxy override",
				zap.Int64("token_id", tokenID), zap.Int64("pool_id", poolID), zap.Error(err))
			return
		}
		if retryErr := b.bindings.SetOverride(ctx, tokenID, poolID, endpointID, now.Add(OverrideTTL)); retryErr != nil {
			b.logger.Warn("failed to set proxy override",
				zap.Int64("token_id", tokenID), zap.Int64("pool_id", poolID), zap.Error(retryErr))
		}
	}
}
