package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// AccessToken is a cached OAuth grant with its absolute expiry.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// Refresher performs the actual OAuth exchange on cache miss.
type Refresher func(ctx context.Context) (*AccessToken, error)

// AccessTokenCache caches access tokens per credential with an early-expiry
// margin. Concurrent misses on the same token coalesce into one refresh.
type AccessTokenCache struct {
	margin time.Duration

	mu      sync.RWMutex
	entries map[int64]*AccessToken
	group   singleflight.Group
}

// NewAccessTokenCache creates a cache with the given early-expiry margin.
func NewAccessTokenCache(margin time.Duration) *AccessTokenCache {
	return &AccessTokenCache{
		margin:  margin,
		entries: make(map[int64]*AccessToken),
	}
}

// GetOrRefresh returns a live cached token or runs refresher exactly once
// across concurrent callers for the same token id.
func (c *AccessTokenCache) GetOrRefresh(ctx context.Context, tokenID int64, refresher Refresher) (string, error) {
	if tok := c.lookup(tokenID); tok != nil {
		return tok.Value, nil
	}

	key := strconv.FormatInt(tokenID, 10)
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a racing caller may have refreshed
		// between our miss and the Do.
		if tok := c.lookup(tokenID); tok != nil {
			return tok, nil
		}
		tok, err := refresher(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[tokenID] = tok
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*AccessToken).Value, nil
}

// Invalidate drops the cached entry, forcing the next call to refresh.
func (c *AccessTokenCache) Invalidate(tokenID int64) {
	c.mu.Lock()
	delete(c.entries, tokenID)
	c.mu.Unlock()
}

func (c *AccessTokenCache) lookup(tokenID int64) *AccessToken {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, ok := c.entries[tokenID]
	if !ok || time.Now().After(tok.ExpiresAt.Add(-c.margin)) {
		return nil
	}
	return tok
}
