//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessTokenCache_HitAndMiss(t *testing.T) {
	cache := NewAccessTokenCache(time.Minute)
	ctx := context.Background()

	var calls int32
	refresher := func(ctx context.Context) (*AccessToken, error) {
		atomic.AddInt32(&calls, 1)
		return &AccessToken{Value: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}

	got, err := cache.GetOrRefresh(ctx, 1, refresher)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got)

	got, err = cache.GetOrRefresh(ctx, 1, refresher)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second call served from cache")
}

func TestAccessTokenCache_MarginExpiry(t *testing.T) {
	cache := NewAccessTokenCache(time.Minute)
	ctx := context.Background()

	var calls int32
	// Expires in 30s, inside the 60s margin, so it is already stale.
	refresher := func(ctx context.Context) (*AccessToken, error) {
		n := atomic.AddInt32(&calls, 1)
		return &AccessToken{
			Value:     "tok-" + string(rune('0'+n)),
			ExpiresAt: time.Now().Add(30 * time.Second),
		}, nil
	}

	_, err := cache.GetOrRefresh(ctx, 1, refresher)
	require.NoError(t, err)
	_, err = cache.GetOrRefresh(ctx, 1, refresher)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "token inside the margin refreshes again")
}

func TestAccessTokenCache_SingleFlight(t *testing.T) {
	cache := NewAccessTokenCache(time.Minute)
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	refresher := func(ctx context.Context) (*AccessToken, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &AccessToken{Value: "shared", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := cache.GetOrRefresh(ctx, 42, refresher)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	// Let the goroutines pile onto the flight, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "concurrent misses coalesce into one refresh")
	for _, v := range results {
		assert.Equal(t, "shared", v)
	}
}

func TestAccessTokenCache_Invalidate(t *testing.T) {
	cache := NewAccessTokenCache(time.Minute)
	ctx := context.Background()

	var calls int32
	refresher := func(ctx context.Context) (*AccessToken, error) {
		atomic.AddInt32(&calls, 1)
		return &AccessToken{Value: "v", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}

	_, err := cache.GetOrRefresh(ctx, 1, refresher)
	require.NoError(t, err)
	cache.Invalidate(1)
	_, err = cache.GetOrRefresh(ctx, 1, refresher)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestAccessTokenCache_RefreshError(t *testing.T) {
	cache := NewAccessTokenCache(time.Minute)

	boom := errors.New("oauth exchange failed")
	_, err := cache.GetOrRefresh(context.Background(), 1, func(ctx context.Context) (*AccessToken, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	// Errors are not cached: a later successful refresh goes through.
	got, err := cache.GetOrRefresh(context.Background(), 1, func(ctx context.Context) (*AccessToken, error) {
		return &AccessToken{Value: "recovered", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)
}
