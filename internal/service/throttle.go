package service

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// TokenThrottle enforces a minimum interval between outbound App API calls
// per token. Locks are per token id so one slow token never stalls the
// others.
type TokenThrottle struct {
	minInterval time.Duration
	jitter      time.Duration

	mu     sync.Mutex
	states map[int64]*throttleState
}

type throttleState struct {
	mu       sync.Mutex
	lastCall time.Time
}

// NewTokenThrottle creates a throttle with the given floor and jitter.
func NewTokenThrottle(minInterval, jitter time.Duration) *TokenThrottle {
	return &TokenThrottle{
		minInterval: minInterval,
		jitter:      jitter,
		states:      make(map[int64]*throttleState),
	}
}

// Wait blocks until the token's interval has elapsed, then records the new
// call time. Returns early with ctx.Err() on cancellation.
func (t *TokenThrottle) Wait(ctx context.Context, tokenID int64) error {
	st := t.state(tokenID)
	st.mu.Lock()
	defer st.mu.Unlock()

	interval := t.minInterval
	if t.jitter > 0 {
		interval += time.Duration(rand.Int63n(int64(t.jitter)))
	}
	wait := time.Until(st.lastCall.Add(interval))
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	st.lastCall = time.Now()
	return nil
}

// state lazily creates the per-token lock.
func (t *TokenThrottle) state(tokenID int64) *throttleState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[tokenID]
	if !ok {
		st = &throttleState{}
		t.states[tokenID] = st
	}
	return st
}
