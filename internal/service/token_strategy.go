package service

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
)

// Token selection strategies.
const (
	StrategyLeastError = "least_error"
	StrategyWeighted   = "weighted"
	StrategySticky     = "sticky"
)

// TokenStrategy picks which credential a hydration attempt should use.
type TokenStrategy struct {
	tokens *repository.TokenRepository
	logger *zap.Logger

	mu          sync.Mutex
	strategy    string
	lastTokenID int64
	lastUsed    map[int64]time.Time
}

// NewTokenStrategy creates a TokenStrategy.
func NewTokenStrategy(tokens *repository.TokenRepository, strategy string, logger *zap.Logger) *TokenStrategy {
	if strategy == "" {
		strategy = StrategyLeastError
	}
	return &TokenStrategy{
		tokens:   tokens,
		strategy: strategy,
		logger:   logger,
		lastUsed: make(map[int64]time.Time),
	}
}

// Choose returns an eligible token not in exclude. When nothing is eligible
// it returns NoTokenAvailableError carrying the earliest retry time.
func (s *TokenStrategy) Choose(ctx context.Context, exclude map[int64]bool, now time.Time) (*models.PixivToken, error) {
	all, err := s.tokens.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}

	var eligible []*models.PixivToken
	var earliestBackoff *time.Time
	for _, t := range all {
		// Backoff deadlines are collected even for excluded tokens: when
		// nothing is eligible the caller defers until the earliest recovery,
		// and an already-tried token recovering is still a recovery.
		if t.BackoffUntil != nil && t.BackoffUntil.After(now) {
			if earliestBackoff == nil || t.BackoffUntil.Before(*earliestBackoff) {
				earliestBackoff = t.BackoffUntil
			}
			continue
		}
		if exclude[t.ID] {
			continue
		}
		eligible = append(eligible, t)
	}

	if len(eligible) == 0 {
		retryAt := now.Add(NoTokenFallbackDelay)
		if earliestBackoff != nil {
			retryAt = *earliestBackoff
		}
		return nil, &NoTokenAvailableError{NextRetryAt: retryAt}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var chosen *models.PixivToken
	switch s.strategy {
	case StrategyWeighted:
		chosen = s.pickWeighted(eligible)
	case StrategySticky:
		chosen = s.pickSticky(eligible)
	default:
		chosen = s.pickLeastError(eligible, now)
	}

	s.lastTokenID = chosen.ID
	s.lastUsed[chosen.ID] = now
	return chosen, nil
}

// pickLeastError prefers the smallest consecutive error streak; ties go to
// the least recently used, then the smaller id.
func (s *TokenStrategy) pickLeastError(eligible []*models.PixivToken, now time.Time) *models.PixivToken {
	best := eligible[0]
	bestIdle := s.idleSince(best.ID, now)
	for _, t := range eligible[1:] {
		idle := s.idleSince(t.ID, now)
		switch {
		case t.ErrorCount < best.ErrorCount:
			best, bestIdle = t, idle
		case t.ErrorCount == best.ErrorCount && idle > bestIdle:
			best, bestIdle = t, idle
		case t.ErrorCount == best.ErrorCount && idle == bestIdle && t.ID < best.ID:
			best, bestIdle = t, idle
		}
	}
	return best
}

func (s *TokenStrategy) idleSince(id int64, now time.Time) time.Duration {
	used, ok := s.lastUsed[id]
	if !ok {
		return time.Duration(1<<62 - 1)
	}
	return now.Sub(used)
}

// pickWeighted samples proportionally to token weight.
func (s *TokenStrategy) pickWeighted(eligible []*models.PixivToken) *models.PixivToken {
	total := 0
	for _, t := range eligible {
		total += t.Weight
	}
	if total <= 0 {
		return eligible[0]
	}
	n := rand.Intn(total)
	for _, t := range eligible {
		n -= t.Weight
		if n < 0 {
			return t
		}
	}
	return eligible[len(eligible)-1]
}

// pickSticky reuses the previous token while it stays eligible.
func (s *TokenStrategy) pickSticky(eligible []*models.PixivToken) *models.PixivToken {
	if s.lastTokenID != 0 {
		for _, t := range eligible {
			if t.ID == s.lastTokenID {
				return t
			}
		}
	}
	return s.pickLeastError(eligible, time.Now())
}
