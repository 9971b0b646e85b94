package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"

	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
)

// BindingService assigns tokens to proxy endpoints via rendezvous hashing.
// Rendezvous keeps churn minimal when endpoints come and go and needs no
// coordinator: the same inputs always produce the same assignment.
type BindingService struct {
	tokens   *repository.TokenRepository
	pools    *repository.ProxyPoolRepository
	bindings *repository.BindingRepository
	logger   *zap.Logger
}

// NewBindingService creates a BindingService.
func NewBindingService(tokens *repository.TokenRepository, pools *repository.ProxyPoolRepository, bindings *repository.BindingRepository, logger *zap.Logger) *BindingService {
	return &BindingService{tokens: tokens, pools: pools, bindings: bindings, logger: logger}
}

// CapacityError is a strict recompute that cannot fit every token.
type CapacityError struct {
	TokenCount int `json:"token_count"`
	Capacity   int `json:"capacity"`
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("insufficient proxy capacity: token_count=%d capacity=%d", e.TokenCount, e.Capacity)
}

// RecomputeResult summarizes one recompute pass.
type RecomputeResult struct {
	Recomputed           int            `json:"recomputed"`
	OverCapacityAssigned int            `json:"over_capacity_assigned"`
	Assignments          map[int64]int64 `json:"assignments"` // token id -> endpoint id
}

// Recompute reassigns every enabled token of a pool to a primary endpoint.
// With strict=true it fails when tokens exceed total capacity; otherwise
// over-capacity tokens soft-assign to their first preference.
func (s *BindingService) Recompute(ctx context.Context, poolID int64, maxTokensPerProxy int, strict bool) (*RecomputeResult, error) {
	if maxTokensPerProxy < 1 {
		maxTokensPerProxy = 1
	}
	members, err := s.pools.PoolMembers(ctx, poolID)
	if err != nil {
		return nil, err
	}
	// Weight 0 keeps a member in the pool for ad-hoc routing but removes it
	// from the assignable set: zero weight means zero token capacity.
	var endpoints []*models.PoolMember
	for _, m := range members {
		if m.Endpoint.Enabled && m.Weight > 0 {
			endpoints = append(endpoints, m)
		}
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("pool %d has no assignable endpoints", poolID)
	}

	tokens, err := s.tokens.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].ID < tokens[j].ID })

	capacity := make(map[int64]int, len(endpoints))
	totalCapacity := 0
	for _, m := range endpoints {
		capacity[m.EndpointID] = maxTokensPerProxy * m.Weight
		totalCapacity += maxTokensPerProxy * m.Weight
	}
	if strict && len(tokens) > totalCapacity {
		return nil, &CapacityError{TokenCount: len(tokens), Capacity: totalCapacity}
	}

	salt := fmt.Sprintf("pool:%d", poolID)
	result := &RecomputeResult{Assignments: make(map[int64]int64, len(tokens))}
	for _, token := range tokens {
		prefs := rendezvousOrder(token.ID, endpoints, salt)
		assigned := int64(0)
		for _, endpointID := range prefs {
			if capacity[endpointID] > 0 {
				capacity[endpointID]--
				assigned = endpointID
				break
			}
		}
		if assigned == 0 {
			// Soft assignment: capacity exhausted, pin to first preference.
			assigned = prefs[0]
			result.OverCapacityAssigned++
		}
		result.Assignments[token.ID] = assigned
	}

	for tokenID, endpointID := range result.Assignments {
		prev, findErr := s.bindings.Find(ctx, tokenID, poolID)
		if err := s.bindings.UpsertPrimary(ctx, tokenID, poolID, endpointID); err != nil {
			return nil, err
		}
		// A moved primary invalidates the old sticky override.
		if findErr == nil && prev.PrimaryProxyID != endpointID && prev.OverrideProxyID != nil {
			if err := s.bindings.ClearOverride(ctx, tokenID, poolID); err != nil {
				return nil, err
			}
		}
		result.Recomputed++
	}

	s.logger.Info("recomputed token proxy bindings",
		zap.Int64("pool_id", poolID),
		zap.Int("recomputed", result.Recomputed),
		zap.Int("over_capacity_assigned", result.OverCapacityAssigned))
	return result, nil
}

// rendezvousOrder returns endpoint ids sorted by descending rendezvous
// score, ties broken by ascending endpoint id.
func rendezvousOrder(tokenID int64, endpoints []*models.PoolMember, salt string) []int64 {
	type scored struct {
		id    int64
		score uint64
	}
	scores := make([]scored, 0, len(endpoints))
	for _, m := range endpoints {
		key := fmt.Sprintf("%d|%d|%s", tokenID, m.EndpointID, salt)
		scores = append(scores, scored{id: m.EndpointID, score: fnv1a64(key)})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].id < scores[j].id
	})
	out := make([]int64, len(scores))
	for i, sc := range scores {
		out[i] = sc.id
	}
	return out
}

// fnv1a64 is the 64-bit FNV-1a hash.
func fnv1a64(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
