//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/tests/testutil"
)

func TestBindingService_RecomputeStrictCapacity(t *testing.T) {
	db := testutil.NewTestDB(t)
	tokens := repository.NewTokenRepository(db, db)
	pools := repository.NewProxyPoolRepository(db, db)
	bindings := repository.NewBindingRepository(db, db)
	svc := NewBindingService(tokens, pools, bindings, zap.NewNop())
	ctx := context.Background()

	pool := testutil.SeedPool(t, db, "main")
	testutil.SeedEndpoint(t, db, pool, "p1.example.com", 1080, 1)
	testutil.SeedEndpoint(t, db, pool, "p2.example.com", 1080, 1)
	for i := 0; i < 5; i++ {
		testutil.SeedToken(t, db, fmt.Sprintf("t%d", i), 10)
	}

	// 2 endpoints x weight 1 x 2 per proxy = capacity 4 < 5 tokens.
	_, err := svc.Recompute(ctx, pool, 2, true)
	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 5, capErr.TokenCount)
	assert.Equal(t, 4, capErr.Capacity)

	// Soft mode assigns everyone, one over capacity.
	res, err := svc.Recompute(ctx, pool, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Recomputed)
	assert.Equal(t, 1, res.OverCapacityAssigned)
	assert.Len(t, res.Assignments, 5)
}

func TestBindingService_RecomputeZeroWeightMemberGetsNoTokens(t *testing.T) {
	db := testutil.NewTestDB(t)
	tokens := repository.NewTokenRepository(db, db)
	pools := repository.NewProxyPoolRepository(db, db)
	bindings := repository.NewBindingRepository(db, db)
	svc := NewBindingService(tokens, pools, bindings, zap.NewNop())
	ctx := context.Background()

	pool := testutil.SeedPool(t, db, "main")
	active := testutil.SeedEndpoint(t, db, pool, "p1.example.com", 1080, 1)
	testutil.SeedEndpoint(t, db, pool, "parked.example.com", 1080, 0)
	testutil.SeedToken(t, db, "a", 10)
	testutil.SeedToken(t, db, "b", 10)

	// Only the weight-1 member counts: capacity 1 < 2 tokens.
	_, err := svc.Recompute(ctx, pool, 1, true)
	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 1, capErr.Capacity)

	// Soft mode never places a token on the weight-0 member, even when
	// over capacity.
	res, err := svc.Recompute(ctx, pool, 1, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Recomputed)
	assert.Equal(t, 1, res.OverCapacityAssigned)
	for tokenID, endpointID := range res.Assignments {
		assert.Equal(t, active, endpointID, "token %d", tokenID)
	}
}

func TestBindingService_RecomputeDeterministic(t *testing.T) {
	db := testutil.NewTestDB(t)
	tokens := repository.NewTokenRepository(db, db)
	pools := repository.NewProxyPoolRepository(db, db)
	bindings := repository.NewBindingRepository(db, db)
	svc := NewBindingService(tokens, pools, bindings, zap.NewNop())
	ctx := context.Background()

	pool := testutil.SeedPool(t, db, "main")
	e1 := testutil.SeedEndpoint(t, db, pool, "p1.example.com", 1080, 1)
	e2 := testutil.SeedEndpoint(t, db, pool, "p2.example.com", 1080, 1)
	for i := 0; i < 4; i++ {
		testutil.SeedToken(t, db, fmt.Sprintf("t%d", i), 10)
	}

	first, err := svc.Recompute(ctx, pool, 4, true)
	require.NoError(t, err)
	second, err := svc.Recompute(ctx, pool, 4, true)
	require.NoError(t, err)
	assert.Equal(t, first.Assignments, second.Assignments, "same inputs, same assignment")

	for _, endpointID := range first.Assignments {
		assert.Contains(t, []int64{e1, e2}, endpointID)
	}
}

func TestBindingService_RecomputeCapacityRespectsWeight(t *testing.T) {
	db := testutil.NewTestDB(t)
	tokens := repository.NewTokenRepository(db, db)
	pools := repository.NewProxyPoolRepository(db, db)
	bindings := repository.NewBindingRepository(db, db)
	svc := NewBindingService(tokens, pools, bindings, zap.NewNop())
	ctx := context.Background()

	pool := testutil.SeedPool(t, db, "main")
	heavy := testutil.SeedEndpoint(t, db, pool, "heavy.example.com", 1080, 3)
	light := testutil.SeedEndpoint(t, db, pool, "light.example.com", 1080, 1)
	for i := 0; i < 4; i++ {
		testutil.SeedToken(t, db, fmt.Sprintf("t%d", i), 10)
	}

	res, err := svc.Recompute(ctx, pool, 1, true)
	require.NoError(t, err)

	perEndpoint := map[int64]int{}
	for _, endpointID := range res.Assignments {
		perEndpoint[endpointID]++
	}
	assert.LessOrEqual(t, perEndpoint[heavy], 3)
	assert.LessOrEqual(t, perEndpoint[light], 1)
	assert.Equal(t, 4, perEndpoint[heavy]+perEndpoint[light])
}

func TestBindingService_RecomputeClearsStaleOverride(t *testing.T) {
	db := testutil.NewTestDB(t)
	tokens := repository.NewTokenRepository(db, db)
	pools := repository.NewProxyPoolRepository(db, db)
	bindings := repository.NewBindingRepository(db, db)
	svc := NewBindingService(tokens, pools, bindings, zap.NewNop())
	ctx := context.Background()

	pool := testutil.SeedPool(t, db, "main")
	e1 := testutil.SeedEndpoint(t, db, pool, "p1.example.com", 1080, 1)
	e2 := testutil.SeedEndpoint(t, db, pool, "p2.example.com", 1080, 1)
	tokenID := testutil.SeedToken(t, db, "only", 10)

	res, err := svc.Recompute(ctx, pool, 4, true)
	require.NoError(t, err)
	primary := res.Assignments[tokenID]
	require.Contains(t, []int64{e1, e2}, primary)

	// Pin an override, then force the primary to move by disabling it.
	other := e1
	if primary == e1 {
		other = e2
	}
	require.NoError(t, bindings.SetOverride(ctx, tokenID, pool, other, time.Now().UTC().Add(time.Hour)))

	_, err = db.Exec(`UPDATE proxy_endpoints SET enabled = 0 WHERE id = ?`, primary)
	require.NoError(t, err)

	res, err = svc.Recompute(ctx, pool, 4, true)
	require.NoError(t, err)
	assert.Equal(t, other, res.Assignments[tokenID], "reassigned to the surviving endpoint")

	b, err := bindings.Find(ctx, tokenID, pool)
	require.NoError(t, err)
	assert.Nil(t, b.OverrideProxyID, "moving the primary clears the sticky override")
}
