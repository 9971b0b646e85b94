package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/user/piximg-go/internal/clock"
	"github.com/user/piximg-go/internal/models"
)

// BindingRepository provides typed access to token_proxy_bindings.
type BindingRepository struct {
	db     *sql.DB
	readDB *sql.DB
}

// NewBindingRepository creates a new BindingRepository.
func NewBindingRepository(db, readDB *sql.DB) *BindingRepository {
	if readDB == nil {
		readDB = db
	}
	return &BindingRepository{db: db, readDB: readDB}
}

func scanBinding(s scanner) (*models.TokenProxyBinding, error) {
	var b models.TokenProxyBinding
	var overrideID sql.NullInt64
	var overrideExpires sql.NullString
	var updatedAt string
	err := s.Scan(&b.TokenID, &b.PoolID, &b.PrimaryProxyID, &overrideID, &overrideExpires, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.OverrideProxyID = int64Ptr(overrideID)
	b.OverrideExpiresAt = timePtr(overrideExpires)
	b.UpdatedAt = timeVal(updatedAt)
	return &b, nil
}

// Find returns the binding for (tokenID, poolID) or sql.ErrNoRows.
func (r *BindingRepository) Find(ctx context.Context, tokenID, poolID int64) (*models.TokenProxyBinding, error) {
	row := r.readDB.QueryRowContext(ctx,
		`SELECT token_id, pool_id, primary_proxy_id, override_proxy_id, override_expires_at, updated_at
		 FROM token_proxy_bindings WHERE token_id = ? AND pool_id = ?`, tokenID, poolID)
	return scanBinding(row)
}

// ListByPool returns all bindings of a pool ordered by token id.
func (r *BindingRepository) ListByPool(ctx context.Context, poolID int64) ([]*models.TokenProxyBinding, error) {
	rows, err := r.readDB.QueryContext(ctx,
		`SELECT token_id, pool_id, primary_proxy_id, override_proxy_id, override_expires_at, updated_at
		 FROM token_proxy_bindings WHERE pool_id = ? ORDER BY token_id ASC`, poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings for pool %d: %w", poolID, err)
	}
	defer rows.Close()

	var result []*models.TokenProxyBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// UpsertPrimary sets the rendezvous-assigned primary for the binding.
// Override state is preserved so a rebalance does not discard a live
// sticky hint.
func (r *BindingRepository) UpsertPrimary(ctx context.Context, tokenID, poolID, primaryProxyID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO token_proxy_bindings (token_id, pool_id, primary_proxy_id, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (token_id, pool_id) DO UPDATE SET
		   primary_proxy_id = excluded.primary_proxy_id,
		   updated_at = excluded.updated_at`,
		tokenID, poolID, primaryProxyID, clock.NowString())
	if err != nil {
		return fmt.Errorf("failed to upsert binding token=%d pool=%d: %w", tokenID, poolID, err)
	}
	return nil
}

// SetOverride points the binding at a last-known-good endpoint until
// expiresAt.
func (r *BindingRepository) SetOverride(ctx context.Context, tokenID, poolID, proxyID int64, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE token_proxy_bindings SET override_proxy_id = ?, override_expires_at = ?, updated_at = ?
		 WHERE token_id = ? AND pool_id = ?`,
		proxyID, clock.Format(expiresAt), clock.NowString(), tokenID, poolID)
	if err != nil {
		return fmt.Errorf("failed to set override token=%d pool=%d: %w", tokenID, poolID, err)
	}
	return requireAffected(res, fmt.Sprintf("binding token=%d pool=%d not found", tokenID, poolID))
}

// ClearOverride removes the sticky hint, reverting to the primary.
func (r *BindingRepository) ClearOverride(ctx context.Context, tokenID, poolID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE token_proxy_bindings SET override_proxy_id = NULL, override_expires_at = NULL, updated_at = ?
		 WHERE token_id = ? AND pool_id = ?`,
		clock.NowString(), tokenID, poolID)
	if err != nil {
		return fmt.Errorf("failed to clear override token=%d pool=%d: %w", tokenID, poolID, err)
	}
	return nil
}

// DeleteByPool drops all bindings of a pool, e.g. when the pool is removed
// from routing.
func (r *BindingRepository) DeleteByPool(ctx context.Context, poolID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM token_proxy_bindings WHERE pool_id = ?`, poolID)
	if err != nil {
		return fmt.Errorf("failed to delete bindings for pool %d: %w", poolID, err)
	}
	return nil
}
