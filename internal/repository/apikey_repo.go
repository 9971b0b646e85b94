package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/user/piximg-go/internal/clock"
	"github.com/user/piximg-go/internal/models"
)

// APIKeyRepository provides typed access to api_keys.
type APIKeyRepository struct {
	db     *sql.DB
	readDB *sql.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository.
func NewAPIKeyRepository(db, readDB *sql.DB) *APIKeyRepository {
	if readDB == nil {
		readDB = db
	}
	return &APIKeyRepository{db: db, readDB: readDB}
}

func scanAPIKey(s scanner) (*models.APIKey, error) {
	var k models.APIKey
	var isActive int
	var createdAt string
	var lastUsedAt, expiresAt sql.NullString
	err := s.Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, &isActive, &createdAt, &lastUsedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	k.IsActive = isActive != 0
	k.CreatedAt = timeVal(createdAt)
	k.LastUsedAt = timePtr(lastUsedAt)
	k.ExpiresAt = timePtr(expiresAt)
	return &k, nil
}

// Create stores a new key by hash; the plaintext never reaches this layer.
func (r *APIKeyRepository) Create(ctx context.Context, keyHash, keyPrefix, name string, expiresAt *time.Time) (*models.APIKey, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_hash, key_prefix, name, is_active, created_at, expires_at)
		 VALUES (?, ?, ?, 1, ?, ?)`,
		keyHash, keyPrefix, name, clock.NowString(), nullableTime(expiresAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

// FindByID returns a key or sql.ErrNoRows.
func (r *APIKeyRepository) FindByID(ctx context.Context, id int64) (*models.APIKey, error) {
	row := r.readDB.QueryRowContext(ctx,
		`SELECT id, key_hash, key_prefix, name, is_active, created_at, last_used_at, expires_at
		 FROM api_keys WHERE id = ?`, id)
	return scanAPIKey(row)
}

// FindActiveByHash returns an active, unexpired key matching the hash.
func (r *APIKeyRepository) FindActiveByHash(ctx context.Context, keyHash string, now time.Time) (*models.APIKey, error) {
	row := r.readDB.QueryRowContext(ctx,
		`SELECT id, key_hash, key_prefix, name, is_active, created_at, last_used_at, expires_at
		 FROM api_keys
		 WHERE key_hash = ? AND is_active = 1 AND (expires_at IS NULL OR expires_at > ?)`,
		keyHash, clock.Format(now))
	return scanAPIKey(row)
}

// List returns all keys ordered by id.
func (r *APIKeyRepository) List(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := r.readDB.QueryContext(ctx,
		`SELECT id, key_hash, key_prefix, name, is_active, created_at, last_used_at, expires_at
		 FROM api_keys ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var result []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}
	return result, rows.Err()
}

// TouchLastUsed records usage; best effort, callers ignore the error.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id int64, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, clock.Format(now), id)
	return err
}

// SetActive flips the key's active bit.
func (r *APIKeyRepository) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to set api key %d active=%v: %w", id, active, err)
	}
	return requireAffected(res, fmt.Sprintf("api key %d not found", id))
}

// Delete removes a key.
func (r *APIKeyRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete api key %d: %w", id, err)
	}
	return requireAffected(res, fmt.Sprintf("api key %d not found", id))
}
