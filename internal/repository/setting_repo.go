package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/user/piximg-go/internal/clock"
	"github.com/user/piximg-go/internal/models"
)

// SettingRepository provides typed access to runtime_settings.
type SettingRepository struct {
	db     *sql.DB
	readDB *sql.DB
}

// NewSettingRepository creates a new SettingRepository.
func NewSettingRepository(db, readDB *sql.DB) *SettingRepository {
	if readDB == nil {
		readDB = db
	}
	return &SettingRepository{db: db, readDB: readDB}
}

func scanSetting(s scanner) (*models.RuntimeSetting, error) {
	var rs models.RuntimeSetting
	var description, updatedBy sql.NullString
	var updatedAt string
	if err := s.Scan(&rs.Key, &rs.ValueJSON, &description, &updatedBy, &updatedAt); err != nil {
		return nil, err
	}
	rs.Description = strPtr(description)
	rs.UpdatedBy = strPtr(updatedBy)
	rs.UpdatedAt = timeVal(updatedAt)
	return &rs, nil
}

// Get returns a setting or sql.ErrNoRows.
func (r *SettingRepository) Get(ctx context.Context, key string) (*models.RuntimeSetting, error) {
	row := r.readDB.QueryRowContext(ctx,
		`SELECT key, value_json, description, updated_by, updated_at FROM runtime_settings WHERE key = ?`, key)
	return scanSetting(row)
}

// GetJSON decodes a setting's value into out. Returns sql.ErrNoRows when
// the key is absent.
func (r *SettingRepository) GetJSON(ctx context.Context, key string, out any) error {
	rs, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(rs.ValueJSON), out); err != nil {
		return fmt.Errorf("failed to decode setting %q: %w", key, err)
	}
	return nil
}

// Set upserts a setting with a JSON-encoded value.
func (r *SettingRepository) Set(ctx context.Context, key string, value any, updatedBy string) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %q: %w", key, err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO runtime_settings (key, value_json, updated_by, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value_json = excluded.value_json,
		   updated_by = excluded.updated_by, updated_at = excluded.updated_at`,
		key, string(valueJSON), updatedBy, clock.NowString())
	if err != nil {
		return fmt.Errorf("failed to set setting %q: %w", key, err)
	}
	return nil
}

// List returns all settings ordered by key.
func (r *SettingRepository) List(ctx context.Context) ([]*models.RuntimeSetting, error) {
	rows, err := r.readDB.QueryContext(ctx,
		`SELECT key, value_json, description, updated_by, updated_at FROM runtime_settings ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var result []*models.RuntimeSetting
	for rows.Next() {
		rs, err := scanSetting(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rs)
	}
	return result, rows.Err()
}

// Delete removes a setting, reverting callers to their built-in default.
func (r *SettingRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM runtime_settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting %q: %w", key, err)
	}
	return nil
}
