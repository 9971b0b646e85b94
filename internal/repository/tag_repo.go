package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/user/piximg-go/internal/clock"
	"github.com/user/piximg-go/internal/models"
)

// TagRepository provides typed access to the tags table.
type TagRepository struct {
	db     *sql.DB
	readDB *sql.DB
}

// NewTagRepository creates a new TagRepository.
func NewTagRepository(db, readDB *sql.DB) *TagRepository {
	if readDB == nil {
		readDB = db
	}
	return &TagRepository{db: db, readDB: readDB}
}

func scanTag(s scanner) (*models.Tag, error) {
	var t models.Tag
	var translated sql.NullString
	var addedAt, updatedAt string
	if err := s.Scan(&t.ID, &t.Name, &translated, &addedAt, &updatedAt); err != nil {
		return nil, err
	}
	t.TranslatedName = strPtr(translated)
	t.AddedAt = timeVal(addedAt)
	t.UpdatedAt = timeVal(updatedAt)
	return &t, nil
}

// UpsertByName creates the tag if absent; when translatedName is non-nil it
// also refreshes the translation. Returns the tag id. Runs inside tx.
func (r *TagRepository) UpsertByName(ctx context.Context, tx *sql.Tx, name string, translatedName *string) (int64, error) {
	now := clock.NowString()
	if translatedName != nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tags (name, translated_name, added_at, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (name) DO UPDATE SET translated_name = excluded.translated_name, updated_at = excluded.updated_at`,
			name, *translatedName, now, now)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert tag %q: %w", name, err)
		}
	} else {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO tags (name, added_at, updated_at) VALUES (?, ?, ?)`,
			name, now, now)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert tag %q: %w", name, err)
		}
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM tags WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to resolve tag %q: %w", name, err)
	}
	return id, nil
}

// Search returns tags matching a prefix, cursor-paginated by id.
func (r *TagRepository) Search(ctx context.Context, query string, afterID int64, limit int) ([]*models.Tag, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.readDB.QueryContext(ctx,
		`SELECT id, name, translated_name, added_at, updated_at FROM tags
		 WHERE id > ? AND (? = '' OR name LIKE ? OR translated_name LIKE ?)
		 ORDER BY id ASC LIMIT ?`,
		afterID, query, query+"%", query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search tags: %w", err)
	}
	defer rows.Close()

	var result []*models.Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// Authors returns distinct (user_id, user_name) pairs from hydrated images,
// cursor-paginated by user_id.
func (r *TagRepository) Authors(ctx context.Context, query string, afterUserID int64, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.readDB.QueryContext(ctx,
		`SELECT user_id, user_name, COUNT(*) AS images FROM images
		 WHERE user_id IS NOT NULL AND user_id > ? AND (? = '' OR user_name LIKE ?)
		 GROUP BY user_id, user_name ORDER BY user_id ASC LIMIT ?`,
		afterUserID, query, query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list authors: %w", err)
	}
	defer rows.Close()

	var result []map[string]any
	for rows.Next() {
		var userID int64
		var userName sql.NullString
		var images int64
		if err := rows.Scan(&userID, &userName, &images); err != nil {
			return nil, err
		}
		result = append(result, map[string]any{
			"user_id":   userID,
			"user_name": userName.String,
			"images":    images,
		})
	}
	return result, rows.Err()
}
