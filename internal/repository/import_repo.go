package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/user/piximg-go/internal/clock"
	"github.com/user/piximg-go/internal/models"
)

// ImportRepository provides typed access to the imports table.
type ImportRepository struct {
	db     *sql.DB
	readDB *sql.DB
}

// NewImportRepository creates a new ImportRepository.
func NewImportRepository(db, readDB *sql.DB) *ImportRepository {
	if readDB == nil {
		readDB = db
	}
	return &ImportRepository{db: db, readDB: readDB}
}

func scanImport(s scanner) (*models.Import, error) {
	var imp models.Import
	var detailJSON string
	var addedAt string
	err := s.Scan(&imp.ID, &imp.CreatedBy, &imp.Source, &imp.Total, &imp.Accepted,
		&imp.Deduped, &imp.Success, &imp.Failed, &detailJSON, &addedAt)
	if err != nil {
		return nil, err
	}
	if detailJSON != "" {
		// Ignore malformed detail rather than failing the read.
		_ = json.Unmarshal([]byte(detailJSON), &imp.Detail)
	}
	imp.AddedAt = timeVal(addedAt)
	return &imp, nil
}

// Create records a parsed import with its line-level accounting.
func (r *ImportRepository) Create(ctx context.Context, createdBy, source string, total, accepted, deduped int, detail models.ImportDetail) (*models.Import, error) {
	if len(detail.Errors) > models.MaxImportLineErrors {
		detail.Errors = detail.Errors[:models.MaxImportLineErrors]
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("failed to encode import detail: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO imports (created_by, source, total, accepted, deduped, detail_json, added_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		createdBy, source, total, accepted, deduped, string(detailJSON), clock.NowString())
	if err != nil {
		return nil, fmt.Errorf("failed to create import: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

// FindByID returns an import or sql.ErrNoRows.
func (r *ImportRepository) FindByID(ctx context.Context, id int64) (*models.Import, error) {
	row := r.readDB.QueryRowContext(ctx,
		`SELECT id, created_by, source, total, accepted, deduped, success, failed, detail_json, added_at
		 FROM imports WHERE id = ?`, id)
	return scanImport(row)
}

// List returns imports newest-first, cursor-paginated by id.
func (r *ImportRepository) List(ctx context.Context, beforeID int64, limit int) ([]*models.Import, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if beforeID <= 0 {
		beforeID = int64(1) << 62
	}
	rows, err := r.readDB.QueryContext(ctx,
		`SELECT id, created_by, source, total, accepted, deduped, success, failed, detail_json, added_at
		 FROM imports WHERE id < ? ORDER BY id DESC LIMIT ?`, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list imports: %w", err)
	}
	defer rows.Close()

	var result []*models.Import
	for rows.Next() {
		imp, err := scanImport(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, imp)
	}
	return result, rows.Err()
}

// SetCounts finalizes the line accounting once every stub has been written.
func (r *ImportRepository) SetCounts(ctx context.Context, id int64, total, accepted, deduped int, detail models.ImportDetail) error {
	if len(detail.Errors) > models.MaxImportLineErrors {
		detail.Errors = detail.Errors[:models.MaxImportLineErrors]
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to encode import detail: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE imports SET total = ?, accepted = ?, deduped = ?, detail_json = ? WHERE id = ?`,
		total, accepted, deduped, string(detailJSON), id)
	if err != nil {
		return fmt.Errorf("failed to set import %d counts: %w", id, err)
	}
	return nil
}

// BumpCounters adds hydration outcomes to the import's running totals as
// its stub images are processed.
func (r *ImportRepository) BumpCounters(ctx context.Context, id int64, success, failed int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE imports SET success = success + ?, failed = failed + ? WHERE id = ?`,
		success, failed, id)
	if err != nil {
		return fmt.Errorf("failed to bump import %d counters: %w", id, err)
	}
	return nil
}
