package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/piximg-go/internal/clock"
	"github.com/user/piximg-go/internal/models"
)

// HydrationRunRepository provides typed access to hydration_runs.
type HydrationRunRepository struct {
	db     *sql.DB
	readDB *sql.DB
}

// NewHydrationRunRepository creates a new HydrationRunRepository.
func NewHydrationRunRepository(db, readDB *sql.DB) *HydrationRunRepository {
	if readDB == nil {
		readDB = db
	}
	return &HydrationRunRepository{db: db, readDB: readDB}
}

const runColumns = `id, type, status, criteria_json, cursor_json, total, processed, success, failed,
	started_at, finished_at, last_error, added_at, updated_at`

func scanRun(s scanner) (*models.HydrationRun, error) {
	var run models.HydrationRun
	var status, criteriaJSON, cursorJSON string
	var total sql.NullInt64
	var startedAt, finishedAt, lastError sql.NullString
	var addedAt, updatedAt string
	err := s.Scan(&run.ID, &run.Type, &status, &criteriaJSON, &cursorJSON, &total,
		&run.Processed, &run.Success, &run.Failed, &startedAt, &finishedAt, &lastError,
		&addedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = models.HydrationRunStatus(status)
	_ = json.Unmarshal([]byte(criteriaJSON), &run.Criteria)
	_ = json.Unmarshal([]byte(cursorJSON), &run.Cursor)
	run.Total = int64Ptr(total)
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)
	run.LastError = strPtr(lastError)
	run.AddedAt = timeVal(addedAt)
	run.UpdatedAt = timeVal(updatedAt)
	return &run, nil
}

// Create records a new run in pending state.
func (r *HydrationRunRepository) Create(ctx context.Context, runType string, criteria models.HydrationCriteria, total *int64) (*models.HydrationRun, error) {
	criteriaJSON, err := json.Marshal(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run criteria: %w", err)
	}
	cursorJSON, _ := json.Marshal(models.HydrationCursor{})
	now := clock.NowString()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO hydration_runs (type, status, criteria_json, cursor_json, total, added_at, updated_at)
		 VALUES (?, 'pending', ?, ?, ?, ?, ?)`,
		runType, string(criteriaJSON), string(cursorJSON), nullableInt64(total), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create hydration run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

// FindByID returns a run or sql.ErrNoRows.
func (r *HydrationRunRepository) FindByID(ctx context.Context, id int64) (*models.HydrationRun, error) {
	row := r.readDB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM hydration_runs WHERE id = ?`, id)
	return scanRun(row)
}

// List returns runs newest-first, cursor-paginated by id.
func (r *HydrationRunRepository) List(ctx context.Context, beforeID int64, limit int) ([]*models.HydrationRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if beforeID <= 0 {
		beforeID = int64(1) << 62
	}
	rows, err := r.readDB.QueryContext(ctx,
		`SELECT `+runColumns+` FROM hydration_runs WHERE id < ? ORDER BY id DESC LIMIT ?`, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list hydration runs: %w", err)
	}
	defer rows.Close()

	var result []*models.HydrationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// MarkStarted moves a pending or paused run to running, stamping started_at
// on first start only.
func (r *HydrationRunRepository) MarkStarted(ctx context.Context, id int64, now time.Time) error {
	ts := clock.Format(now)
	res, err := r.db.ExecContext(ctx,
		`UPDATE hydration_runs SET status = 'running',
		 started_at = COALESCE(started_at, ?), updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'paused', 'running')`, ts, ts, id)
	if err != nil {
		return fmt.Errorf("failed to start run %d: %w", id, err)
	}
	return requireAffected(res, fmt.Sprintf("run %d not startable", id))
}

// AdvanceCursor persists batch progress: the new cursor plus the batch's
// outcome counts.
func (r *HydrationRunRepository) AdvanceCursor(ctx context.Context, id int64, cursor models.HydrationCursor, processed, success, failed int64) error {
	cursorJSON, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("failed to encode run cursor: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE hydration_runs SET cursor_json = ?,
		 processed = processed + ?, success = success + ?, failed = failed + ?, updated_at = ?
		 WHERE id = ?`,
		string(cursorJSON), processed, success, failed, clock.NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to advance run %d cursor: %w", id, err)
	}
	return nil
}

// SetStatus moves the run to a terminal or paused state.
func (r *HydrationRunRepository) SetStatus(ctx context.Context, id int64, status models.HydrationRunStatus, lastError *string) error {
	now := clock.NowString()
	var finishedAt any
	switch status {
	case models.RunCompleted, models.RunFailed, models.RunCanceled:
		finishedAt = now
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE hydration_runs SET status = ?, finished_at = COALESCE(?, finished_at),
		 last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), finishedAt, nullableStr(lastError), now, id)
	if err != nil {
		return fmt.Errorf("failed to set run %d status: %w", id, err)
	}
	return requireAffected(res, fmt.Sprintf("run %d not found", id))
}
