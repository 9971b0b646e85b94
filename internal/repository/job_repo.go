package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/user/piximg-go/internal/clock"
	"github.com/user/piximg-go/internal/database"
	"github.com/user/piximg-go/internal/models"
)

// JobRepository implements the durable job store: atomic claim, lease sweep,
// and the full transition set of the job state machine.
type JobRepository struct {
	db *sql.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, type, status, priority, run_after, attempt, max_attempts,
	payload_json, last_error, locked_by, locked_at, ref_type, ref_id, added_at, updated_at`

func scanJob(s scanner) (*models.Job, error) {
	var j models.Job
	var status string
	var runAfter, lastError, lockedBy, lockedAt, refType sql.NullString
	var refID sql.NullInt64
	var addedAt, updatedAt string

	err := s.Scan(
		&j.ID, &j.Type, &status, &j.Priority, &runAfter, &j.Attempt, &j.MaxAttempts,
		&j.PayloadJSON, &lastError, &lockedBy, &lockedAt, &refType, &refID,
		&addedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	j.RunAfter = timePtr(runAfter)
	j.LastError = strPtr(lastError)
	j.LockedBy = strPtr(lockedBy)
	j.LockedAt = timePtr(lockedAt)
	j.RefType = strPtr(refType)
	j.RefID = int64Ptr(refID)
	j.AddedAt = timeVal(addedAt)
	j.UpdatedAt = timeVal(updatedAt)
	return &j, nil
}

// EnqueueOptions controls job creation.
type EnqueueOptions struct {
	Priority    int
	RunAfter    *time.Time
	MaxAttempts int
	RefType     string
	RefID       int64
}

// Enqueue inserts a pending job and returns its id.
func (r *JobRepository) Enqueue(ctx context.Context, jobType, payloadJSON string, opts EnqueueOptions) (int64, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	now := clock.NowString()
	var refType, refID any
	if opts.RefType != "" {
		refType = opts.RefType
		refID = opts.RefID
	}
	res, err := execWrite(ctx, r.db,
		`INSERT INTO jobs (type, status, priority, run_after, attempt, max_attempts,
		        payload_json, ref_type, ref_id, added_at, updated_at)
		 VALUES (?, 'pending', ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
		jobType, opts.Priority, nullableTime(opts.RunAfter), opts.MaxAttempts,
		payloadJSON, refType, refID, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return res.LastInsertId()
}

// EnqueueUnique inserts a pending job unless a pending or running job with the
// same (type, ref_type, ref_id) already exists. Returns (0, nil) on the no-op
// path. Backed by the partial unique index on jobs.
func (r *JobRepository) EnqueueUnique(ctx context.Context, jobType, payloadJSON string, opts EnqueueOptions) (int64, error) {
	if opts.RefType == "" {
		return 0, fmt.Errorf("EnqueueUnique requires a ref_type")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	now := clock.NowString()
	res, err := execWrite(ctx, r.db,
		`INSERT OR IGNORE INTO jobs (type, status, priority, run_after, attempt, max_attempts,
		        payload_json, ref_type, ref_id, added_at, updated_at)
		 VALUES (?, 'pending', ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
		jobType, opts.Priority, nullableTime(opts.RunAfter), opts.MaxAttempts,
		payloadJSON, opts.RefType, opts.RefID, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue unique job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, nil
	}
	return res.LastInsertId()
}

// Claim atomically flips the oldest eligible pending job to running for the
// given worker. The single conditional UPDATE is what guarantees at most one
// winner per job. Returns nil when no job is eligible.
func (r *JobRepository) Claim(ctx context.Context, workerID string, now time.Time) (*models.Job, error) {
	nowStr := clock.Format(now)
	var id int64
	err := database.WithWriteRetry(ctx, func() error {
		return r.db.QueryRowContext(ctx,
			`UPDATE jobs SET status = 'running', locked_by = ?, locked_at = ?, updated_at = ?
			 WHERE id = (
			     SELECT id FROM jobs
			     WHERE status = 'pending' AND (run_after IS NULL OR run_after <= ?)
			     ORDER BY priority ASC, id ASC LIMIT 1
			 ) AND status = 'pending'
			 RETURNING id`,
			workerID, nowStr, nowStr, nowStr).Scan(&id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return r.FindByID(ctx, id)
}

// FindByID returns a job by id.
func (r *JobRepository) FindByID(ctx context.Context, id int64) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// MarkCompleted transitions running -> completed, releasing the lock.
func (r *JobRepository) MarkCompleted(ctx context.Context, id int64) error {
	_, err := execWrite(ctx, r.db,
		`UPDATE jobs SET status = 'completed', last_error = NULL,
		        locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		clock.NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// MarkDLQ transitions running -> dlq for permanent or exhausted errors.
func (r *JobRepository) MarkDLQ(ctx context.Context, id int64, errMsg string) error {
	_, err := execWrite(ctx, r.db,
		`UPDATE jobs SET status = 'dlq', last_error = ?,
		        locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		truncateErr(errMsg), clock.NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to deadletter job: %w", err)
	}
	return nil
}

// MarkFailedRetry transitions running -> failed with attempt+1 and a backoff
// run_after; the scheduler promotes it back to pending when due.
func (r *JobRepository) MarkFailedRetry(ctx context.Context, id int64, errMsg string, runAfter time.Time) error {
	_, err := execWrite(ctx, r.db,
		`UPDATE jobs SET status = 'failed', attempt = attempt + 1, last_error = ?,
		        run_after = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		truncateErr(errMsg), clock.Format(runAfter), clock.NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to schedule job retry: %w", err)
	}
	return nil
}

// Defer releases a running job back to pending with a run_after hint.
// The attempt counter is deliberately untouched: waiting on an external
// resource is not a failure.
func (r *JobRepository) Defer(ctx context.Context, id int64, errMsg string, runAfter time.Time) error {
	_, err := execWrite(ctx, r.db,
		`UPDATE jobs SET status = 'pending', last_error = ?, run_after = ?,
		        locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		truncateErr(errMsg), clock.Format(runAfter), clock.NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to defer job: %w", err)
	}
	return nil
}

// PromoteDueRetries moves failed jobs whose run_after has passed back to
// pending. Returns the number promoted.
func (r *JobRepository) PromoteDueRetries(ctx context.Context, now time.Time) (int64, error) {
	res, err := execWrite(ctx, r.db,
		`UPDATE jobs SET status = 'pending', updated_at = ?
		 WHERE status = 'failed' AND run_after IS NOT NULL AND run_after <= ?`,
		clock.NowString(), clock.Format(now))
	if err != nil {
		return 0, fmt.Errorf("failed to promote due retries: %w", err)
	}
	return res.RowsAffected()
}

// SweepExpiredLeases reclaims running jobs whose lock is older than the lease
// TTL, returning them to pending with attempt preserved. At-least-once
// execution rests on this sweep.
func (r *JobRepository) SweepExpiredLeases(ctx context.Context, lockTTL time.Duration, now time.Time) (int64, error) {
	cutoff := clock.Format(now.Add(-lockTTL))
	res, err := execWrite(ctx, r.db,
		`UPDATE jobs SET status = 'pending', locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE status = 'running' AND locked_at IS NOT NULL AND locked_at < ?`,
		clock.NowString(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired leases: %w", err)
	}
	return res.RowsAffected()
}

// Cancel transitions pending/running/paused -> canceled.
func (r *JobRepository) Cancel(ctx context.Context, id int64) error {
	res, err := execWrite(ctx, r.db,
		`UPDATE jobs SET status = 'canceled', locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'running', 'paused')`,
		clock.NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	return requireAffected(res, "job not cancelable")
}

// Pause transitions pending -> paused.
func (r *JobRepository) Pause(ctx context.Context, id int64) error {
	res, err := execWrite(ctx, r.db,
		`UPDATE jobs SET status = 'paused', updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		clock.NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to pause job: %w", err)
	}
	return requireAffected(res, "job not pausable")
}

// Resume transitions paused -> pending, keeping run_after and attempt.
func (r *JobRepository) Resume(ctx context.Context, id int64) error {
	res, err := execWrite(ctx, r.db,
		`UPDATE jobs SET status = 'pending', updated_at = ?
		 WHERE id = ? AND status = 'paused'`,
		clock.NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to resume job: %w", err)
	}
	return requireAffected(res, "job not resumable")
}

// Retry transitions a terminal job back to pending with run_after cleared and
// attempt preserved. Paused jobs are not terminal; they resume through their
// own transition.
func (r *JobRepository) Retry(ctx context.Context, id int64) error {
	res, err := execWrite(ctx, r.db,
		`UPDATE jobs SET status = 'pending', run_after = NULL, last_error = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('completed', 'failed', 'dlq', 'canceled')`,
		clock.NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}
	return requireAffected(res, "job not retryable")
}

// List returns jobs filtered by status and/or type, newest first.
func (r *JobRepository) List(ctx context.Context, status, jobType string, limit, offset int) ([]*models.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var conds []string
	var args []any
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	if jobType != "" {
		conds = append(conds, "type = ?")
		args = append(args, jobType)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var result []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

// CountByStatus returns job counts grouped by status.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func requireAffected(res sql.Result, msg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", msg, sql.ErrNoRows)
	}
	return nil
}
