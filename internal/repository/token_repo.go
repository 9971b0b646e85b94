package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/user/piximg-go/internal/clock"
	"github.com/user/piximg-go/internal/models"
)

// TokenRepository provides typed access to the pixiv_tokens table.
type TokenRepository struct {
	db     *sql.DB
	readDB *sql.DB
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(db, readDB *sql.DB) *TokenRepository {
	if readDB == nil {
		readDB = db
	}
	return &TokenRepository{db: db, readDB: readDB}
}

const tokenColumns = `id, label, enabled, refresh_token_enc, refresh_token_masked, weight,
	error_count, backoff_until, last_ok_at, last_fail_at, last_error_code, last_error_msg,
	added_at, updated_at`

func scanToken(s scanner) (*models.PixivToken, error) {
	var t models.PixivToken
	var label, backoffUntil, lastOK, lastFail, lastCode, lastMsg sql.NullString
	var enabled int
	var addedAt, updatedAt string
	err := s.Scan(&t.ID, &label, &enabled, &t.RefreshTokenEnc, &t.RefreshTokenMasked,
		&t.Weight, &t.ErrorCount, &backoffUntil, &lastOK, &lastFail, &lastCode, &lastMsg,
		&addedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Label = strPtr(label)
	t.Enabled = enabled != 0
	t.BackoffUntil = timePtr(backoffUntil)
	t.LastOKAt = timePtr(lastOK)
	t.LastFailAt = timePtr(lastFail)
	t.LastErrorCode = strPtr(lastCode)
	t.LastErrorMsg = strPtr(lastMsg)
	t.AddedAt = timeVal(addedAt)
	t.UpdatedAt = timeVal(updatedAt)
	return &t, nil
}

// Create stores a new token row with its sealed refresh token.
func (r *TokenRepository) Create(ctx context.Context, label *string, enc, masked string, weight int, enabled bool) (*models.PixivToken, error) {
	now := clock.NowString()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO pixiv_tokens (label, enabled, refresh_token_enc, refresh_token_masked, weight, added_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullableStr(label), boolToInt(enabled), enc, masked, weight, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create token: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

// FindByID returns a token or sql.ErrNoRows.
func (r *TokenRepository) FindByID(ctx context.Context, id int64) (*models.PixivToken, error) {
	row := r.readDB.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM pixiv_tokens WHERE id = ?`, id)
	return scanToken(row)
}

// List returns all tokens ordered by id.
func (r *TokenRepository) List(ctx context.Context) ([]*models.PixivToken, error) {
	rows, err := r.readDB.QueryContext(ctx, `SELECT `+tokenColumns+` FROM pixiv_tokens ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()
	return collectTokens(rows)
}

// ListEnabled returns enabled tokens with weight > 0, ordered by id.
// Backoff filtering is left to the caller so strategies can observe
// backoff_until when computing retry hints.
func (r *TokenRepository) ListEnabled(ctx context.Context) ([]*models.PixivToken, error) {
	rows, err := r.readDB.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM pixiv_tokens WHERE enabled = 1 AND weight > 0 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled tokens: %w", err)
	}
	defer rows.Close()
	return collectTokens(rows)
}

// CountEnabled returns the number of enabled tokens with weight > 0.
func (r *TokenRepository) CountEnabled(ctx context.Context) (int, error) {
	var n int
	err := r.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pixiv_tokens WHERE enabled = 1 AND weight > 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count enabled tokens: %w", err)
	}
	return n, nil
}

func collectTokens(rows *sql.Rows) ([]*models.PixivToken, error) {
	var result []*models.PixivToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// Update patches mutable fields; nil pointers leave the column untouched.
func (r *TokenRepository) Update(ctx context.Context, id int64, label *string, enabled *bool, weight *int) error {
	now := clock.NowString()
	query := `UPDATE pixiv_tokens SET updated_at = ?`
	args := []any{now}
	if label != nil {
		query += `, label = ?`
		args = append(args, *label)
	}
	if enabled != nil {
		query += `, enabled = ?`
		args = append(args, boolToInt(*enabled))
	}
	if weight != nil {
		query += `, weight = ?`
		args = append(args, *weight)
	}
	query += ` WHERE id = ?`
	args = append(args, id)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update token %d: %w", id, err)
	}
	return requireAffected(res, fmt.Sprintf("token %d not found", id))
}

// RotateRefreshToken replaces the sealed refresh token after the OAuth
// endpoint issues a new one.
func (r *TokenRepository) RotateRefreshToken(ctx context.Context, id int64, enc, masked string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE pixiv_tokens SET refresh_token_enc = ?, refresh_token_masked = ?, updated_at = ? WHERE id = ?`,
		enc, masked, clock.NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to rotate refresh token for %d: %w", id, err)
	}
	return requireAffected(res, fmt.Sprintf("token %d not found", id))
}

// MarkOK records a successful upstream call: clears the error streak and
// any pending backoff.
func (r *TokenRepository) MarkOK(ctx context.Context, id int64, now time.Time) error {
	ts := clock.Format(now)
	_, err := execWrite(ctx, r.db,
		`UPDATE pixiv_tokens SET error_count = 0, backoff_until = NULL,
		 last_ok_at = ?, last_error_code = NULL, last_error_msg = NULL, updated_at = ?
		 WHERE id = ?`, ts, ts, id)
	if err != nil {
		return fmt.Errorf("failed to mark token %d ok: %w", id, err)
	}
	return nil
}

// MarkFail records a failed upstream call and sets the backoff window
// computed by the caller's policy.
func (r *TokenRepository) MarkFail(ctx context.Context, id int64, now time.Time, backoffUntil time.Time, code, msg string) error {
	ts := clock.Format(now)
	_, err := execWrite(ctx, r.db,
		`UPDATE pixiv_tokens SET error_count = error_count + 1, backoff_until = ?,
		 last_fail_at = ?, last_error_code = ?, last_error_msg = ?, updated_at = ?
		 WHERE id = ?`,
		clock.Format(backoffUntil), ts, code, truncateErr(msg), ts, id)
	if err != nil {
		return fmt.Errorf("failed to mark token %d failed: %w", id, err)
	}
	return nil
}

// Delete removes a token; bindings cascade.
func (r *TokenRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pixiv_tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete token %d: %w", id, err)
	}
	return requireAffected(res, fmt.Sprintf("token %d not found", id))
}
