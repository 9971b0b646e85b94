package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/user/piximg-go/internal/clock"
	"github.com/user/piximg-go/internal/models"
)

// ImageRepository provides typed access to the images table, including the
// wrap-around random pick and hydration candidate queries.
type ImageRepository struct {
	db     *sql.DB
	readDB *sql.DB
}

// NewImageRepository creates a new ImageRepository. readDB may equal db; the
// picker runs its scans there.
func NewImageRepository(db, readDB *sql.DB) *ImageRepository {
	if readDB == nil {
		readDB = db
	}
	return &ImageRepository{db: db, readDB: readDB}
}

const imageColumns = `id, illust_id, page_index, ext, original_url, proxy_path, random_key,
	status, width, height, aspect_ratio, orientation, x_restrict, ai_type, illust_type,
	user_id, user_name, title, created_at_pixiv, bookmark_count, view_count, comment_count,
	last_ok_at, last_fail_at, last_error_code, fail_count, created_import_id, added_at, updated_at`

func scanImage(s scanner) (*models.Image, error) {
	var im models.Image
	var status int
	var width, height, xRestrict, aiType, illustType sql.NullInt64
	var orientation sql.NullInt64
	var aspectRatio sql.NullFloat64
	var userID, bookmarks, views, comments, importID sql.NullInt64
	var userName, title, createdAtPixiv, lastOK, lastFail, lastErrCode sql.NullString
	var addedAt, updatedAt string

	err := s.Scan(
		&im.ID, &im.IllustID, &im.PageIndex, &im.Ext, &im.OriginalURL, &im.ProxyPath, &im.RandomKey,
		&status, &width, &height, &aspectRatio, &orientation, &xRestrict, &aiType, &illustType,
		&userID, &userName, &title, &createdAtPixiv, &bookmarks, &views, &comments,
		&lastOK, &lastFail, &lastErrCode, &im.FailCount, &importID, &addedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	im.Status = models.ImageStatus(status)
	im.Width = intPtr(width)
	im.Height = intPtr(height)
	im.AspectRatio = floatPtr(aspectRatio)
	if orientation.Valid {
		o := models.Orientation(orientation.Int64)
		im.Orientation = &o
	}
	im.XRestrict = intPtr(xRestrict)
	im.AIType = intPtr(aiType)
	im.IllustType = intPtr(illustType)
	im.UserID = int64Ptr(userID)
	im.UserName = strPtr(userName)
	im.Title = strPtr(title)
	im.CreatedAtPixiv = timePtr(createdAtPixiv)
	im.BookmarkCount = int64Ptr(bookmarks)
	im.ViewCount = int64Ptr(views)
	im.CommentCount = int64Ptr(comments)
	im.LastOKAt = timePtr(lastOK)
	im.LastFailAt = timePtr(lastFail)
	im.LastErrorCode = strPtr(lastErrCode)
	im.CreatedImportID = int64Ptr(importID)
	im.AddedAt = timeVal(addedAt)
	im.UpdatedAt = timeVal(updatedAt)
	return &im, nil
}

func scanImages(rows *sql.Rows) ([]*models.Image, error) {
	var result []*models.Image
	for rows.Next() {
		im, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, im)
	}
	return result, rows.Err()
}

// FindByID returns an image by id.
func (r *ImageRepository) FindByID(ctx context.Context, id int64) (*models.Image, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE id = ?`, id)
	return scanImage(row)
}

// FindByIllustPage returns an image by its natural key.
func (r *ImageRepository) FindByIllustPage(ctx context.Context, illustID int64, pageIndex int) (*models.Image, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE illust_id = ? AND page_index = ?`,
		illustID, pageIndex)
	return scanImage(row)
}

// InsertStub creates a minimal image row for an imported URL. The random_key
// is drawn here, once, and never rewritten. Returns (id, true) when inserted,
// (existing id, false) when the (illust_id, page_index) row already exists.
func (r *ImageRepository) InsertStub(ctx context.Context, illustID int64, pageIndex int, ext, originalURL string, importID *int64) (int64, bool, error) {
	now := clock.NowString()
	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO images
		     (illust_id, page_index, ext, original_url, random_key, status, created_import_id, added_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		illustID, pageIndex, ext, originalURL, rand.Float64(), nullableInt64(importID), now, now)
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert image stub: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if affected == 0 {
		var id int64
		err := r.db.QueryRowContext(ctx,
			`SELECT id FROM images WHERE illust_id = ? AND page_index = ?`,
			illustID, pageIndex).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("failed to resolve existing image: %w", err)
		}
		return id, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	// Two-step: proxy_path embeds the row id, which is only known post-insert.
	if _, err := r.db.ExecContext(ctx,
		`UPDATE images SET proxy_path = ? WHERE id = ?`,
		fmt.Sprintf("/i/%d.%s", id, ext), id); err != nil {
		return 0, false, fmt.Errorf("failed to set proxy_path: %w", err)
	}
	return id, true, nil
}

// HydratedPage carries the parsed metadata for one page of an illust.
type HydratedPage struct {
	IllustID       int64
	PageIndex      int
	Ext            string
	OriginalURL    string
	Width          int
	Height         int
	AspectRatio    float64
	Orientation    models.Orientation
	XRestrict      int
	AIType         *int
	IllustType     *int
	UserID         int64
	UserName       string
	Title          string
	CreatedAtPixiv *time.Time
	BookmarkCount  int64
	ViewCount      int64
	CommentCount   int64
}

// UpsertHydrated upserts one page with full metadata inside tx, preserving
// random_key and proxy_path on update. Returns the image id.
func (r *ImageRepository) UpsertHydrated(ctx context.Context, tx *sql.Tx, p *HydratedPage) (int64, error) {
	now := clock.NowString()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO images
		     (illust_id, page_index, ext, original_url, random_key, status,
		      width, height, aspect_ratio, orientation, x_restrict, ai_type, illust_type,
		      user_id, user_name, title, created_at_pixiv, bookmark_count, view_count, comment_count,
		      added_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (illust_id, page_index) DO UPDATE SET
		     ext = excluded.ext,
		     original_url = excluded.original_url,
		     width = excluded.width,
		     height = excluded.height,
		     aspect_ratio = excluded.aspect_ratio,
		     orientation = excluded.orientation,
		     x_restrict = excluded.x_restrict,
		     ai_type = excluded.ai_type,
		     illust_type = excluded.illust_type,
		     user_id = excluded.user_id,
		     user_name = excluded.user_name,
		     title = excluded.title,
		     created_at_pixiv = excluded.created_at_pixiv,
		     bookmark_count = excluded.bookmark_count,
		     view_count = excluded.view_count,
		     comment_count = excluded.comment_count,
		     updated_at = excluded.updated_at`,
		p.IllustID, p.PageIndex, p.Ext, p.OriginalURL, rand.Float64(),
		p.Width, p.Height, p.AspectRatio, int(p.Orientation), p.XRestrict,
		nullableIntP(p.AIType), nullableIntP(p.IllustType),
		p.UserID, p.UserName, p.Title, nullableTime(p.CreatedAtPixiv),
		p.BookmarkCount, p.ViewCount, p.CommentCount, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert image: %w", err)
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM images WHERE illust_id = ? AND page_index = ?`,
		p.IllustID, p.PageIndex).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve upserted image: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE images SET proxy_path = ? WHERE id = ? AND proxy_path = ''`,
		fmt.Sprintf("/i/%d.%s", id, p.Ext), id); err != nil {
		return 0, fmt.Errorf("failed to set proxy_path: %w", err)
	}
	return id, nil
}

// ReplaceTags replaces the image's tag set inside tx (delete + insert).
func (r *ImageRepository) ReplaceTags(ctx context.Context, tx *sql.Tx, imageID int64, tagIDs []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM image_tags WHERE image_id = ?`, imageID); err != nil {
		return fmt.Errorf("failed to clear image tags: %w", err)
	}
	for _, tagID := range tagIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO image_tags (image_id, tag_id) VALUES (?, ?)`,
			imageID, tagID); err != nil {
			return fmt.Errorf("failed to insert image tag: %w", err)
		}
	}
	return nil
}

// MarkServeOK records a successful delivery: clears the error code and resets
// fail_count.
func (r *ImageRepository) MarkServeOK(ctx context.Context, id int64, now time.Time) error {
	_, err := execWrite(ctx, r.db,
		`UPDATE images SET last_ok_at = ?, last_error_code = NULL, fail_count = 0, updated_at = ?
		 WHERE id = ?`,
		clock.Format(now), clock.NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to mark image ok: %w", err)
	}
	return nil
}

// MarkServeFailure records an upstream delivery failure against the image.
func (r *ImageRepository) MarkServeFailure(ctx context.Context, id int64, code string, now time.Time) error {
	_, err := execWrite(ctx, r.db,
		`UPDATE images SET last_fail_at = ?, last_error_code = ?, fail_count = fail_count + 1, updated_at = ?
		 WHERE id = ?`,
		clock.Format(now), code, clock.NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to mark image failure: %w", err)
	}
	return nil
}

// SetStatus updates the serving status.
func (r *ImageRepository) SetStatus(ctx context.Context, id int64, status models.ImageStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE images SET status = ?, updated_at = ? WHERE id = ?`,
		int(status), clock.NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to set image status: %w", err)
	}
	return requireAffected(res, "image not found")
}

// buildFilter renders a RandomFilter into WHERE conditions over images.
func buildFilter(f *models.RandomFilter) (conds []string, args []any) {
	conds = append(conds, "status = 1")

	switch f.R18 {
	case models.R18Safe:
		if f.R18Strict {
			conds = append(conds, "x_restrict = 0")
		} else {
			conds = append(conds, "(x_restrict = 0 OR x_restrict IS NULL)")
		}
	case models.R18Only:
		conds = append(conds, "x_restrict >= 1")
	}

	if len(f.Orientations) > 0 {
		conds = append(conds, "orientation IN ("+placeholders(len(f.Orientations))+")")
		for _, o := range f.Orientations {
			args = append(args, o)
		}
	}
	if len(f.AITypes) > 0 {
		conds = append(conds, "ai_type IN ("+placeholders(len(f.AITypes))+")")
		for _, v := range f.AITypes {
			args = append(args, v)
		}
	}
	if len(f.IllustTypes) > 0 {
		conds = append(conds, "illust_type IN ("+placeholders(len(f.IllustTypes))+")")
		for _, v := range f.IllustTypes {
			args = append(args, v)
		}
	}

	if f.MinWidth > 0 {
		conds = append(conds, "width >= ?")
		args = append(args, f.MinWidth)
	}
	if f.MinHeight > 0 {
		conds = append(conds, "height >= ?")
		args = append(args, f.MinHeight)
	}
	if f.MinPixels > 0 {
		conds = append(conds, "(width * height) >= ?")
		args = append(args, f.MinPixels)
	}
	if f.MinBookmarks > 0 {
		conds = append(conds, "bookmark_count >= ?")
		args = append(args, f.MinBookmarks)
	}
	if f.MinViews > 0 {
		conds = append(conds, "view_count >= ?")
		args = append(args, f.MinViews)
	}
	if f.MinComments > 0 {
		conds = append(conds, "comment_count >= ?")
		args = append(args, f.MinComments)
	}

	if f.UserID != nil {
		conds = append(conds, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.IllustID != nil {
		conds = append(conds, "illust_id = ?")
		args = append(args, *f.IllustID)
	}
	if f.CreatedFrom != nil {
		conds = append(conds, "created_at_pixiv >= ?")
		args = append(args, clock.Format(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		conds = append(conds, "created_at_pixiv <= ?")
		args = append(args, clock.Format(*f.CreatedTo))
	}

	// AND-of-OR tag groups: one membership subselect per group.
	for _, group := range f.IncludedTagGroups {
		if len(group) == 0 {
			continue
		}
		conds = append(conds,
			`EXISTS (SELECT 1 FROM image_tags it JOIN tags t ON t.id = it.tag_id
			         WHERE it.image_id = images.id AND t.name IN (`+placeholders(len(group))+`))`)
		for _, name := range group {
			args = append(args, name)
		}
	}
	if len(f.ExcludedTags) > 0 {
		conds = append(conds,
			`NOT EXISTS (SELECT 1 FROM image_tags it JOIN tags t ON t.id = it.tag_id
			             WHERE it.image_id = images.id AND t.name IN (`+placeholders(len(f.ExcludedTags))+`))`)
		for _, name := range f.ExcludedTags {
			args = append(args, name)
		}
	}

	if len(f.ExcludeImageIDs) > 0 {
		conds = append(conds, "id NOT IN ("+placeholders(len(f.ExcludeImageIDs))+")")
		for _, id := range f.ExcludeImageIDs {
			args = append(args, id)
		}
	}
	if f.FailCooldownBefore != nil {
		conds = append(conds, "(last_fail_at IS NULL OR last_fail_at <= ?)")
		args = append(args, clock.Format(*f.FailCooldownBefore))
	}

	return conds, args
}

// PickRandom runs the wrap-around cursor scan: starting at a uniform r in
// [0,1), take up to limit rows with random_key >= r, then wrap to the
// beginning for the remainder. Uniform over the filtered population because
// random_key is uniform and immutable.
func (r *ImageRepository) PickRandom(ctx context.Context, f *models.RandomFilter, cursor float64, limit int) ([]*models.Image, error) {
	if limit <= 0 {
		limit = 1
	}
	conds, args := buildFilter(f)
	where := strings.Join(conds, " AND ")

	q1 := `SELECT ` + imageColumns + ` FROM images WHERE ` + where +
		` AND random_key >= ? ORDER BY random_key ASC LIMIT ?`
	rows, err := r.readDB.QueryContext(ctx, q1, append(append([]any{}, args...), cursor, limit)...)
	if err != nil {
		return nil, fmt.Errorf("failed to pick random images: %w", err)
	}
	result, err := scanImages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(result) >= limit {
		return result, nil
	}

	q2 := `SELECT ` + imageColumns + ` FROM images WHERE ` + where +
		` AND random_key < ? ORDER BY random_key ASC LIMIT ?`
	rows, err = r.readDB.QueryContext(ctx, q2, append(append([]any{}, args...), cursor, limit-len(result))...)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap random pick: %w", err)
	}
	rest, err := scanImages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	return append(result, rest...), nil
}

// CountMatching returns the filtered population size (used for NO_MATCH hints).
func (r *ImageRepository) CountMatching(ctx context.Context, f *models.RandomFilter) (int64, error) {
	conds, args := buildFilter(f)
	var n int64
	err := r.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM images WHERE `+strings.Join(conds, " AND "), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count matching images: %w", err)
	}
	return n, nil
}

// Hydration criteria field sets: each maps a "missing" name to a predicate.
var missingPredicates = map[string]string{
	"tags":        "NOT EXISTS (SELECT 1 FROM image_tags it WHERE it.image_id = images.id)",
	"geometry":    "(width IS NULL OR height IS NULL)",
	"r18":         "x_restrict IS NULL",
	"ai":          "ai_type IS NULL",
	"illust_type": "illust_type IS NULL",
	"user":        "user_id IS NULL",
	"title":       "title IS NULL",
	"created_at":  "created_at_pixiv IS NULL",
	"popularity":  "(bookmark_count IS NULL OR view_count IS NULL)",
}

// NextHydrationCandidates returns enabled images past the cursor matching any
// of the named missing field-sets, ordered by id.
func (r *ImageRepository) NextHydrationCandidates(ctx context.Context, cursorImageID int64, missing []string, limit int) ([]*models.Image, error) {
	var preds []string
	for _, m := range missing {
		if p, ok := missingPredicates[m]; ok {
			preds = append(preds, p)
		}
	}
	if len(preds) == 0 {
		return nil, fmt.Errorf("no recognized criteria in %v", missing)
	}
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + imageColumns + ` FROM images
		 WHERE id > ? AND status = 1 AND (` + strings.Join(preds, " OR ") + `)
		 ORDER BY id ASC LIMIT ?`
	rows, err := r.readDB.QueryContext(ctx, query, cursorImageID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query hydration candidates: %w", err)
	}
	defer rows.Close()
	return scanImages(rows)
}

// List returns images newest first with optional status filter.
func (r *ImageRepository) List(ctx context.Context, status int, limit int, beforeID int64) ([]*models.Image, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var conds []string
	var args []any
	if status > 0 {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	if beforeID > 0 {
		conds = append(conds, "id < ?")
		args = append(args, beforeID)
	}
	query := `SELECT ` + imageColumns + ` FROM images`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()
	return scanImages(rows)
}

// TagNames returns the image's tag names.
func (r *ImageRepository) TagNames(ctx context.Context, imageID int64) ([]string, error) {
	rows, err := r.readDB.QueryContext(ctx,
		`SELECT t.name FROM image_tags it JOIN tags t ON t.id = it.tag_id
		 WHERE it.image_id = ? ORDER BY t.name`, imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load image tags: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// HasTags reports whether the image has any tag rows.
func (r *ImageRepository) HasTags(ctx context.Context, imageID int64) (bool, error) {
	var n int
	err := r.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM image_tags WHERE image_id = ?`, imageID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// BeginTx starts a write transaction for multi-table hydration persistence.
func (r *ImageRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

// IsNotFound reports whether err is the no-rows sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullableIntP(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
