// Package testutil provides test utilities and fixtures for the image hub
// service.
package testutil

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/user/piximg-go/internal/clock"
	"github.com/user/piximg-go/internal/database"
)

// NewTestDB creates an in-memory SQLite database with the full migrated
// schema. The database is closed when the test completes.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	require.NoError(t, err, "failed to open test database")
	// In-memory sqlite must stay on a single connection or each new conn
	// sees an empty database.
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		db.Close()
	})

	require.NoError(t, database.RunMigrations(db), "failed to run migrations")
	return db
}

// ImageSpec is a seed row for the images table.
type ImageSpec struct {
	IllustID  int64
	PageIndex int
	RandomKey float64
	Status    int
	Width     int
	Height    int
	XRestrict *int // nil stays NULL; zero is a meaningful value
	AIType    *int
	Bookmarks int64
	Views     int64
	UserID    int64
	Title     string
}

// IntPtr returns a pointer to v, for the nullable ImageSpec fields.
func IntPtr(v int) *int { return &v }

// SeedImage inserts one image row and returns its id. Zero-valued optional
// fields stay NULL.
func SeedImage(t *testing.T, db *sql.DB, spec ImageSpec) int64 {
	t.Helper()

	if spec.Status == 0 {
		spec.Status = 1
	}
	now := clock.Format(time.Now().UTC())
	url := fmt.Sprintf("https://i.pximg.net/img-original/img/2024/01/01/00/00/00/%d_p%d.jpg",
		spec.IllustID, spec.PageIndex)

	res, err := db.Exec(`INSERT INTO images
		(illust_id, page_index, ext, original_url, proxy_path, random_key, status,
		 width, height, x_restrict, ai_type, bookmark_count, view_count, user_id, title,
		 added_at, updated_at)
		VALUES (?, ?, 'jpg', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		spec.IllustID, spec.PageIndex, url,
		fmt.Sprintf("/i/%d.jpg", spec.IllustID),
		spec.RandomKey, spec.Status,
		nullable(spec.Width), nullable(spec.Height),
		nullablePtr(spec.XRestrict), nullablePtr(spec.AIType),
		nullable64(spec.Bookmarks), nullable64(spec.Views), nullable64(spec.UserID),
		nullableStr(spec.Title), now, now)
	require.NoError(t, err, "failed to seed image")
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

// SeedToken inserts an enabled pixiv token and returns its id.
func SeedToken(t *testing.T, db *sql.DB, label string, weight int) int64 {
	t.Helper()

	now := clock.Format(time.Now().UTC())
	res, err := db.Exec(`INSERT INTO pixiv_tokens
		(label, enabled, refresh_token_enc, refresh_token_masked, weight, added_at, updated_at)
		VALUES (?, 1, 'enc', 'ab...yz', ?, ?, ?)`,
		label, weight, now, now)
	require.NoError(t, err, "failed to seed token")
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

// SeedPool inserts an enabled proxy pool and returns its id.
func SeedPool(t *testing.T, db *sql.DB, name string) int64 {
	t.Helper()

	now := clock.Format(time.Now().UTC())
	res, err := db.Exec(`INSERT INTO proxy_pools (name, enabled, added_at, updated_at)
		VALUES (?, 1, ?, ?)`, name, now, now)
	require.NoError(t, err, "failed to seed pool")
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

// SeedEndpoint inserts an enabled proxy endpoint attached to poolID with the
// given membership weight, and returns the endpoint id.
func SeedEndpoint(t *testing.T, db *sql.DB, poolID int64, host string, port, weight int) int64 {
	t.Helper()

	now := clock.Format(time.Now().UTC())
	res, err := db.Exec(`INSERT INTO proxy_endpoints
		(scheme, host, port, username, password_enc, enabled, source, added_at, updated_at)
		VALUES ('http', ?, ?, '', '', 1, 'manual', ?, ?)`,
		host, port, now, now)
	require.NoError(t, err, "failed to seed endpoint")
	id, err := res.LastInsertId()
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO proxy_pool_endpoints (pool_id, endpoint_id, enabled, weight)
		VALUES (?, ?, 1, ?)`, poolID, id, weight)
	require.NoError(t, err, "failed to attach endpoint to pool")
	return id
}

// SeedTag inserts a tag and links it to imageID.
func SeedTag(t *testing.T, db *sql.DB, imageID int64, name string) int64 {
	t.Helper()

	now := clock.Format(time.Now().UTC())
	res, err := db.Exec(`INSERT INTO tags (name, added_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET updated_at = excluded.updated_at`,
		name, now, now)
	require.NoError(t, err, "failed to seed tag")
	id, err := res.LastInsertId()
	require.NoError(t, err)

	_, err = db.Exec(`INSERT OR IGNORE INTO image_tags (image_id, tag_id) VALUES (?, ?)`, imageID, id)
	require.NoError(t, err, "failed to link tag")
	return id
}

func nullable(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullablePtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullable64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
