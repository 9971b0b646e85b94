// Package repository provides typed SQLite access to the domain entities.
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/user/piximg-go/internal/clock"
	"github.com/user/piximg-go/internal/database"
)

// execWrite runs a write statement through the busy-retry wrapper. SQLite
// allows one writer at a time; a concurrent writer surfaces as SQLITE_BUSY
// even past the DSN busy_timeout.
func execWrite(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := database.WithWriteRetry(ctx, func() error {
		var execErr error
		res, execErr = db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// scanner abstracts sql.Row and sql.Rows for shared scan functions.
type scanner interface {
	Scan(dest ...any) error
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timePtr parses a nullable persisted timestamp column.
func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := clock.Parse(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// timeVal parses a non-null persisted timestamp column, zero on failure.
func timeVal(s string) time.Time {
	t, err := clock.Parse(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// strPtr converts a nullable text column.
func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

// nullableTime renders a *time.Time for a nullable column.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return clock.Format(*t)
}

// nullableStr renders a *string for a nullable column.
func nullableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// nullableInt64 renders a *int64 for a nullable column.
func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// truncateErr bounds stored error text so a pathological upstream body
// cannot bloat the row.
func truncateErr(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max]
}
