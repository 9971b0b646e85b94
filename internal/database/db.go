// Package database provides SQLite database connection management and migrations.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// New creates a new database connection with the given path.
func New(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; readers share the WAL.
	conn.SetMaxOpenConns(15)
	conn.SetMaxIdleConns(5)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return conn, nil
}

// NewReadOnly creates a read-only database connection for query-heavy workloads.
// Random picking and list endpoints run here so they never queue behind the
// writer during hydration bursts.
func NewReadOnly(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON&mode=ro", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(3)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping read-only database: %w", err)
	}

	return conn, nil
}

const (
	writeRetries     = 5
	writeRetryBaseMs = 20
	writeRetryCapMs  = 500
)

// WithWriteRetry runs fn, retrying on SQLITE_BUSY/LOCKED with bounded
// exponential backoff plus jitter. Writers are serialized by sqlite; short
// contention under WAL is expected rather than exceptional.
func WithWriteRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= writeRetries; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		delay := writeRetryBaseMs << attempt
		if delay > writeRetryCapMs {
			delay = writeRetryCapMs
		}
		delay += rand.Intn(writeRetryBaseMs)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(delay) * time.Millisecond):
		}
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
