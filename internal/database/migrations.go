package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migration is one versioned schema step, parsed from NNN_name.sql.
type migration struct {
	version int
	name    string
	sql     string
}

// RunMigrations brings the schema up to date. Each pending step runs inside
// its own transaction and is recorded in schema_migrations, so a failed step
// leaves the ledger consistent with the schema.
func RunMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	steps, err := readMigrations(migrationsFS)
	if err != nil {
		return err
	}

	applied := make(map[int]bool)
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, m := range steps {
		if applied[m.version] {
			continue
		}
		if err := runStep(db, m); err != nil {
			return fmt.Errorf("migration %03d_%s failed: %w", m.version, m.name, err)
		}
	}
	return nil
}

func readMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	steps := make([]migration, 0, len(entries))
	for _, e := range entries {
		fname := e.Name()
		if e.IsDir() || !strings.HasSuffix(fname, ".sql") {
			continue
		}
		version, name, ok := parseMigrationName(fname)
		if !ok {
			return nil, fmt.Errorf("malformed migration filename %q", fname)
		}
		body, err := fs.ReadFile(fsys, "migrations/"+fname)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", fname, err)
		}
		steps = append(steps, migration{version: version, name: name, sql: string(body)})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

func parseMigrationName(fname string) (version int, name string, ok bool) {
	base := strings.TrimSuffix(fname, ".sql")
	prefix, rest, found := strings.Cut(base, "_")
	if !found {
		return 0, "", false
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, "", false
	}
	return v, rest, true
}

func runStep(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`,
		m.version, m.name); err != nil {
		return err
	}
	return tx.Commit()
}
