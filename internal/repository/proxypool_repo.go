package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/user/piximg-go/internal/clock"
	"github.com/user/piximg-go/internal/models"
)

// ProxyPoolRepository provides typed access to proxy pools, endpoints and
// their memberships.
type ProxyPoolRepository struct {
	db     *sql.DB
	readDB *sql.DB
}

// NewProxyPoolRepository creates a new ProxyPoolRepository.
func NewProxyPoolRepository(db, readDB *sql.DB) *ProxyPoolRepository {
	if readDB == nil {
		readDB = db
	}
	return &ProxyPoolRepository{db: db, readDB: readDB}
}

const endpointColumns = `id, scheme, host, port, username, password_enc, enabled, source, source_ref,
	last_latency_ms, last_ok_at, last_fail_at, blacklisted_until, success_count, failure_count,
	last_error, added_at, updated_at`

func scanPool(s scanner) (*models.ProxyPool, error) {
	var p models.ProxyPool
	var enabled int
	var description sql.NullString
	var addedAt, updatedAt string
	if err := s.Scan(&p.ID, &p.Name, &enabled, &description, &addedAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	p.Description = strPtr(description)
	p.AddedAt = timeVal(addedAt)
	p.UpdatedAt = timeVal(updatedAt)
	return &p, nil
}

func scanEndpoint(s scanner) (*models.ProxyEndpoint, error) {
	var e models.ProxyEndpoint
	var scheme string
	var enabled int
	var sourceRef, lastOK, lastFail, blacklistedUntil, lastError sql.NullString
	var lastLatency sql.NullInt64
	var addedAt, updatedAt string
	err := s.Scan(&e.ID, &scheme, &e.Host, &e.Port, &e.Username, &e.PasswordEnc, &enabled,
		&e.Source, &sourceRef, &lastLatency, &lastOK, &lastFail, &blacklistedUntil,
		&e.SuccessCount, &e.FailureCount, &lastError, &addedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Scheme = models.ProxyScheme(scheme)
	e.Enabled = enabled != 0
	e.SourceRef = strPtr(sourceRef)
	e.LastLatencyMs = int64Ptr(lastLatency)
	e.LastOKAt = timePtr(lastOK)
	e.LastFailAt = timePtr(lastFail)
	e.BlacklistedUntil = timePtr(blacklistedUntil)
	e.LastError = strPtr(lastError)
	e.AddedAt = timeVal(addedAt)
	e.UpdatedAt = timeVal(updatedAt)
	return &e, nil
}

// CreatePool creates a named pool.
func (r *ProxyPoolRepository) CreatePool(ctx context.Context, name string, description *string) (*models.ProxyPool, error) {
	now := clock.NowString()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO proxy_pools (name, enabled, description, added_at, updated_at) VALUES (?, 1, ?, ?, ?)`,
		name, nullableStr(description), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.FindPool(ctx, id)
}

// FindPool returns a pool or sql.ErrNoRows.
func (r *ProxyPoolRepository) FindPool(ctx context.Context, id int64) (*models.ProxyPool, error) {
	row := r.readDB.QueryRowContext(ctx,
		`SELECT id, name, enabled, description, added_at, updated_at FROM proxy_pools WHERE id = ?`, id)
	return scanPool(row)
}

// ListPools returns all pools ordered by id.
func (r *ProxyPoolRepository) ListPools(ctx context.Context) ([]*models.ProxyPool, error) {
	rows, err := r.readDB.QueryContext(ctx,
		`SELECT id, name, enabled, description, added_at, updated_at FROM proxy_pools ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}
	defer rows.Close()

	var result []*models.ProxyPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// UpdatePool patches mutable pool fields.
func (r *ProxyPoolRepository) UpdatePool(ctx context.Context, id int64, name *string, enabled *bool, description *string) error {
	query := `UPDATE proxy_pools SET updated_at = ?`
	args := []any{clock.NowString()}
	if name != nil {
		query += `, name = ?`
		args = append(args, *name)
	}
	if enabled != nil {
		query += `, enabled = ?`
		args = append(args, boolToInt(*enabled))
	}
	if description != nil {
		query += `, description = ?`
		args = append(args, *description)
	}
	query += ` WHERE id = ?`
	args = append(args, id)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update pool %d: %w", id, err)
	}
	return requireAffected(res, fmt.Sprintf("pool %d not found", id))
}

// DeletePool removes a pool; memberships cascade.
func (r *ProxyPoolRepository) DeletePool(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM proxy_pools WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pool %d: %w", id, err)
	}
	return requireAffected(res, fmt.Sprintf("pool %d not found", id))
}

// UpsertEndpoint creates an endpoint keyed by (scheme, host, port, username);
// on conflict it refreshes the password and re-enables the row. Returns the
// endpoint id.
func (r *ProxyPoolRepository) UpsertEndpoint(ctx context.Context, scheme models.ProxyScheme, host string, port int, username, passwordEnc, source string, sourceRef *string) (int64, error) {
	now := clock.NowString()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO proxy_endpoints (scheme, host, port, username, password_enc, enabled, source, source_ref, added_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
		 ON CONFLICT (scheme, host, port, username) DO UPDATE SET
		   password_enc = excluded.password_enc,
		   enabled = 1,
		   source = excluded.source,
		   source_ref = excluded.source_ref,
		   updated_at = excluded.updated_at`,
		string(scheme), host, port, username, passwordEnc, source, nullableStr(sourceRef), now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert endpoint %s://%s:%d: %w", scheme, host, port, err)
	}
	var id int64
	err = r.db.QueryRowContext(ctx,
		`SELECT id FROM proxy_endpoints WHERE scheme = ? AND host = ? AND port = ? AND username = ?`,
		string(scheme), host, port, username).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve endpoint %s://%s:%d: %w", scheme, host, port, err)
	}
	return id, nil
}

// FindEndpoint returns an endpoint or sql.ErrNoRows.
func (r *ProxyPoolRepository) FindEndpoint(ctx context.Context, id int64) (*models.ProxyEndpoint, error) {
	row := r.readDB.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM proxy_endpoints WHERE id = ?`, id)
	return scanEndpoint(row)
}

// ListEndpoints returns all endpoints ordered by id.
func (r *ProxyPoolRepository) ListEndpoints(ctx context.Context) ([]*models.ProxyEndpoint, error) {
	rows, err := r.readDB.QueryContext(ctx, `SELECT `+endpointColumns+` FROM proxy_endpoints ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	defer rows.Close()
	return collectEndpoints(rows)
}

// ListEndpointsBySource returns endpoints from one provenance, e.g.
// "easy_proxies" rows for reconciliation during a refresh sweep.
func (r *ProxyPoolRepository) ListEndpointsBySource(ctx context.Context, source string) ([]*models.ProxyEndpoint, error) {
	rows, err := r.readDB.QueryContext(ctx,
		`SELECT `+endpointColumns+` FROM proxy_endpoints WHERE source = ? ORDER BY id ASC`, source)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints by source %q: %w", source, err)
	}
	defer rows.Close()
	return collectEndpoints(rows)
}

func collectEndpoints(rows *sql.Rows) ([]*models.ProxyEndpoint, error) {
	var result []*models.ProxyEndpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// SetEndpointEnabled flips the endpoint enable bit.
func (r *ProxyPoolRepository) SetEndpointEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE proxy_endpoints SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), clock.NowString(), id)
	if err != nil {
		return fmt.Errorf("failed to set endpoint %d enabled=%v: %w", id, enabled, err)
	}
	return requireAffected(res, fmt.Sprintf("endpoint %d not found", id))
}

// DeleteEndpoint removes an endpoint; memberships cascade.
func (r *ProxyPoolRepository) DeleteEndpoint(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM proxy_endpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete endpoint %d: %w", id, err)
	}
	return requireAffected(res, fmt.Sprintf("endpoint %d not found", id))
}

// MarkEndpointOK records a successful use: bumps success_count, stores the
// observed latency and clears any blacklist window.
func (r *ProxyPoolRepository) MarkEndpointOK(ctx context.Context, id int64, now time.Time, latencyMs int64) error {
	ts := clock.Format(now)
	_, err := r.db.ExecContext(ctx,
		`UPDATE proxy_endpoints SET success_count = success_count + 1, last_latency_ms = ?,
		 last_ok_at = ?, blacklisted_until = NULL, last_error = NULL, updated_at = ?
		 WHERE id = ?`, latencyMs, ts, ts, id)
	if err != nil {
		return fmt.Errorf("failed to mark endpoint %d ok: %w", id, err)
	}
	return nil
}

// MarkEndpointFail records a failed use and blacklists the endpoint until
// the caller-computed deadline.
func (r *ProxyPoolRepository) MarkEndpointFail(ctx context.Context, id int64, now time.Time, blacklistedUntil time.Time, errMsg string) error {
	ts := clock.Format(now)
	_, err := r.db.ExecContext(ctx,
		`UPDATE proxy_endpoints SET failure_count = failure_count + 1, last_fail_at = ?,
		 blacklisted_until = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`, ts, clock.Format(blacklistedUntil), truncateErr(errMsg), ts, id)
	if err != nil {
		return fmt.Errorf("failed to mark endpoint %d failed: %w", id, err)
	}
	return nil
}

// AddToPool attaches an endpoint to a pool, updating the weight when the
// membership already exists.
func (r *ProxyPoolRepository) AddToPool(ctx context.Context, poolID, endpointID int64, weight int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO proxy_pool_endpoints (pool_id, endpoint_id, enabled, weight) VALUES (?, ?, 1, ?)
		 ON CONFLICT (pool_id, endpoint_id) DO UPDATE SET weight = excluded.weight, enabled = 1`,
		poolID, endpointID, weight)
	if err != nil {
		return fmt.Errorf("failed to add endpoint %d to pool %d: %w", endpointID, poolID, err)
	}
	return nil
}

// RemoveFromPool detaches an endpoint from a pool.
func (r *ProxyPoolRepository) RemoveFromPool(ctx context.Context, poolID, endpointID int64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM proxy_pool_endpoints WHERE pool_id = ? AND endpoint_id = ?`, poolID, endpointID)
	if err != nil {
		return fmt.Errorf("failed to remove endpoint %d from pool %d: %w", endpointID, poolID, err)
	}
	return requireAffected(res, fmt.Sprintf("endpoint %d not in pool %d", endpointID, poolID))
}

// PoolMembers returns enabled memberships of a pool joined with their
// endpoint rows. Selection-time health filtering (blacklist, endpoint
// enable bit) is applied by the selector so it can fall back to degraded
// endpoints when nothing healthy remains.
func (r *ProxyPoolRepository) PoolMembers(ctx context.Context, poolID int64) ([]*models.PoolMember, error) {
	rows, err := r.readDB.QueryContext(ctx,
		`SELECT m.pool_id, m.endpoint_id, m.enabled, m.weight, `+prefixColumns("e", endpointColumns)+`
		 FROM proxy_pool_endpoints m
		 JOIN proxy_endpoints e ON e.id = m.endpoint_id
		 WHERE m.pool_id = ? AND m.enabled = 1
		 ORDER BY m.endpoint_id ASC`, poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pool %d members: %w", poolID, err)
	}
	defer rows.Close()

	var result []*models.PoolMember
	for rows.Next() {
		var m models.PoolMember
		var memberEnabled int
		var e models.ProxyEndpoint
		var scheme string
		var epEnabled int
		var sourceRef, lastOK, lastFail, blacklistedUntil, lastError sql.NullString
		var lastLatency sql.NullInt64
		var addedAt, updatedAt string
		err := rows.Scan(&m.PoolID, &m.EndpointID, &memberEnabled, &m.Weight,
			&e.ID, &scheme, &e.Host, &e.Port, &e.Username, &e.PasswordEnc, &epEnabled,
			&e.Source, &sourceRef, &lastLatency, &lastOK, &lastFail, &blacklistedUntil,
			&e.SuccessCount, &e.FailureCount, &lastError, &addedAt, &updatedAt)
		if err != nil {
			return nil, err
		}
		m.Enabled = memberEnabled != 0
		e.Scheme = models.ProxyScheme(scheme)
		e.Enabled = epEnabled != 0
		e.SourceRef = strPtr(sourceRef)
		e.LastLatencyMs = int64Ptr(lastLatency)
		e.LastOKAt = timePtr(lastOK)
		e.LastFailAt = timePtr(lastFail)
		e.BlacklistedUntil = timePtr(blacklistedUntil)
		e.LastError = strPtr(lastError)
		e.AddedAt = timeVal(addedAt)
		e.UpdatedAt = timeVal(updatedAt)
		m.Endpoint = &e
		result = append(result, &m)
	}
	return result, rows.Err()
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
