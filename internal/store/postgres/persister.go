// Package postgres persists site records to a Postgres table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "sites"

// Config controls the Postgres connection pool used for site rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate creates the table on startup when it does not exist.
	Migrate bool
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Persister reads and writes SiteState rows.
type Persister struct {
	pool  pool
	table string
}

// NewPersister connects to Postgres using the provided config.
func NewPersister(ctx context.Context, cfg Config) (*Persister, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	persister := &Persister{pool: p, table: table}
	if cfg.Migrate {
		if err := persister.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return persister, nil
}

// NewPersisterWithPool constructs a persister from an existing pool (primarily for testing).
func NewPersisterWithPool(p pool, table string) (*Persister, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Persister{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (p *Persister) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}

// EnsureSchema creates the site table if it is missing.
func (p *Persister) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	check_interval_seconds BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	last_snapshot JSONB,
	last_checked_at TIMESTAMPTZ,
	next_due_at TIMESTAMPTZ NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_change JSONB
)`, p.table)
	if _, err := p.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", p.table, err)
	}
	return nil
}

// LoadSites returns every persisted site.
func (p *Persister) LoadSites(ctx context.Context) ([]monitor.SiteState, error) {
	query := fmt.Sprintf(`
SELECT
	id,
	url,
	check_interval_seconds,
	created_at,
	last_snapshot,
	last_checked_at,
	next_due_at,
	consecutive_failures,
	last_change
FROM %s
ORDER BY created_at, id`, p.table)

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select sites: %w", err)
	}
	defer rows.Close()

	var out []monitor.SiteState
	for rows.Next() {
		var (
			st              monitor.SiteState
			intervalSeconds int64
			snapshotJSON    []byte
			changeJSON      []byte
			lastChecked     pgtype.Timestamptz
			failures        int32
		)
		if err := rows.Scan(
			&st.Config.ID,
			&st.Config.URL,
			&intervalSeconds,
			&st.Config.CreatedAt,
			&snapshotJSON,
			&lastChecked,
			&st.NextDueAt,
			&failures,
			&changeJSON,
		); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		st.Config.CheckInterval = time.Duration(intervalSeconds) * time.Second
		st.ConsecutiveFailures = int(failures)
		if lastChecked.Valid {
			st.LastCheckedAt = lastChecked.Time
		}
		if len(snapshotJSON) > 0 {
			st.LastSnapshot = new(monitor.Snapshot)
			if err := json.Unmarshal(snapshotJSON, st.LastSnapshot); err != nil {
				return nil, fmt.Errorf("decode snapshot for %s: %w", st.Config.ID, err)
			}
		}
		if len(changeJSON) > 0 {
			st.LastChange = new(monitor.ChangeReport)
			if err := json.Unmarshal(changeJSON, st.LastChange); err != nil {
				return nil, fmt.Errorf("decode change for %s: %w", st.Config.ID, err)
			}
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sites: %w", err)
	}
	return out, nil
}

// SaveSite inserts or updates a site row. An update that would move
// last_checked_at backwards is refused with monitor.ErrStoreConflict.
func (p *Persister) SaveSite(ctx context.Context, st monitor.SiteState) error {
	if st.Config.ID == "" {
		return fmt.Errorf("site id is required")
	}
	snapshotJSON, err := marshalNullable(st.LastSnapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	changeJSON, err := marshalNullable(st.LastChange)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	id,
	url,
	check_interval_seconds,
	created_at,
	last_snapshot,
	last_checked_at,
	next_due_at,
	consecutive_failures,
	last_change
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (id) DO UPDATE SET
	url = EXCLUDED.url,
	check_interval_seconds = EXCLUDED.check_interval_seconds,
	last_snapshot = EXCLUDED.last_snapshot,
	last_checked_at = EXCLUDED.last_checked_at,
	next_due_at = EXCLUDED.next_due_at,
	consecutive_failures = EXCLUDED.consecutive_failures,
	last_change = EXCLUDED.last_change
WHERE %[1]s.last_checked_at IS NULL
	OR (EXCLUDED.last_checked_at IS NOT NULL AND EXCLUDED.last_checked_at >= %[1]s.last_checked_at)`, p.table)

	args := []any{
		st.Config.ID,
		st.Config.URL,
		int64(st.Config.CheckInterval / time.Second),
		st.Config.CreatedAt,
		snapshotJSON,
		nullableTime(st.LastCheckedAt),
		st.NextDueAt,
		int32(st.ConsecutiveFailures),
		changeJSON,
	}
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("upsert site: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: site %s has a newer check", monitor.ErrStoreConflict, st.Config.ID)
	}
	return nil
}

// DeleteSite removes a site row. Missing rows are not an error.
func (p *Persister) DeleteSite(ctx context.Context, siteID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, p.table)
	if _, err := p.pool.Exec(ctx, query, siteID); err != nil {
		return fmt.Errorf("delete site: %w", err)
	}
	return nil
}

func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullableTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}
