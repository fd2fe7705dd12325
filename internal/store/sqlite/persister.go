// Package sqlite persists site records to a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

var pragmas = []string{
	"PRAGMA foreign_keys=ON",
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=10000",
	"PRAGMA synchronous=NORMAL",
}

const schema = `
CREATE TABLE IF NOT EXISTS sites (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	check_interval_seconds INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	last_snapshot TEXT,
	last_checked_at INTEGER,
	next_due_at INTEGER NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_change TEXT
)`

// Persister reads and writes SiteState rows in SQLite. Timestamps are
// stored as unix nanoseconds.
type Persister struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema exists.
func Open(ctx context.Context, path string) (*Persister, error) {
	if path == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Pragmas are per connection; a single connection keeps them in force.
	db.SetMaxOpenConns(1)
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sites table: %w", err)
	}
	return &Persister{db: db}, nil
}

// Close closes the database.
func (p *Persister) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// LoadSites returns every persisted site.
func (p *Persister) LoadSites(ctx context.Context) ([]monitor.SiteState, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT id, url, check_interval_seconds, created_at, last_snapshot,
	last_checked_at, next_due_at, consecutive_failures, last_change
FROM sites
ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("select sites: %w", err)
	}
	defer rows.Close()

	var out []monitor.SiteState
	for rows.Next() {
		var (
			st              monitor.SiteState
			intervalSeconds int64
			createdAt       int64
			nextDueAt       int64
			lastChecked     sql.NullInt64
			snapshotJSON    sql.NullString
			changeJSON      sql.NullString
		)
		if err := rows.Scan(
			&st.Config.ID,
			&st.Config.URL,
			&intervalSeconds,
			&createdAt,
			&snapshotJSON,
			&lastChecked,
			&nextDueAt,
			&st.ConsecutiveFailures,
			&changeJSON,
		); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		st.Config.CheckInterval = time.Duration(intervalSeconds) * time.Second
		st.Config.CreatedAt = fromNanos(createdAt)
		st.NextDueAt = fromNanos(nextDueAt)
		if lastChecked.Valid {
			st.LastCheckedAt = fromNanos(lastChecked.Int64)
		}
		if snapshotJSON.Valid && snapshotJSON.String != "" {
			st.LastSnapshot = new(monitor.Snapshot)
			if err := json.Unmarshal([]byte(snapshotJSON.String), st.LastSnapshot); err != nil {
				return nil, fmt.Errorf("decode snapshot for %s: %w", st.Config.ID, err)
			}
		}
		if changeJSON.Valid && changeJSON.String != "" {
			st.LastChange = new(monitor.ChangeReport)
			if err := json.Unmarshal([]byte(changeJSON.String), st.LastChange); err != nil {
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
	res, err := p.db.ExecContext(ctx, `
INSERT INTO sites (
	id, url, check_interval_seconds, created_at, last_snapshot,
	last_checked_at, next_due_at, consecutive_failures, last_change
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	url = excluded.url,
	check_interval_seconds = excluded.check_interval_seconds,
	last_snapshot = excluded.last_snapshot,
	last_checked_at = excluded.last_checked_at,
	next_due_at = excluded.next_due_at,
	consecutive_failures = excluded.consecutive_failures,
	last_change = excluded.last_change
WHERE sites.last_checked_at IS NULL
	OR (excluded.last_checked_at IS NOT NULL AND excluded.last_checked_at >= sites.last_checked_at)`,
		st.Config.ID,
		st.Config.URL,
		int64(st.Config.CheckInterval/time.Second),
		st.Config.CreatedAt.UnixNano(),
		snapshotJSON,
		nullableNanos(st.LastCheckedAt),
		st.NextDueAt.UnixNano(),
		st.ConsecutiveFailures,
		changeJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert site: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert site: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: site %s has a newer check", monitor.ErrStoreConflict, st.Config.ID)
	}
	return nil
}

// DeleteSite removes a site row. Missing rows are not an error.
func (p *Persister) DeleteSite(ctx context.Context, siteID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM sites WHERE id = ?`, siteID); err != nil {
		return fmt.Errorf("delete site: %w", err)
	}
	return nil
}

func marshalNullable[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullableNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
