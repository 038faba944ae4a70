// Package storage is the durable persistence layer. One sqlite database
// (WAL, foreign keys) holds permission grants, execution records, rate
// counters, and audit rows; each concern gets a store view over the shared
// handle satisfying the interface its consumer defines. In-memory
// implementations of those interfaces live next to their consumers.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB owns the sqlite handle shared by the store views.
type DB struct {
	sql *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// modernc's driver serializes writers; a single connection avoids lock
	// churn under concurrent executions.
	db.SetMaxOpenConns(1)

	d := &DB{sql: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS permissions (
		id                   TEXT PRIMARY KEY,
		user_id              TEXT NOT NULL,
		agent_id             TEXT NOT NULL,
		tool_name            TEXT NOT NULL,
		scopes               TEXT NOT NULL,
		granted_at           TEXT NOT NULL,
		granted_by           TEXT,
		expires_at           TEXT,
		max_daily_uses       INTEGER NOT NULL DEFAULT 0,
		max_total_uses       INTEGER NOT NULL DEFAULT 0,
		uses_today           INTEGER NOT NULL DEFAULT 0,
		uses_total           INTEGER NOT NULL DEFAULT 0,
		day_start            TEXT NOT NULL,
		allowed_params       TEXT,
		denied_params        TEXT,
		require_confirmation INTEGER NOT NULL DEFAULT 0,
		active               INTEGER NOT NULL DEFAULT 1,
		revoked              INTEGER NOT NULL DEFAULT 0,
		revoked_at           TEXT,
		revoked_by           TEXT,
		revocation_reason    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_permissions_triple ON permissions(user_id, agent_id, tool_name, active);
	CREATE INDEX IF NOT EXISTS idx_permissions_agent ON permissions(agent_id);

	CREATE TABLE IF NOT EXISTS executions (
		id                    TEXT PRIMARY KEY,
		agent_id              TEXT NOT NULL,
		user_id               TEXT NOT NULL,
		tool_name             TEXT NOT NULL,
		status                TEXT NOT NULL,
		input                 TEXT,
		output                TEXT,
		error                 TEXT,
		created_at            TEXT NOT NULL,
		started_at            TEXT,
		completed_at          TEXT,
		duration_ms           INTEGER NOT NULL DEFAULT 0,
		cpu_time_ms           INTEGER NOT NULL DEFAULT 0,
		memory_peak_bytes     INTEGER NOT NULL DEFAULT 0,
		sandbox_id            TEXT,
		dry_run               INTEGER NOT NULL DEFAULT 0,
		required_confirmation INTEGER NOT NULL DEFAULT 0,
		confirmed_at          TEXT,
		confirmed_by          TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_executions_agent ON executions(agent_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

	CREATE TABLE IF NOT EXISTS rate_counters (
		agent_id       TEXT NOT NULL,
		tool_name      TEXT NOT NULL,
		minute_start   TEXT NOT NULL,
		minute_count   INTEGER NOT NULL DEFAULT 0,
		hour_start     TEXT NOT NULL,
		hour_count     INTEGER NOT NULL DEFAULT 0,
		day_start      TEXT NOT NULL,
		day_count      INTEGER NOT NULL DEFAULT 0,
		last_execution TEXT NOT NULL,
		PRIMARY KEY (agent_id, tool_name)
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id       TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		actor    TEXT NOT NULL,
		action   TEXT NOT NULL,
		resource TEXT,
		result   TEXT,
		ts       TEXT NOT NULL,
		details  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_category ON audit_events(category);
	`
	_, err := d.sql.Exec(schema)
	return err
}

// Timestamps are stored as RFC3339Nano UTC text so they sort lexically and
// round-trip without precision loss.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
