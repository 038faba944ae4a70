package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oklog/ulid/v2"

	"neuron/internal/agent/ports"
	"neuron/internal/jsonx"
	"neuron/internal/logging"
)

// AuditStore records audit events as queryable rows. Like every audit sink
// it never fails the operation being audited; a failed write is logged and
// dropped.
type AuditStore struct {
	db     *sql.DB
	logger logging.Logger
}

var _ ports.AuditSink = (*AuditStore)(nil)

// Audit returns the audit row sink view.
func (d *DB) Audit(logger logging.Logger) *AuditStore {
	return &AuditStore{db: d.sql, logger: logging.OrNop(logger)}
}

func (s *AuditStore) Record(ctx context.Context, event ports.AuditEvent) {
	details, err := detailsOrNull(event.Details)
	if err != nil {
		s.logger.Warn("audit row dropped, encode details: %v", err)
		return
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_events
			(id, category, actor, action, resource, result, ts, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ulid.Make().String(), string(event.Category), event.Actor, event.Action,
		event.Resource, event.Result, formatTime(event.Timestamp), details)
	if err != nil {
		s.logger.Warn("audit row dropped: %v", err)
	}
}

// Recent returns the newest events, newest first, optionally filtered by
// category. A zero limit returns up to 100 rows.
func (s *AuditStore) Recent(ctx context.Context, category ports.AuditCategory, limit int) ([]ports.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT category, actor, action, resource, result, ts, details
		FROM audit_events`
	args := []any{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, string(category))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []ports.AuditEvent
	for rows.Next() {
		var event ports.AuditEvent
		var cat, ts string
		var resource, result, details sql.NullString
		if err := rows.Scan(&cat, &event.Actor, &event.Action, &resource, &result, &ts, &details); err != nil {
			return nil, err
		}
		event.Category = ports.AuditCategory(cat)
		event.Resource = resource.String
		event.Result = result.String
		event.Timestamp = parseTime(ts)
		if details.Valid {
			if err := jsonx.Unmarshal([]byte(details.String), &event.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// detailsOrNull encodes event details as JSON, mapping empty to NULL.
func detailsOrNull(details map[string]any) (any, error) {
	if len(details) == 0 {
		return nil, nil
	}
	raw, err := jsonx.Marshal(details)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
