package ports

import (
	"context"
	"time"
)

// AuditCategory groups audit events for filtering.
type AuditCategory string

const (
	AuditCategoryPermission AuditCategory = "permission"
	AuditCategoryExecution  AuditCategory = "execution"
	AuditCategoryAgent      AuditCategory = "agent"
	AuditCategoryAdmin      AuditCategory = "admin"
)

// AuditEvent is one append-only security-relevant record.
type AuditEvent struct {
	Category  AuditCategory  `json:"category"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Result    string         `json:"result"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditSink records events. Implementations must never block the calling
// operation on sink failure; a failed write is logged and dropped.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}
