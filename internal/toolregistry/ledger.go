package toolregistry

import (
	"context"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
	"neuron/internal/logging"
)

// PermissionStore persists grants, including revoked rows kept for history.
// Active returns the single active grant for a triple, or nil when none
// exists. Save inserts or replaces by permission id.
type PermissionStore interface {
	Active(ctx context.Context, userID, agentID, toolName string) (*Permission, error)
	Save(ctx context.Context, perm *Permission) error
	ListByAgent(ctx context.Context, agentID string) ([]*Permission, error)
}

// Ledger owns the grant lifecycle. All mutation runs through one lock so the
// one-active-grant rule and usage increments stay atomic.
type Ledger struct {
	mu     sync.Mutex
	store  PermissionStore
	clock  ports.Clock
	audit  ports.AuditSink
	logger logging.Logger
}

// NewLedger builds a ledger over the given store. audit may be nil.
func NewLedger(store PermissionStore, clock ports.Clock, audit ports.AuditSink, logger logging.Logger) *Ledger {
	if clock == nil {
		clock = ports.SystemClock()
	}
	return &Ledger{
		store:  store,
		clock:  clock,
		audit:  audit,
		logger: logging.OrNop(logger),
	}
}

// Grant issues a new permission for the (user, agent, tool) triple. It fails
// when an active grant already exists; revoke first to change a grant.
func (l *Ledger) Grant(ctx context.Context, userID, agentID, toolName string, spec GrantSpec) (*Permission, error) {
	if userID == "" || agentID == "" || toolName == "" {
		return nil, errors.NewValidationError("grant", "user id, agent id, and tool name are required")
	}
	if len(spec.Scopes) == 0 {
		return nil, errors.NewValidationError("scopes", "at least one scope is required")
	}
	for _, scope := range spec.Scopes {
		if !knownScopes[scope] {
			return nil, errors.NewValidationError("scopes", "unknown scope %q", scope)
		}
	}
	if spec.MaxDailyUses < 0 || spec.MaxTotalUses < 0 {
		return nil, errors.NewValidationError("grant", "usage caps must not be negative")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.store.Active(ctx, userID, agentID, toolName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.NewValidationError("grant", "active grant already exists for tool %q", toolName)
	}

	now := l.clock.Now()
	perm := &Permission{
		ID:                  ulid.Make().String(),
		UserID:              userID,
		AgentID:             agentID,
		ToolName:            toolName,
		Scopes:              append([]Scope(nil), spec.Scopes...),
		GrantedAt:           now,
		GrantedBy:           spec.GrantedBy,
		ExpiresAt:           spec.ExpiresAt,
		MaxDailyUses:        spec.MaxDailyUses,
		MaxTotalUses:        spec.MaxTotalUses,
		DayStart:            now,
		AllowedParams:       append([]string(nil), spec.AllowedParams...),
		DeniedParams:        append([]string(nil), spec.DeniedParams...),
		RequireConfirmation: spec.RequireConfirmation,
		Active:              true,
	}
	if err := l.store.Save(ctx, perm); err != nil {
		return nil, err
	}

	l.logger.Info("permission granted: user=%s agent=%s tool=%s scopes=%v", userID, agentID, toolName, spec.Scopes)
	l.recordAudit(ctx, spec.GrantedBy, "grant", toolName, "granted", map[string]any{
		"user_id":  userID,
		"agent_id": agentID,
	})
	return perm, nil
}

// Revoke deactivates the active grant for the triple, stamping who revoked
// it and why. The row stays in the store as history.
func (l *Ledger) Revoke(ctx context.Context, userID, agentID, toolName, by, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	perm, err := l.store.Active(ctx, userID, agentID, toolName)
	if err != nil {
		return err
	}
	if perm == nil {
		return errors.NewPermissionError(userID, agentID, toolName, "no active grant to revoke")
	}

	now := l.clock.Now()
	perm.Active = false
	perm.Revoked = true
	perm.RevokedAt = &now
	perm.RevokedBy = by
	perm.RevocationReason = reason
	if err := l.store.Save(ctx, perm); err != nil {
		return err
	}

	l.logger.Info("permission revoked: user=%s agent=%s tool=%s by=%s", userID, agentID, toolName, by)
	l.recordAudit(ctx, by, "revoke", toolName, "revoked", map[string]any{
		"user_id":  userID,
		"agent_id": agentID,
		"reason":   reason,
	})
	return nil
}

// Check returns the currently-valid grant for the triple, or a permission
// error naming why there is none. It never touches the usage counters.
func (l *Ledger) Check(ctx context.Context, userID, agentID, toolName string) (*Permission, error) {
	perm, err := l.store.Active(ctx, userID, agentID, toolName)
	if err != nil {
		return nil, err
	}
	if reason := perm.invalidity(l.clock.Now()); reason != "" {
		return nil, errors.NewPermissionError(userID, agentID, toolName, "%s", reason)
	}
	return perm, nil
}

// ConsumeUse atomically re-validates the grant and counts one use against
// the daily and total caps. The executor calls it at the moment an execution
// actually begins; a denied consume leaves the counters untouched.
func (l *Ledger) ConsumeUse(ctx context.Context, userID, agentID, toolName string) (*Permission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	perm, err := l.store.Active(ctx, userID, agentID, toolName)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()
	if reason := perm.invalidity(now); reason != "" {
		return nil, errors.NewPermissionError(userID, agentID, toolName, "%s", reason)
	}

	if now.Sub(perm.DayStart) >= dayWindow {
		perm.UsesToday = 0
		perm.DayStart = now
	}
	perm.UsesToday++
	perm.UsesTotal++
	if err := l.store.Save(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

// Permissions returns every grant recorded for an agent, newest first,
// including revoked history rows.
func (l *Ledger) Permissions(ctx context.Context, agentID string) ([]*Permission, error) {
	return l.store.ListByAgent(ctx, agentID)
}

func (l *Ledger) recordAudit(ctx context.Context, actor, action, toolName, result string, details map[string]any) {
	if l.audit == nil {
		return
	}
	l.audit.Record(ctx, ports.AuditEvent{
		Category:  ports.AuditCategoryPermission,
		Actor:     actor,
		Action:    action,
		Resource:  toolName,
		Result:    result,
		Timestamp: l.clock.Now(),
		Details:   details,
	})
}

// memoryPermissionStore keeps grants in process memory. It backs tests and
// dev wiring; the sqlite store is the durable implementation.
type memoryPermissionStore struct {
	mu   sync.RWMutex
	rows map[string]*Permission
}

// NewMemoryPermissionStore returns an empty in-process PermissionStore.
func NewMemoryPermissionStore() PermissionStore {
	return &memoryPermissionStore{rows: make(map[string]*Permission)}
}

func (s *memoryPermissionStore) Active(ctx context.Context, userID, agentID, toolName string) (*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, perm := range s.rows {
		if perm.Active && perm.UserID == userID && perm.AgentID == agentID && perm.ToolName == toolName {
			return perm.clone(), nil
		}
	}
	return nil, nil
}

func (s *memoryPermissionStore) Save(ctx context.Context, perm *Permission) error {
	if perm == nil || perm.ID == "" {
		return errors.NewValidationError("permission", "permission id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[perm.ID] = perm.clone()
	return nil
}

func (s *memoryPermissionStore) ListByAgent(ctx context.Context, agentID string) ([]*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var perms []*Permission
	for _, perm := range s.rows {
		if perm.AgentID == agentID {
			perms = append(perms, perm.clone())
		}
	}
	// ULIDs sort by creation time, so descending id order is newest first.
	sort.Slice(perms, func(i, j int) bool { return perms[i].ID > perms[j].ID })
	return perms, nil
}
