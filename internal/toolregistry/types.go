package toolregistry

import (
	"fmt"
	"time"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
)

// Scope is one grantable capability on a tool.
type Scope string

const (
	ScopeRead    Scope = "read"
	ScopeWrite   Scope = "write"
	ScopeExecute Scope = "execute"
	ScopeDelete  Scope = "delete"
	ScopeAdmin   Scope = "admin"
)

var knownScopes = map[Scope]bool{
	ScopeRead:    true,
	ScopeWrite:   true,
	ScopeExecute: true,
	ScopeDelete:  true,
	ScopeAdmin:   true,
}

// ParseScope validates a raw scope string.
func ParseScope(s string) (Scope, error) {
	scope := Scope(s)
	if !knownScopes[scope] {
		return "", errors.NewValidationError("scope", "unknown scope %q", s)
	}
	return scope, nil
}

// Caller identifies who is asking. Discovery bounds its results by the
// caller's privacy tier and annotates every item with the caller's grant.
type Caller struct {
	UserID      string            `json:"user_id"`
	AgentID     string            `json:"agent_id"`
	PrivacyTier ports.PrivacyTier `json:"privacy_tier"`
}

// GrantSpec is the caller-supplied shape of a new grant. Zero caps mean
// unlimited and a nil expiry never expires.
type GrantSpec struct {
	Scopes              []Scope    `json:"scopes"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	MaxDailyUses        int        `json:"max_daily_uses,omitempty"`
	MaxTotalUses        int        `json:"max_total_uses,omitempty"`
	AllowedParams       []string   `json:"allowed_params,omitempty"`
	DeniedParams        []string   `json:"denied_params,omitempty"`
	RequireConfirmation bool       `json:"require_confirmation,omitempty"`
	GrantedBy           string     `json:"granted_by,omitempty"`
}

// Permission is one grant of a tool to an agent on behalf of a user. At most
// one active grant exists per (user, agent, tool) triple; revoked grants stay
// in the store as history rows.
type Permission struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	AgentID  string `json:"agent_id"`
	ToolName string `json:"tool_name"`

	Scopes    []Scope   `json:"scopes"`
	GrantedAt time.Time `json:"granted_at"`
	GrantedBy string    `json:"granted_by,omitempty"`

	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	MaxDailyUses int        `json:"max_daily_uses,omitempty"`
	MaxTotalUses int        `json:"max_total_uses,omitempty"`
	UsesToday    int        `json:"uses_today"`
	UsesTotal    int        `json:"uses_total"`
	DayStart     time.Time  `json:"day_start"`

	AllowedParams       []string `json:"allowed_params,omitempty"`
	DeniedParams        []string `json:"denied_params,omitempty"`
	RequireConfirmation bool     `json:"require_confirmation,omitempty"`

	Active           bool       `json:"active"`
	Revoked          bool       `json:"revoked,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokedBy        string     `json:"revoked_by,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// Valid reports whether the grant currently authorizes use: active, not
// revoked, not expired, and under both usage caps.
func (p *Permission) Valid(now time.Time) bool {
	return p.invalidity(now) == ""
}

// invalidity returns the first reason the grant does not authorize use, or
// "" when it does. It never mutates the grant; a lapsed day window simply
// counts as empty.
func (p *Permission) invalidity(now time.Time) string {
	switch {
	case p == nil:
		return "no grant"
	case p.Revoked:
		return "grant revoked"
	case !p.Active:
		return "grant inactive"
	case p.ExpiresAt != nil && now.After(*p.ExpiresAt):
		return "grant expired"
	case p.MaxDailyUses > 0 && p.dailyUses(now) >= p.MaxDailyUses:
		return fmt.Sprintf("daily cap of %d uses reached", p.MaxDailyUses)
	case p.MaxTotalUses > 0 && p.UsesTotal >= p.MaxTotalUses:
		return fmt.Sprintf("total cap of %d uses reached", p.MaxTotalUses)
	}
	return ""
}

func (p *Permission) dailyUses(now time.Time) int {
	if now.Sub(p.DayStart) >= dayWindow {
		return 0
	}
	return p.UsesToday
}

// HasScope reports whether the grant carries the given scope.
func (p *Permission) HasScope(scope Scope) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// CheckParams enforces the grant's parameter constraints before anything is
// allocated for the call: the deny list always blocks, and a non-empty allow
// list admits only the named parameters.
func (p *Permission) CheckParams(params map[string]any) error {
	for _, name := range p.DeniedParams {
		if _, ok := params[name]; ok {
			return errors.NewValidationError(name, "parameter denied by permission grant")
		}
	}
	if len(p.AllowedParams) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(p.AllowedParams))
	for _, name := range p.AllowedParams {
		allowed[name] = true
	}
	for name := range params {
		if !allowed[name] {
			return errors.NewValidationError(name, "parameter not in permission allow list")
		}
	}
	return nil
}

// clone returns an independent copy so store implementations never hand out
// aliased ledger state.
func (p *Permission) clone() *Permission {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Scopes = append([]Scope(nil), p.Scopes...)
	cp.AllowedParams = append([]string(nil), p.AllowedParams...)
	cp.DeniedParams = append([]string(nil), p.DeniedParams...)
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		cp.ExpiresAt = &t
	}
	if p.RevokedAt != nil {
		t := *p.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}
