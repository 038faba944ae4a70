package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"neuron/internal/errors"
	"neuron/internal/jsonx"
	"neuron/internal/toolregistry"
)

// PermissionStore persists permission grants, history rows included.
type PermissionStore struct {
	db *sql.DB
}

var _ toolregistry.PermissionStore = (*PermissionStore)(nil)

// Permissions returns the grant store view.
func (d *DB) Permissions() *PermissionStore {
	return &PermissionStore{db: d.sql}
}

const permissionColumns = `id, user_id, agent_id, tool_name, scopes, granted_at, granted_by,
	expires_at, max_daily_uses, max_total_uses, uses_today, uses_total, day_start,
	allowed_params, denied_params, require_confirmation, active,
	revoked, revoked_at, revoked_by, revocation_reason`

func (s *PermissionStore) Active(ctx context.Context, userID, agentID, toolName string) (*toolregistry.Permission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+permissionColumns+`
		FROM permissions
		WHERE user_id = ? AND agent_id = ? AND tool_name = ? AND active = 1
		ORDER BY id DESC LIMIT 1`,
		userID, agentID, toolName)

	perm, err := scanPermission(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active permission: %w", err)
	}
	return perm, nil
}

func (s *PermissionStore) Save(ctx context.Context, perm *toolregistry.Permission) error {
	if perm == nil || perm.ID == "" {
		return errors.NewValidationError("permission", "permission id is required")
	}

	scopes, err := jsonx.Marshal(perm.Scopes)
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}
	allowed, err := stringsOrNull(perm.AllowedParams)
	if err != nil {
		return fmt.Errorf("encode allowed params: %w", err)
	}
	denied, err := stringsOrNull(perm.DeniedParams)
	if err != nil {
		return fmt.Errorf("encode denied params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO permissions (`+permissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			scopes = excluded.scopes,
			granted_at = excluded.granted_at,
			granted_by = excluded.granted_by,
			expires_at = excluded.expires_at,
			max_daily_uses = excluded.max_daily_uses,
			max_total_uses = excluded.max_total_uses,
			uses_today = excluded.uses_today,
			uses_total = excluded.uses_total,
			day_start = excluded.day_start,
			allowed_params = excluded.allowed_params,
			denied_params = excluded.denied_params,
			require_confirmation = excluded.require_confirmation,
			active = excluded.active,
			revoked = excluded.revoked,
			revoked_at = excluded.revoked_at,
			revoked_by = excluded.revoked_by,
			revocation_reason = excluded.revocation_reason`,
		perm.ID, perm.UserID, perm.AgentID, perm.ToolName, string(scopes),
		formatTime(perm.GrantedAt), perm.GrantedBy,
		formatTimePtr(perm.ExpiresAt), perm.MaxDailyUses, perm.MaxTotalUses,
		perm.UsesToday, perm.UsesTotal, formatTime(perm.DayStart),
		allowed, denied, boolToInt(perm.RequireConfirmation), boolToInt(perm.Active),
		boolToInt(perm.Revoked), formatTimePtr(perm.RevokedAt), perm.RevokedBy,
		perm.RevocationReason)
	if err != nil {
		return fmt.Errorf("save permission: %w", err)
	}
	return nil
}

func (s *PermissionStore) ListByAgent(ctx context.Context, agentID string) ([]*toolregistry.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+permissionColumns+`
		FROM permissions WHERE agent_id = ? ORDER BY id DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	var perms []*toolregistry.Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

func scanPermission(row scanner) (*toolregistry.Permission, error) {
	var perm toolregistry.Permission
	var scopesJSON, grantedAt, dayStart string
	var grantedBy, expiresAt, allowedJSON, deniedJSON sql.NullString
	var revokedAt, revokedBy, reason sql.NullString
	var requireConfirmation, active, revoked int

	err := row.Scan(
		&perm.ID, &perm.UserID, &perm.AgentID, &perm.ToolName, &scopesJSON,
		&grantedAt, &grantedBy, &expiresAt, &perm.MaxDailyUses, &perm.MaxTotalUses,
		&perm.UsesToday, &perm.UsesTotal, &dayStart,
		&allowedJSON, &deniedJSON, &requireConfirmation, &active,
		&revoked, &revokedAt, &revokedBy, &reason,
	)
	if err != nil {
		return nil, err
	}

	if err := jsonx.Unmarshal([]byte(scopesJSON), &perm.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	if allowedJSON.Valid {
		if err := jsonx.Unmarshal([]byte(allowedJSON.String), &perm.AllowedParams); err != nil {
			return nil, fmt.Errorf("decode allowed params: %w", err)
		}
	}
	if deniedJSON.Valid {
		if err := jsonx.Unmarshal([]byte(deniedJSON.String), &perm.DeniedParams); err != nil {
			return nil, fmt.Errorf("decode denied params: %w", err)
		}
	}
	perm.GrantedAt = parseTime(grantedAt)
	perm.GrantedBy = grantedBy.String
	perm.DayStart = parseTime(dayStart)
	perm.ExpiresAt = parseTimePtr(expiresAt)
	perm.RevokedAt = parseTimePtr(revokedAt)
	perm.RevokedBy = revokedBy.String
	perm.RevocationReason = reason.String
	perm.RequireConfirmation = requireConfirmation != 0
	perm.Active = active != 0
	perm.Revoked = revoked != 0
	return &perm, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// stringsOrNull encodes a string list as JSON, mapping empty to NULL.
func stringsOrNull(list []string) (any, error) {
	if len(list) == 0 {
		return nil, nil
	}
	raw, err := jsonx.Marshal(list)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
