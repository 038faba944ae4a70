package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
	"neuron/internal/logging"
	"neuron/internal/toolregistry"
	"neuron/internal/tools"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "neuron.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "a", "b", "neuron.db"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Re-opening an existing database must succeed and keep the schema.
	db, err = Open(filepath.Join(dir, "a", "b", "neuron.db"))
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestPermissionRoundtrip(t *testing.T) {
	db := openTestDB(t)
	store := db.Permissions()
	ctx := context.Background()

	granted := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	expires := granted.Add(48 * time.Hour)
	perm := &toolregistry.Permission{
		ID:                  ulid.Make().String(),
		UserID:              "user-1",
		AgentID:             "agent-1",
		ToolName:            "shell_exec",
		Scopes:              []toolregistry.Scope{toolregistry.ScopeExecute, toolregistry.ScopeRead},
		GrantedAt:           granted,
		GrantedBy:           "admin",
		ExpiresAt:           &expires,
		MaxDailyUses:        10,
		MaxTotalUses:        100,
		UsesToday:           3,
		UsesTotal:           7,
		DayStart:            granted,
		AllowedParams:       []string{"command"},
		DeniedParams:        []string{"env"},
		RequireConfirmation: true,
		Active:              true,
	}
	require.NoError(t, store.Save(ctx, perm))

	got, err := store.Active(ctx, "user-1", "agent-1", "shell_exec")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, perm.ID, got.ID)
	assert.Equal(t, perm.Scopes, got.Scopes)
	assert.Equal(t, "admin", got.GrantedBy)
	assert.WithinDuration(t, granted, got.GrantedAt, 0)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, expires, *got.ExpiresAt, 0)
	assert.Equal(t, 10, got.MaxDailyUses)
	assert.Equal(t, 100, got.MaxTotalUses)
	assert.Equal(t, 3, got.UsesToday)
	assert.Equal(t, 7, got.UsesTotal)
	assert.Equal(t, []string{"command"}, got.AllowedParams)
	assert.Equal(t, []string{"env"}, got.DeniedParams)
	assert.True(t, got.RequireConfirmation)
	assert.True(t, got.Active)
	assert.False(t, got.Revoked)
	assert.Nil(t, got.RevokedAt)
}

func TestPermissionRevokeLeavesHistory(t *testing.T) {
	db := openTestDB(t)
	store := db.Permissions()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	perm := &toolregistry.Permission{
		ID:        ulid.Make().String(),
		UserID:    "user-1",
		AgentID:   "agent-1",
		ToolName:  "web_request",
		Scopes:    []toolregistry.Scope{toolregistry.ScopeExecute},
		GrantedAt: now,
		DayStart:  now,
		Active:    true,
	}
	require.NoError(t, store.Save(ctx, perm))

	revokedAt := now.Add(time.Hour)
	perm.Active = false
	perm.Revoked = true
	perm.RevokedAt = &revokedAt
	perm.RevokedBy = "admin"
	perm.RevocationReason = "rotation"
	require.NoError(t, store.Save(ctx, perm))

	got, err := store.Active(ctx, "user-1", "agent-1", "web_request")
	require.NoError(t, err)
	assert.Nil(t, got, "revoked grant must not resolve as active")

	history, err := store.ListByAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Revoked)
	assert.Equal(t, "rotation", history[0].RevocationReason)
	require.NotNil(t, history[0].RevokedAt)
	assert.WithinDuration(t, revokedAt, *history[0].RevokedAt, 0)
}

func TestPermissionListNewestFirst(t *testing.T) {
	db := openTestDB(t)
	store := db.Permissions()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, tool := range []string{"file_read", "file_write", "shell_exec"} {
		require.NoError(t, store.Save(ctx, &toolregistry.Permission{
			ID:        ulid.Make().String(),
			UserID:    "user-1",
			AgentID:   "agent-1",
			ToolName:  tool,
			Scopes:    []toolregistry.Scope{toolregistry.ScopeExecute},
			GrantedAt: now,
			DayStart:  now,
			Active:    true,
		}))
	}

	perms, err := store.ListByAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, perms, 3)
	assert.Equal(t, "shell_exec", perms[0].ToolName)
	assert.Equal(t, "file_read", perms[2].ToolName)

	none, err := store.Active(ctx, "user-1", "agent-2", "file_read")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestExecutionRoundtrip(t *testing.T) {
	db := openTestDB(t)
	store := db.Executions()
	ctx := context.Background()
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	exec := &tools.Execution{
		ID:        ulid.Make().String(),
		AgentID:   "agent-1",
		UserID:    "user-1",
		ToolName:  "shell_exec",
		Status:    tools.StatusPending,
		Input:     map[string]any{"command": "echo hi"},
		CreatedAt: created,
	}
	require.NoError(t, store.Save(ctx, exec))

	started := created.Add(time.Second)
	completed := created.Add(3 * time.Second)
	exec.Status = tools.StatusSuccess
	exec.Output = `{"success":true}`
	exec.StartedAt = &started
	exec.CompletedAt = &completed
	exec.DurationMS = 2000
	exec.CPUTimeMS = 15
	exec.MemoryPeakBytes = 1 << 20
	exec.SandboxID = "sbx-1"
	require.NoError(t, store.Save(ctx, exec))

	got, err := store.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, tools.StatusSuccess, got.Status)
	assert.Equal(t, `{"success":true}`, got.Output)
	assert.Equal(t, map[string]any{"command": "echo hi"}, got.Input)
	assert.WithinDuration(t, created, got.CreatedAt, 0)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, started, *got.StartedAt, 0)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, completed, *got.CompletedAt, 0)
	assert.Equal(t, int64(2000), got.DurationMS)
	assert.Equal(t, int64(15), got.CPUTimeMS)
	assert.Equal(t, int64(1<<20), got.MemoryPeakBytes)
	assert.Equal(t, "sbx-1", got.SandboxID)
}

func TestExecutionTerminalImmutable(t *testing.T) {
	db := openTestDB(t)
	store := db.Executions()
	ctx := context.Background()

	exec := &tools.Execution{
		ID:        ulid.Make().String(),
		AgentID:   "agent-1",
		UserID:    "user-1",
		ToolName:  "file_read",
		Status:    tools.StatusFailed,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(ctx, exec))

	exec.Status = tools.StatusSuccess
	err := store.Save(ctx, exec)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestExecutionListByAgent(t *testing.T) {
	db := openTestDB(t)
	store := db.Executions()
	ctx := context.Background()
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		id := ulid.Make().String()
		ids = append(ids, id)
		require.NoError(t, store.Save(ctx, &tools.Execution{
			ID:        id,
			AgentID:   "agent-1",
			UserID:    "user-1",
			ToolName:  "file_read",
			Status:    tools.StatusSuccess,
			CreatedAt: created,
		}))
	}
	require.NoError(t, store.Save(ctx, &tools.Execution{
		ID:        ulid.Make().String(),
		AgentID:   "agent-2",
		UserID:    "user-1",
		ToolName:  "file_read",
		Status:    tools.StatusSuccess,
		CreatedAt: created,
	}))

	execs, err := store.ListByAgent(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, execs, 3)
	assert.Equal(t, ids[2], execs[0].ID, "newest first")

	limited, err := store.ListByAgent(ctx, "agent-1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = store.Get(ctx, "nope")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestRateCounterRoundtrip(t *testing.T) {
	db := openTestDB(t)
	store := db.RateCounters()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	got, err := store.Get(ctx, "agent-1", "web_request")
	require.NoError(t, err)
	assert.Nil(t, got, "untracked pair reads as nil")

	counter := &toolregistry.RateCounter{
		AgentID:       "agent-1",
		ToolName:      "web_request",
		MinuteStart:   now,
		MinuteCount:   5,
		HourStart:     now,
		HourCount:     17,
		DayStart:      now,
		DayCount:      42,
		LastExecution: now,
	}
	require.NoError(t, store.Put(ctx, counter))

	counter.MinuteCount = 6
	counter.LastExecution = now.Add(10 * time.Second)
	require.NoError(t, store.Put(ctx, counter))

	got, err = store.Get(ctx, "agent-1", "web_request")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 6, got.MinuteCount)
	assert.Equal(t, 17, got.HourCount)
	assert.Equal(t, 42, got.DayCount)
	assert.WithinDuration(t, now, got.MinuteStart, 0)
	assert.WithinDuration(t, now.Add(10*time.Second), got.LastExecution, 0)
}

func TestAuditRecordAndRecent(t *testing.T) {
	db := openTestDB(t)
	sink := db.Audit(logging.Nop())
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	sink.Record(ctx, ports.AuditEvent{
		Category: ports.AuditCategoryPermission, Actor: "admin", Action: "permission.grant",
		Resource: "shell_exec", Result: "granted", Timestamp: now,
	})
	sink.Record(ctx, ports.AuditEvent{
		Category: ports.AuditCategoryExecution, Actor: "agent-1", Action: "tool.execute",
		Resource: "shell_exec", Result: "success", Timestamp: now.Add(time.Second),
		Details: map[string]any{"execution_id": "x-1"},
	})
	sink.Record(ctx, ports.AuditEvent{
		Category: ports.AuditCategoryExecution, Actor: "agent-1", Action: "tool.execute",
		Resource: "file_read", Result: "refused", Timestamp: now.Add(2 * time.Second),
	})

	all, err := sink.Recent(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "file_read", all[0].Resource, "newest first")
	assert.Equal(t, "permission.grant", all[2].Action)

	execs, err := sink.Recent(ctx, ports.AuditCategoryExecution, 0)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, map[string]any{"execution_id": "x-1"}, execs[1].Details)
	assert.WithinDuration(t, now.Add(time.Second), execs[1].Timestamp, 0)
}

// The sqlite permission store must carry the full ledger lifecycle, not just
// field round-trips.
func TestLedgerOnSqliteStore(t *testing.T) {
	db := openTestDB(t)
	ledger := toolregistry.NewLedger(db.Permissions(), ports.SystemClock(), db.Audit(logging.Nop()), logging.Nop())
	ctx := context.Background()

	perm, err := ledger.Grant(ctx, "user-1", "agent-1", "file_read", toolregistry.GrantSpec{
		Scopes:       []toolregistry.Scope{toolregistry.ScopeRead},
		MaxTotalUses: 2,
		GrantedBy:    "admin",
	})
	require.NoError(t, err)

	checked, err := ledger.Check(ctx, "user-1", "agent-1", "file_read")
	require.NoError(t, err)
	assert.Equal(t, perm.ID, checked.ID)

	_, err = ledger.ConsumeUse(ctx, "user-1", "agent-1", "file_read")
	require.NoError(t, err)
	used, err := ledger.ConsumeUse(ctx, "user-1", "agent-1", "file_read")
	require.NoError(t, err)
	assert.Equal(t, 2, used.UsesTotal)

	_, err = ledger.ConsumeUse(ctx, "user-1", "agent-1", "file_read")
	require.Error(t, err)
	assert.True(t, errors.IsPermission(err), "cap exhausted")

	require.NoError(t, ledger.Revoke(ctx, "user-1", "agent-1", "file_read", "admin", "cleanup"))
	_, err = ledger.Check(ctx, "user-1", "agent-1", "file_read")
	require.Error(t, err)
	assert.True(t, errors.IsPermission(err))
}
