package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"neuron/internal/errors"
	"neuron/internal/jsonx"
	"neuron/internal/tools"
)

// ExecutionStore persists execution records. Terminal rows are immutable.
type ExecutionStore struct {
	db *sql.DB
}

var _ tools.ExecutionStore = (*ExecutionStore)(nil)

// Executions returns the execution record store view.
func (d *DB) Executions() *ExecutionStore {
	return &ExecutionStore{db: d.sql}
}

const executionColumns = `id, agent_id, user_id, tool_name, status, input, output, error,
	created_at, started_at, completed_at, duration_ms, cpu_time_ms, memory_peak_bytes,
	sandbox_id, dry_run, required_confirmation, confirmed_at, confirmed_by`

func (s *ExecutionStore) Save(ctx context.Context, exec *tools.Execution) error {
	if exec == nil || exec.ID == "" {
		return errors.NewValidationError("execution", "id is required")
	}

	// The terminal check and the write run in one transaction so two racing
	// saves cannot both pass the check.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save execution: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, exec.ID).Scan(&status)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check execution status: %w", err)
	}
	if err == nil && tools.Status(status).Terminal() {
		return errors.NewValidationError("execution", "execution %s is terminal and cannot change", exec.ID)
	}

	input, err := inputOrNull(exec.Input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			input = excluded.input,
			output = excluded.output,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			cpu_time_ms = excluded.cpu_time_ms,
			memory_peak_bytes = excluded.memory_peak_bytes,
			sandbox_id = excluded.sandbox_id,
			dry_run = excluded.dry_run,
			required_confirmation = excluded.required_confirmation,
			confirmed_at = excluded.confirmed_at,
			confirmed_by = excluded.confirmed_by`,
		exec.ID, exec.AgentID, exec.UserID, exec.ToolName, string(exec.Status),
		input, exec.Output, exec.Error, formatTime(exec.CreatedAt),
		formatTimePtr(exec.StartedAt), formatTimePtr(exec.CompletedAt),
		exec.DurationMS, exec.CPUTimeMS, exec.MemoryPeakBytes,
		exec.SandboxID, boolToInt(exec.DryRun), boolToInt(exec.RequiredConfirmation),
		formatTimePtr(exec.ConfirmedAt), exec.ConfirmedBy)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return tx.Commit()
}

func (s *ExecutionStore) Get(ctx context.Context, id string) (*tools.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+`
		FROM executions WHERE id = ?`, id)

	exec, err := scanExecution(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewValidationError("execution", "execution not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return exec, nil
}

func (s *ExecutionStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*tools.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE agent_id = ? ORDER BY id DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*tools.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func scanExecution(row scanner) (*tools.Execution, error) {
	var exec tools.Execution
	var status, createdAt string
	var inputJSON, output, errText, sandboxID, confirmedBy sql.NullString
	var startedAt, completedAt, confirmedAt sql.NullString
	var dryRun, requiredConfirmation int

	err := row.Scan(
		&exec.ID, &exec.AgentID, &exec.UserID, &exec.ToolName, &status,
		&inputJSON, &output, &errText, &createdAt, &startedAt, &completedAt,
		&exec.DurationMS, &exec.CPUTimeMS, &exec.MemoryPeakBytes,
		&sandboxID, &dryRun, &requiredConfirmation, &confirmedAt, &confirmedBy,
	)
	if err != nil {
		return nil, err
	}

	if inputJSON.Valid {
		if err := jsonx.Unmarshal([]byte(inputJSON.String), &exec.Input); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
	}
	exec.Status = tools.Status(status)
	exec.Output = output.String
	exec.Error = errText.String
	exec.SandboxID = sandboxID.String
	exec.ConfirmedBy = confirmedBy.String
	exec.CreatedAt = parseTime(createdAt)
	exec.StartedAt = parseTimePtr(startedAt)
	exec.CompletedAt = parseTimePtr(completedAt)
	exec.ConfirmedAt = parseTimePtr(confirmedAt)
	exec.DryRun = dryRun != 0
	exec.RequiredConfirmation = requiredConfirmation != 0
	return &exec, nil
}

// inputOrNull encodes call parameters as JSON, mapping empty to NULL.
func inputOrNull(input map[string]any) (any, error) {
	if len(input) == 0 {
		return nil, nil
	}
	raw, err := jsonx.Marshal(input)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
