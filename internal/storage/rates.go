package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"neuron/internal/errors"
	"neuron/internal/toolregistry"
)

// RateStore persists fixed-window rate counters per (agent, tool) pair.
type RateStore struct {
	db *sql.DB
}

var _ toolregistry.RateStore = (*RateStore)(nil)

// RateCounters returns the rate counter store view.
func (d *DB) RateCounters() *RateStore {
	return &RateStore{db: d.sql}
}

func (s *RateStore) Get(ctx context.Context, agentID, toolName string) (*toolregistry.RateCounter, error) {
	var counter toolregistry.RateCounter
	var minuteStart, hourStart, dayStart, lastExecution string

	err := s.db.QueryRowContext(ctx, `SELECT agent_id, tool_name,
			minute_start, minute_count, hour_start, hour_count,
			day_start, day_count, last_execution
		FROM rate_counters WHERE agent_id = ? AND tool_name = ?`,
		agentID, toolName).Scan(
		&counter.AgentID, &counter.ToolName,
		&minuteStart, &counter.MinuteCount, &hourStart, &counter.HourCount,
		&dayStart, &counter.DayCount, &lastExecution,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query rate counter: %w", err)
	}

	counter.MinuteStart = parseTime(minuteStart)
	counter.HourStart = parseTime(hourStart)
	counter.DayStart = parseTime(dayStart)
	counter.LastExecution = parseTime(lastExecution)
	return &counter, nil
}

func (s *RateStore) Put(ctx context.Context, counter *toolregistry.RateCounter) error {
	if counter == nil {
		return errors.NewValidationError("rate_counter", "nil counter")
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO rate_counters
			(agent_id, tool_name, minute_start, minute_count,
			 hour_start, hour_count, day_start, day_count, last_execution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, tool_name) DO UPDATE SET
			minute_start = excluded.minute_start,
			minute_count = excluded.minute_count,
			hour_start = excluded.hour_start,
			hour_count = excluded.hour_count,
			day_start = excluded.day_start,
			day_count = excluded.day_count,
			last_execution = excluded.last_execution`,
		counter.AgentID, counter.ToolName,
		formatTime(counter.MinuteStart), counter.MinuteCount,
		formatTime(counter.HourStart), counter.HourCount,
		formatTime(counter.DayStart), counter.DayCount,
		formatTime(counter.LastExecution))
	if err != nil {
		return fmt.Errorf("save rate counter: %w", err)
	}
	return nil
}
