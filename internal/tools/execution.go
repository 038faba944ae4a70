package tools

import (
	"context"
	"sort"
	"sync"
	"time"

	"neuron/internal/errors"
)

// Status tracks an execution through its lifecycle. Pending executions that
// need approval pass through StatusAwaitingConfirmation before running; a
// denied confirmation moves them straight to StatusCancelled.
type Status string

const (
	StatusPending              Status = "pending"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusRunning              Status = "running"
	StatusSuccess              Status = "success"
	StatusFailed               Status = "failed"
	StatusCancelled            Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Execution is the persisted record of one tool invocation, including
// resource accounting captured on every path.
type Execution struct {
	ID       string `json:"id"`
	AgentID  string `json:"agent_id"`
	UserID   string `json:"user_id"`
	ToolName string `json:"tool_name"`
	Status   Status `json:"status"`

	Input  map[string]any `json:"input,omitempty"`
	Output string         `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	DurationMS      int64 `json:"duration_ms"`
	CPUTimeMS       int64 `json:"cpu_time_ms"`
	MemoryPeakBytes int64 `json:"memory_peak_bytes"`

	SandboxID string `json:"sandbox_id,omitempty"`
	DryRun    bool   `json:"dry_run"`

	RequiredConfirmation bool       `json:"required_confirmation"`
	ConfirmedAt          *time.Time `json:"confirmed_at,omitempty"`
	ConfirmedBy          string     `json:"confirmed_by,omitempty"`
}

// Terminal reports whether the execution has reached a final status.
func (e *Execution) Terminal() bool {
	return e != nil && e.Status.Terminal()
}

// Clone returns a deep copy so stored records never alias live ones.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Input != nil {
		cp.Input = make(map[string]any, len(e.Input))
		for k, v := range e.Input {
			cp.Input[k] = v
		}
	}
	cp.StartedAt = copyTime(e.StartedAt)
	cp.CompletedAt = copyTime(e.CompletedAt)
	cp.ConfirmedAt = copyTime(e.ConfirmedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// ExecutionStore persists execution records. Save upserts by id and must
// refuse to overwrite a record that already reached a terminal status.
type ExecutionStore interface {
	Save(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*Execution, error)
}

// memoryExecutionStore keeps executions in a map. Suitable for tests and
// single-process deployments without persistence.
type memoryExecutionStore struct {
	mu   sync.RWMutex
	rows map[string]*Execution
}

// NewMemoryExecutionStore returns an empty in-memory ExecutionStore.
func NewMemoryExecutionStore() ExecutionStore {
	return &memoryExecutionStore{rows: make(map[string]*Execution)}
}

func (s *memoryExecutionStore) Save(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return errors.NewValidationError("execution", "id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.rows[exec.ID]; ok && prev.Terminal() {
		return errors.NewValidationError("execution", "execution %s is terminal and cannot change", exec.ID)
	}
	s.rows[exec.ID] = exec.Clone()
	return nil
}

func (s *memoryExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.rows[id]
	if !ok {
		return nil, errors.NewValidationError("execution", "execution not found: %s", id)
	}
	return exec.Clone(), nil
}

func (s *memoryExecutionStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Execution
	for _, exec := range s.rows {
		if exec.AgentID == agentID {
			out = append(out, exec.Clone())
		}
	}
	// ULIDs sort by creation time, so descending id order is newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
