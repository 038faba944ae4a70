// Package agent hosts conversational agents. Each agent owns a hierarchical
// memory, a set of permitted tools, and a configured model; the manager owns
// the agent table and runs the per-turn orchestration that ties the model
// broker, the memory, and the tool executor together.
package agent

import (
	"strings"
	"sync"
	"time"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
	"neuron/internal/toolregistry"
)

// State is the agent execution state visible to callers.
type State string

const (
	StateIdle      State = "idle"
	StateThinking  State = "thinking"
	StateExecuting State = "executing"
	StateError     State = "error"
)

// Config selects the model and shapes prompts for one agent. Zero fields
// fall back to the manager's defaults at creation time.
type Config struct {
	Provider     string            `json:"provider"`
	Model        string            `json:"model"`
	Temperature  float64           `json:"temperature"`
	TopP         float64           `json:"top_p"`
	MaxTokens    int               `json:"max_tokens"`
	SystemPrompt string            `json:"system_prompt"`
	PrivacyTier  ports.PrivacyTier `json:"privacy_tier"`

	// ContextItems bounds how many recent exchanges enter the prompt.
	ContextItems int `json:"context_items"`

	// MaxToolRounds bounds model→tool→model cycles inside one turn.
	MaxToolRounds int `json:"max_tool_rounds"`
}

// Record is the persisted shape of an agent: identity plus configuration.
// Execution state and counters are runtime-only and rebuilt on load.
type Record struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"owner_id"`
	Config      Config    `json:"config"`
	CreatedAt   time.Time `json:"created_at"`
}

// Agent is one live agent. State and counters are guarded by mu; turns are
// serialized by turnMu so no two turns for the same agent ever interleave.
type Agent struct {
	Record

	mu          sync.Mutex
	state       State
	lastError   string
	configError bool
	turns       int
	lastActive  time.Time

	turnMu sync.Mutex
}

// State returns the agent's current execution state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastError returns the most recent turn or initialization failure.
func (a *Agent) LastError() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastError
}

// Turns returns how many chat turns this agent has completed or failed.
func (a *Agent) Turns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turns
}

// LastActive returns when the agent last finished a turn.
func (a *Agent) LastActive() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActive
}

// caller is the identity the agent presents to the tool subsystem.
func (a *Agent) caller() toolregistry.Caller {
	return toolregistry.Caller{UserID: a.OwnerID, AgentID: a.ID, PrivacyTier: a.Config.PrivacyTier}
}

// setState moves the machine and reports whether the state changed.
func (a *Agent) setState(s State) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == s {
		return false
	}
	a.state = s
	if s != StateError {
		a.lastError = ""
		a.configError = false
	}
	return true
}

// fail records a turn failure. Configuration errors latch: the agent
// refuses further turns until Reinitialize succeeds; other failures leave
// the error visible but the next turn may proceed.
func (a *Agent) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = StateError
	a.lastError = err.Error()
	a.configError = errors.IsConfig(err)
}

// refusesTurns reports whether the agent is latched in a configuration
// error.
func (a *Agent) refusesTurns() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == StateError && a.configError
}

func (a *Agent) recordTurn(now time.Time) {
	a.mu.Lock()
	a.turns++
	a.lastActive = now
	a.mu.Unlock()
}

// Status is a point-in-time external view of an agent.
type Status struct {
	Record
	State      State     `json:"state"`
	LastError  string    `json:"last_error,omitempty"`
	Turns      int       `json:"turns"`
	LastActive time.Time `json:"last_active,omitempty"`
}

// Status snapshots the agent for API responses.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		Record:     a.Record,
		State:      a.state,
		LastError:  a.lastError,
		Turns:      a.turns,
		LastActive: a.lastActive,
	}
}

// validate rejects records the manager cannot host.
func (r Record) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.NewValidationError("name", "agent name is required")
	}
	if strings.TrimSpace(r.OwnerID) == "" {
		return errors.NewValidationError("owner_id", "owner id is required")
	}
	if r.Config.Provider == "" || r.Config.Model == "" {
		return errors.NewValidationError("config", "provider and model are required")
	}
	if r.Config.PrivacyTier < ports.PrivacyLocal || r.Config.PrivacyTier > ports.PrivacyPublicAPI {
		return errors.NewValidationError("config.privacy_tier", "unknown privacy tier %d", int(r.Config.PrivacyTier))
	}
	return nil
}
