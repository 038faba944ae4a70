package agent

import (
	"context"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"

	"neuron/internal/agent/ports"
	"neuron/internal/consolidator"
	"neuron/internal/errors"
	"neuron/internal/logging"
	"neuron/internal/memory"
	"neuron/internal/observability"
	"neuron/internal/toolregistry"
	"neuron/internal/tools"
)

// ModelBroker is the slice of the model broker the manager depends on.
type ModelBroker interface {
	Stream(ctx context.Context, provider, model string, req ports.CompletionRequest, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error)
	ModelCapabilities(provider, model string) ports.ModelCapabilities
	HasProvider(name string) bool
}

// Options wires the manager's collaborators. Broker, memory, registry, and
// runner are required; the rest degrade to safe defaults.
type Options struct {
	Broker       ModelBroker
	Memory       *memory.Manager
	Consolidator *consolidator.Consolidator
	Registry     *toolregistry.Registry
	Runner       tools.Runner
	Retrieval    ports.RetrievalStore // nil disables retrieved context
	Store        Store
	Audit        ports.AuditSink
	Metrics      *observability.MetricsCollector
	Tracing      *observability.TracerProvider
	Clock        ports.Clock
	Logger       logging.Logger

	// Defaults seed agents created without explicit configuration.
	Defaults Config

	// RetrievalTopK bounds how many snippets enter the prompt.
	RetrievalTopK int
}

// Manager owns the agent table and the per-turn orchestration. It is the
// single object the API layer holds; nothing here is process-global.
type Manager struct {
	broker        ModelBroker
	memory        *memory.Manager
	consolidator  *consolidator.Consolidator
	registry      *toolregistry.Registry
	runner        tools.Runner
	retrieval     ports.RetrievalStore
	store         Store
	audit         ports.AuditSink
	metrics       *observability.MetricsCollector
	tracing       *observability.TracerProvider
	clock         ports.Clock
	logger        logging.Logger
	defaults      Config
	retrievalTopK int

	bus *eventBus

	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewManager builds a manager. Call Load to rehydrate persisted agents.
func NewManager(opts Options) (*Manager, error) {
	if opts.Broker == nil || opts.Memory == nil || opts.Registry == nil || opts.Runner == nil {
		return nil, errors.NewConfigError("agent_manager", "broker, memory, registry, and runner are required")
	}
	store := opts.Store
	if store == nil {
		store = NewInMemoryStore()
	}
	clock := opts.Clock
	if clock == nil {
		clock = ports.SystemClock()
	}
	topK := opts.RetrievalTopK
	if topK <= 0 {
		topK = 5
	}

	return &Manager{
		broker:        opts.Broker,
		memory:        opts.Memory,
		consolidator:  opts.Consolidator,
		registry:      opts.Registry,
		runner:        opts.Runner,
		retrieval:     opts.Retrieval,
		store:         store,
		audit:         opts.Audit,
		metrics:       opts.Metrics,
		tracing:       opts.Tracing,
		clock:         clock,
		logger:        logging.OrNop(opts.Logger),
		defaults:      opts.Defaults,
		retrievalTopK: topK,
		bus:           newEventBus(),
		agents:        make(map[string]*Agent),
	}, nil
}

// Load rebuilds the agent table from the store. Agents whose provider is no
// longer configured load in the error state instead of being dropped.
func (m *Manager) Load(ctx context.Context) error {
	records, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		a := &Agent{Record: *record, state: StateIdle}
		if err := m.initialize(a); err != nil {
			m.logger.Warn("agent %s (%s): initialization failed on load: %v", a.ID, a.Name, err)
		}
		m.mu.Lock()
		m.agents[a.ID] = a
		m.mu.Unlock()
	}
	m.logger.Info("agent manager loaded %d agents", len(records))
	return nil
}

// Close shuts the event bus down. The consolidator and stores are owned by
// the caller that built them.
func (m *Manager) Close() {
	m.bus.close()
}

// Create registers a new agent. Missing configuration fields inherit the
// manager's defaults. A configuration problem (unknown provider) leaves the
// agent registered in the error state and returns the error.
func (m *Manager) Create(ctx context.Context, record Record) (*Agent, error) {
	record.Config = m.applyDefaults(record.Config)
	record.ID = ulid.Make().String()
	record.CreatedAt = m.clock.Now()

	if err := record.validate(); err != nil {
		return nil, err
	}

	a := &Agent{Record: record, state: StateIdle}
	initErr := m.initialize(a)

	if err := m.store.Save(ctx, &a.Record); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.agents[a.ID] = a
	m.mu.Unlock()

	m.publish(Event{Type: EventAgentCreated, AgentID: a.ID, Payload: a.Status()})
	m.recordAudit(ctx, record.OwnerID, "create_agent", a.ID, resultOf(initErr))
	m.logger.Info("agent %s (%s) created: provider=%s model=%s tier=%s",
		a.ID, a.Name, a.Config.Provider, a.Config.Model, a.Config.PrivacyTier)
	return a, initErr
}

// initialize verifies the agent's wiring: the provider must be configured
// and the model's capabilities resolvable. Failure latches the error state.
func (m *Manager) initialize(a *Agent) error {
	if !m.broker.HasProvider(a.Config.Provider) {
		err := errors.NewConfigError("agent.provider", "provider %q is not configured", a.Config.Provider)
		a.fail(err)
		return err
	}
	caps := m.broker.ModelCapabilities(a.Config.Provider, a.Config.Model)
	m.logger.Debug("agent %s: model %s/%s window=%d native_tools=%v",
		a.ID, caps.Provider, caps.Model, caps.ContextWindow, caps.NativeTools)
	a.setState(StateIdle)
	return nil
}

// Reinitialize re-runs initialization for an agent latched in a
// configuration error.
func (m *Manager) Reinitialize(ctx context.Context, agentID string) error {
	a, err := m.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if err := m.initialize(a); err != nil {
		return err
	}
	m.publish(Event{Type: EventStateChanged, AgentID: a.ID, Payload: a.Status()})
	return nil
}

// Get returns a live agent by id.
func (m *Manager) Get(_ context.Context, agentID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, errors.NewValidationError("agent_id", "unknown agent %q", agentID)
	}
	return a, nil
}

// List returns every agent's status, oldest first.
func (m *Manager) List(_ context.Context) []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Delete removes an agent, its persisted record, its memory, and its
// retrieval collection. Execution and permission history stay for audit.
func (m *Manager) Delete(ctx context.Context, agentID string) error {
	m.mu.Lock()
	a, ok := m.agents[agentID]
	if ok {
		delete(m.agents, agentID)
	}
	m.mu.Unlock()
	if !ok {
		return errors.NewValidationError("agent_id", "unknown agent %q", agentID)
	}

	// Block until an in-flight turn drains so we never delete memory a turn
	// is about to append to.
	a.turnMu.Lock()
	defer a.turnMu.Unlock()

	if err := m.store.Delete(ctx, agentID); err != nil {
		return err
	}
	if err := m.memory.Forget(ctx, agentID); err != nil {
		m.logger.Warn("agent %s: forget memory: %v", agentID, err)
	}
	if m.retrieval != nil {
		if err := m.retrieval.DropAgent(ctx, agentID); err != nil {
			m.logger.Warn("agent %s: drop retrieval collection: %v", agentID, err)
		}
	}

	m.publish(Event{Type: EventAgentDeleted, AgentID: agentID})
	m.recordAudit(ctx, a.OwnerID, "delete_agent", agentID, "success")
	m.logger.Info("agent %s (%s) deleted", agentID, a.Name)
	return nil
}

// Subscribe attaches a listener to the manager's event stream.
func (m *Manager) Subscribe(buffer int) *Subscription {
	return m.bus.subscribe(buffer)
}

// PublishExecution forwards a tool-execution transition onto the event bus.
// Wired into the executor's OnTransition hook at startup.
func (m *Manager) PublishExecution(exec tools.Execution) {
	m.publish(Event{Type: EventExecution, AgentID: exec.AgentID, Payload: exec})
}

// Stats aggregates manager-level numbers for the status endpoint.
type Stats struct {
	Agents            int            `json:"agents"`
	ByState           map[State]int  `json:"by_state"`
	TotalTurns        int            `json:"total_turns"`
	TotalInteractions int            `json:"total_interactions"`
	Consolidations    map[string]int `json:"consolidations"`
}

// Stats snapshots the agent table. Interaction totals come from memory so
// they survive restarts; turn counts are runtime-only.
func (m *Manager) Stats(ctx context.Context) Stats {
	m.mu.RLock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.RUnlock()

	stats := Stats{
		ByState:        make(map[State]int),
		Consolidations: make(map[string]int),
	}
	stats.Agents = len(agents)
	for _, a := range agents {
		stats.ByState[a.State()]++
		stats.TotalTurns += a.Turns()
		if snap, err := m.memory.View(ctx, a.ID); err == nil {
			stats.TotalInteractions += snap.TotalInteractions
		}
	}
	if m.consolidator != nil {
		for _, run := range m.consolidator.History("") {
			if run.Success {
				stats.Consolidations["success"]++
			} else {
				stats.Consolidations["failed"]++
			}
		}
	}
	return stats
}

func (m *Manager) applyDefaults(c Config) Config {
	d := m.defaults
	if c.Provider == "" {
		c.Provider = d.Provider
	}
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.Temperature == 0 {
		c.Temperature = d.Temperature
	}
	if c.TopP == 0 {
		c.TopP = d.TopP
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	if c.ContextItems <= 0 {
		if d.ContextItems > 0 {
			c.ContextItems = d.ContextItems
		} else {
			c.ContextItems = 5
		}
	}
	if c.MaxToolRounds <= 0 {
		if d.MaxToolRounds > 0 {
			c.MaxToolRounds = d.MaxToolRounds
		} else {
			c.MaxToolRounds = 5
		}
	}
	return c
}

func (m *Manager) publish(event Event) {
	event.Timestamp = m.clock.Now()
	m.bus.publish(event)
}

func (m *Manager) recordAudit(ctx context.Context, actor, action, resource, result string) {
	if m.audit == nil {
		return
	}
	m.audit.Record(ctx, ports.AuditEvent{
		Category:  ports.AuditCategoryAgent,
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		Result:    result,
		Timestamp: m.clock.Now(),
	})
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
