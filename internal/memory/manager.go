package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
	"neuron/internal/logging"
)

const (
	// DefaultWorkingSetSize bounds L1 working memory.
	DefaultWorkingSetSize = 10

	defaultContextItems = 5
)

// Manager owns the hierarchical memory of every agent. All mutation runs
// under a per-agent writer lock and is applied copy-then-swap: the store
// persists the new snapshot before it becomes visible, so a failed write
// leaves both memory and disk on the previous state.
type Manager struct {
	mu     sync.Mutex
	agents map[string]*agentMemory

	store  Store
	bound  int
	clock  ports.Clock
	logger logging.Logger
}

type agentMemory struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// NewManager builds a memory manager over the given store. workingSetSize
// caps L1; values below 1 fall back to the default bound.
func NewManager(store Store, workingSetSize int, clock ports.Clock, logger logging.Logger) *Manager {
	if workingSetSize < 1 {
		workingSetSize = DefaultWorkingSetSize
	}
	if clock == nil {
		clock = ports.SystemClock()
	}
	return &Manager{
		agents: make(map[string]*agentMemory),
		store:  store,
		bound:  workingSetSize,
		clock:  clock,
		logger: logging.OrNop(logger),
	}
}

func (m *Manager) agent(ctx context.Context, agentID string) (*agentMemory, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, errors.NewValidationError("agent_id", "agent id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if am, ok := m.agents[agentID]; ok {
		return am, nil
	}

	snap, err := m.store.Load(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load memory for %s: %w", agentID, err)
	}
	if snap == nil {
		// The consolidation age clock starts at first contact, not at the
		// zero time, so new agents don't trip the age trigger immediately.
		snap = &Snapshot{AgentID: agentID, LastConsolidated: m.clock.Now()}
	}
	am := &agentMemory{snap: snap}
	m.agents[agentID] = am
	return am, nil
}

// mutate applies fn to a clone of the agent's snapshot, persists it, and
// swaps it in. fn returning an error abandons the mutation entirely.
func (m *Manager) mutate(ctx context.Context, agentID string, fn func(*Snapshot) error) error {
	am, err := m.agent(ctx, agentID)
	if err != nil {
		return err
	}

	am.mu.Lock()
	defer am.mu.Unlock()

	next := am.snap.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = m.clock.Now()

	if err := m.store.Save(ctx, next); err != nil {
		return fmt.Errorf("persist memory for %s: %w", agentID, err)
	}
	am.snap = next
	return nil
}

// AddInteraction appends one exchange to working memory. When L1 exceeds
// its bound, the overflow is compacted deterministically into a single
// episodic summary. The append, any compaction, and the counter bumps
// land together or not at all.
func (m *Manager) AddInteraction(ctx context.Context, agentID, user, assistant string, toolTrace []string) error {
	return m.mutate(ctx, agentID, func(snap *Snapshot) error {
		now := m.clock.Now()
		snap.Interactions = append(snap.Interactions, Interaction{
			ID:        NewID(),
			User:      user,
			Assistant: assistant,
			ToolTrace: append([]string(nil), toolTrace...),
			Timestamp: now,
		})
		snap.TotalInteractions++
		snap.SinceConsolidation++

		if overflow := len(snap.Interactions) - m.bound; overflow > 0 {
			episode := CompactInteractions(snap.Interactions[:overflow], now)
			snap.Episodes = append(snap.Episodes, episode)
			snap.Interactions = append([]Interaction(nil), snap.Interactions[overflow:]...)
			m.logger.Debug("agent %s: compacted %d interactions into episode %s",
				agentID, episode.SourceCount, episode.ID)
		}
		return nil
	})
}

// GetContext renders the most recent exchanges as alternating User: and
// Assistant: lines, newest last. Read-only and idempotent.
func (m *Manager) GetContext(ctx context.Context, agentID string, maxItems int) (string, error) {
	am, err := m.agent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if maxItems <= 0 {
		maxItems = defaultContextItems
	}

	am.mu.RLock()
	defer am.mu.RUnlock()

	interactions := am.snap.Interactions
	if len(interactions) > maxItems {
		interactions = interactions[len(interactions)-maxItems:]
	}

	parts := make([]string, 0, len(interactions))
	for _, interaction := range interactions {
		parts = append(parts, fmt.Sprintf("User: %s\nAssistant: %s", interaction.User, interaction.Assistant))
	}
	return strings.Join(parts, "\n\n"), nil
}

// View returns a deep copy of the agent's full memory state.
func (m *Manager) View(ctx context.Context, agentID string) (*Snapshot, error) {
	am, err := m.agent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	am.mu.RLock()
	defer am.mu.RUnlock()
	return am.snap.Clone(), nil
}

// CompressInteractions removes the identified L1 records and appends the
// episode that replaced them. Interactions appended after the caller took
// its view are untouched.
func (m *Manager) CompressInteractions(ctx context.Context, agentID string, ids []string, episode Episode) error {
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	return m.mutate(ctx, agentID, func(snap *Snapshot) error {
		kept := snap.Interactions[:0]
		for _, interaction := range snap.Interactions {
			if !idSet[interaction.ID] {
				kept = append(kept, interaction)
			}
		}
		snap.Interactions = kept
		snap.Episodes = append(snap.Episodes, episode)
		return nil
	})
}

// MergeEpisodes replaces the episodes the caller saw with their merged
// form, keeping any episodes that appeared since the view was taken.
func (m *Manager) MergeEpisodes(ctx context.Context, agentID string, replacedIDs []string, merged []Episode) error {
	replaced := make(map[string]bool, len(replacedIDs))
	for _, id := range replacedIDs {
		replaced[id] = true
	}
	return m.mutate(ctx, agentID, func(snap *Snapshot) error {
		next := append([]Episode(nil), merged...)
		for _, episode := range snap.Episodes {
			if !replaced[episode.ID] {
				next = append(next, episode)
			}
		}
		snap.Episodes = next
		return nil
	})
}

// MergeSemantic folds extracted knowledge into L3. Entities and
// preferences are last-write-wins per key; facts union without
// duplicates, preserving first-seen order.
func (m *Manager) MergeSemantic(ctx context.Context, agentID string, knowledge Semantic) error {
	return m.mutate(ctx, agentID, func(snap *Snapshot) error {
		if len(knowledge.Entities) > 0 {
			if snap.Semantic.Entities == nil {
				snap.Semantic.Entities = make(map[string]string, len(knowledge.Entities))
			}
			for name, description := range knowledge.Entities {
				snap.Semantic.Entities[name] = description
			}
		}
		if len(knowledge.Preferences) > 0 {
			if snap.Semantic.Preferences == nil {
				snap.Semantic.Preferences = make(map[string]string, len(knowledge.Preferences))
			}
			for key, value := range knowledge.Preferences {
				snap.Semantic.Preferences[key] = value
			}
		}
		if len(knowledge.Facts) > 0 {
			seen := make(map[string]bool, len(snap.Semantic.Facts))
			for _, fact := range snap.Semantic.Facts {
				seen[fact] = true
			}
			for _, fact := range knowledge.Facts {
				if fact = strings.TrimSpace(fact); fact != "" && !seen[fact] {
					seen[fact] = true
					snap.Semantic.Facts = append(snap.Semantic.Facts, fact)
				}
			}
		}
		return nil
	})
}

// ReplaceFacts overwrites the L3 fact set, used after contradiction
// resolution decides which facts survive.
func (m *Manager) ReplaceFacts(ctx context.Context, agentID string, facts []string) error {
	return m.mutate(ctx, agentID, func(snap *Snapshot) error {
		snap.Semantic.Facts = append([]string(nil), facts...)
		return nil
	})
}

// UpsertWorkflows merges detected workflows into L4 by name: a repeat
// bumps the frequency and refreshes the steps, a new name appends.
func (m *Manager) UpsertWorkflows(ctx context.Context, agentID string, workflows []Workflow) error {
	return m.mutate(ctx, agentID, func(snap *Snapshot) error {
		now := m.clock.Now()
		byName := make(map[string]int, len(snap.Workflows))
		for i, wf := range snap.Workflows {
			byName[wf.Name] = i
		}
		for _, incoming := range workflows {
			name := strings.TrimSpace(incoming.Name)
			if name == "" {
				continue
			}
			if i, ok := byName[name]; ok {
				snap.Workflows[i].Frequency++
				if len(incoming.Steps) > 0 {
					snap.Workflows[i].Steps = append([]string(nil), incoming.Steps...)
				}
				snap.Workflows[i].UpdatedAt = now
				continue
			}
			frequency := incoming.Frequency
			if frequency < 1 {
				frequency = 1
			}
			byName[name] = len(snap.Workflows)
			snap.Workflows = append(snap.Workflows, Workflow{
				Name:      name,
				Steps:     append([]string(nil), incoming.Steps...),
				Frequency: frequency,
				UpdatedAt: now,
			})
		}
		return nil
	})
}

// MarkConsolidated resets the consolidation counters after a run.
func (m *Manager) MarkConsolidated(ctx context.Context, agentID string) error {
	return m.mutate(ctx, agentID, func(snap *Snapshot) error {
		snap.SinceConsolidation = 0
		snap.LastConsolidated = m.clock.Now()
		return nil
	})
}

// Forget drops the agent's memory from the manager and the store.
func (m *Manager) Forget(ctx context.Context, agentID string) error {
	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()
	return m.store.Delete(ctx, agentID)
}
