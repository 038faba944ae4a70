package memory

import (
	"context"
	"sync"
)

// Store abstracts snapshot persistence. Load returns (nil, nil) for an
// agent with no stored memory.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Load(ctx context.Context, agentID string) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
	Delete(ctx context.Context, agentID string) error
	ListAgents(ctx context.Context) ([]string, error)
}

// InMemoryStore implements Store for tests and ephemeral agents.
type InMemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

// NewInMemoryStore constructs an in-memory snapshot store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{snapshots: make(map[string]*Snapshot)}
}

// EnsureSchema is a no-op for in-memory storage.
func (s *InMemoryStore) EnsureSchema(_ context.Context) error {
	return nil
}

// Load returns a copy of the stored snapshot, or nil when absent.
func (s *InMemoryStore) Load(_ context.Context, agentID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots[agentID].Clone(), nil
}

// Save stores a copy of the snapshot, detached from the caller's state.
func (s *InMemoryStore) Save(_ context.Context, snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.AgentID] = snapshot.Clone()
	return nil
}

// Delete removes the agent's snapshot if present.
func (s *InMemoryStore) Delete(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, agentID)
	return nil
}

// ListAgents returns the ids of all agents with stored memory.
func (s *InMemoryStore) ListAgents(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	return ids, nil
}
