package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"neuron/internal/jsonx"
)

const snapshotSuffix = ".json"

// FileStore persists each agent's memory as one JSON snapshot file under
// the root directory. Writes go through a temp file and rename, so a
// crash mid-write never leaves a truncated snapshot behind.
type FileStore struct {
	rootDir string
}

// NewFileStore creates a file-backed snapshot store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{rootDir: dir}
}

// EnsureSchema creates the snapshot directory if it does not exist.
func (s *FileStore) EnsureSchema(_ context.Context) error {
	return os.MkdirAll(s.rootDir, 0o755)
}

func (s *FileStore) path(agentID string) string {
	// Agent ids are generated, but never trust them as path components.
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(agentID)
	return filepath.Join(s.rootDir, safe+snapshotSuffix)
}

// Load reads the agent's snapshot, returning nil when none exists.
func (s *FileStore) Load(_ context.Context, agentID string) (*Snapshot, error) {
	data, err := os.ReadFile(s.path(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := jsonx.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", agentID, err)
	}
	return &snapshot, nil
}

// Save writes the snapshot atomically.
func (s *FileStore) Save(_ context.Context, snapshot *Snapshot) error {
	data, err := jsonx.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	target := s.path(snapshot.AgentID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Delete removes the agent's snapshot file if present.
func (s *FileStore) Delete(_ context.Context, agentID string) error {
	err := os.Remove(s.path(agentID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// ListAgents returns the ids of all agents with snapshot files.
func (s *FileStore) ListAgents(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, snapshotSuffix))
	}
	return ids, nil
}
