package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	snapshot := &Snapshot{
		AgentID: "agent-1",
		Interactions: []Interaction{
			{ID: NewID(), User: "hello", Assistant: "hi", Timestamp: time.Now().UTC()},
		},
		Episodes: []Episode{
			{ID: NewID(), Summary: "earlier talk", SourceCount: 4, CreatedAt: time.Now().UTC()},
		},
		Semantic: Semantic{
			Entities: map[string]string{"Go": "a programming language"},
			Facts:    []string{"user prefers tabs"},
		},
		Workflows:         []Workflow{{Name: "review", Steps: []string{"read", "comment"}, Frequency: 2}},
		TotalInteractions: 14,
	}

	if err := store.Save(ctx, snapshot); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load returned nil for a saved snapshot")
	}
	if loaded.TotalInteractions != 14 {
		t.Errorf("TotalInteractions = %d, want 14", loaded.TotalInteractions)
	}
	if len(loaded.Interactions) != 1 || loaded.Interactions[0].User != "hello" {
		t.Errorf("interactions = %+v", loaded.Interactions)
	}
	if loaded.Semantic.Entities["Go"] != "a programming language" {
		t.Errorf("semantic = %+v", loaded.Semantic)
	}
	if len(loaded.Workflows) != 1 || loaded.Workflows[0].Frequency != 2 {
		t.Errorf("workflows = %+v", loaded.Workflows)
	}
}

func TestFileStoreLoadMissingReturnsNil(t *testing.T) {
	store := NewFileStore(t.TempDir())
	snapshot, err := store.Load(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snapshot != nil {
		t.Errorf("snapshot = %+v, want nil", snapshot)
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	ctx := context.Background()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := store.Save(ctx, &Snapshot{AgentID: "agent-1", TotalInteractions: i}); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestFileStoreSanitizesAgentID(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	ctx := context.Background()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	if err := store.Save(ctx, &Snapshot{AgentID: "../escape"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape.json")); err == nil {
		t.Fatal("snapshot escaped the store directory")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1 inside the store dir", len(entries))
	}
}

func TestFileStoreListAndDelete(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	for _, id := range []string{"a1", "a2"} {
		if err := store.Save(ctx, &Snapshot{AgentID: id}); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	ids, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want 2 entries", ids)
	}

	if err := store.Delete(ctx, "a1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "a1"); err != nil {
		t.Fatalf("Delete should be idempotent: %v", err)
	}

	ids, _ = store.ListAgents(ctx)
	if len(ids) != 1 || ids[0] != "a2" {
		t.Errorf("ids after delete = %v, want [a2]", ids)
	}
}
