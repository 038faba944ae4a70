// Package rag provides the retrieval store backing long-term agent recall.
// Each agent owns one vector collection, so retrieved context never crosses
// agent boundaries.
package rag

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
	"neuron/internal/logging"
)

// StoreConfig holds vector store configuration.
type StoreConfig struct {
	// Path is the persistence directory. Empty keeps the store in memory.
	Path          string
	MinSimilarity float32
}

// Store manages per-agent document collections over chromem.
type Store struct {
	db            *chromem.DB
	embedder      Embedder
	minSimilarity float32
	logger        logging.Logger
}

var _ ports.RetrievalStore = (*Store)(nil)

// NewStore opens or creates the vector database.
func NewStore(cfg StoreConfig, embedder Embedder, logger logging.Logger) (*Store, error) {
	if embedder == nil {
		return nil, errors.NewConfigError("retrieval.embedder", "embedder is required")
	}

	var db *chromem.DB
	var err error
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	return &Store{
		db:            db,
		embedder:      embedder,
		minSimilarity: cfg.MinSimilarity,
		logger:        logging.OrNop(logger),
	}, nil
}

func collectionName(agentID string) string {
	return "agent-" + agentID
}

func (s *Store) collection(agentID string) (*chromem.Collection, error) {
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	}
	return s.db.GetOrCreateCollection(collectionName(agentID), nil, embed)
}

// Index adds documents to the agent's collection. Documents arriving
// without an ID are assigned one.
func (s *Store) Index(ctx context.Context, agentID string, docs []ports.Document) error {
	if agentID == "" {
		return errors.NewValidationError("agent_id", "agent id is required")
	}
	if len(docs) == 0 {
		return nil
	}

	coll, err := s.collection(agentID)
	if err != nil {
		return fmt.Errorf("open collection for agent %s: %w", agentID, err)
	}

	for _, doc := range docs {
		if doc.Content == "" {
			return errors.NewValidationError("content", "document content is required")
		}
		id := doc.ID
		if id == "" {
			id = uuid.NewString()
		}
		err := coll.AddDocument(ctx, chromem.Document{
			ID:       id,
			Content:  doc.Content,
			Metadata: doc.Metadata,
		})
		if err != nil {
			return fmt.Errorf("index document %s: %w", id, err)
		}
	}

	s.logger.Debug("indexed %d documents for agent %s", len(docs), agentID)
	return nil
}

// Search returns up to topK documents above the similarity floor, best
// first. An agent with nothing indexed gets an empty result, not an error.
func (s *Store) Search(ctx context.Context, agentID string, query string, topK int) ([]ports.RetrievedDocument, error) {
	if agentID == "" {
		return nil, errors.NewValidationError("agent_id", "agent id is required")
	}
	if query == "" {
		return nil, errors.NewValidationError("query", "query is required")
	}
	if topK <= 0 {
		topK = 5
	}

	coll, err := s.collection(agentID)
	if err != nil {
		return nil, fmt.Errorf("open collection for agent %s: %w", agentID, err)
	}

	// chromem rejects queries asking for more results than the collection
	// holds, so clamp instead of surfacing that as a failure.
	count := coll.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := coll.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	var hits []ports.RetrievedDocument
	for _, r := range results {
		if r.Similarity < s.minSimilarity {
			continue
		}
		hits = append(hits, ports.RetrievedDocument{
			Document: ports.Document{
				ID:       r.ID,
				Content:  r.Content,
				Metadata: r.Metadata,
			},
			Similarity: r.Similarity,
		})
	}
	return hits, nil
}

// DropAgent removes the agent's collection and its persisted data. Dropping
// an agent that never indexed anything is a no-op.
func (s *Store) DropAgent(_ context.Context, agentID string) error {
	if agentID == "" {
		return errors.NewValidationError("agent_id", "agent id is required")
	}
	if err := s.db.DeleteCollection(collectionName(agentID)); err != nil {
		return fmt.Errorf("drop collection for agent %s: %w", agentID, err)
	}
	return nil
}
