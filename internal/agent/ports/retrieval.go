package ports

import "context"

// Document is a unit of retrievable context owned by one agent.
type Document struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RetrievedDocument is a search hit with its similarity score.
type RetrievedDocument struct {
	Document
	Similarity float32 `json:"similarity"`
}

// RetrievalStore indexes and searches per-agent document collections.
type RetrievalStore interface {
	Index(ctx context.Context, agentID string, docs []Document) error
	Search(ctx context.Context, agentID string, query string, topK int) ([]RetrievedDocument, error)
	DropAgent(ctx context.Context, agentID string) error
}
