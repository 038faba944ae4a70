package rag

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"neuron/internal/errors"
	"neuron/internal/jsonx"
)

// maxEmbedBatch is the largest input slice one embeddings call accepts.
const maxEmbedBatch = 100

// EmbedderConfig points the embedder at an OpenAI-compatible embeddings API.
type EmbedderConfig struct {
	BaseURL   string
	Model     string
	APIKey    string
	CacheSize int
}

// Embedder generates text embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type openaiEmbedder struct {
	config     EmbedderConfig
	httpClient *http.Client
	cache      *lru.Cache[string, []float32]
	backoff    time.Duration
}

// NewEmbedder creates an embedder with an LRU cache in front of the API.
func NewEmbedder(config EmbedderConfig) (Embedder, error) {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.Model == "" {
		config.Model = "text-embedding-3-small"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 10000
	}

	cache, err := lru.New[string, []float32](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	return &openaiEmbedder{
		config:     config,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		cache:      cache,
		backoff:    time.Second,
	}, nil
}

// Embed generates the embedding for a single text.
func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for up to maxEmbedBatch texts. Cached
// texts are served locally; only the rest go to the API.
func (e *openaiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.NewValidationError("texts", "no texts provided")
	}
	if len(texts) > maxEmbedBatch {
		return nil, errors.NewValidationError("texts", "batch size %d exceeds limit %d", len(texts), maxEmbedBatch)
	}

	results := make([][]float32, len(texts))
	var uncachedIndices []int
	var uncachedTexts []string
	for i, text := range texts {
		if cached, ok := e.cache.Get(text); ok {
			results[i] = cached
			continue
		}
		uncachedIndices = append(uncachedIndices, i)
		uncachedTexts = append(uncachedTexts, text)
	}
	if len(uncachedTexts) == 0 {
		return results, nil
	}

	embeddings, err := e.callWithRetry(ctx, uncachedTexts)
	if err != nil {
		return nil, err
	}

	for i, idx := range uncachedIndices {
		e.cache.Add(texts[idx], embeddings[i])
		results[idx] = embeddings[i]
	}
	return results, nil
}

// callWithRetry makes up to three attempts with doubling delays between
// them. Context cancellation aborts the wait.
func (e *openaiEmbedder) callWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.backoff << (attempt - 1)):
			}
		}
		embeddings, err := e.callAPI(ctx, texts)
		if err == nil {
			return embeddings, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("embed batch after retries: %w", lastErr)
}

func (e *openaiEmbedder) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := jsonx.Marshal(map[string]any{
		"model": e.config.Model,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &errors.ProviderError{
			Provider:   "embedder",
			Model:      e.config.Model,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(detail)),
		}
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := jsonx.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	// The API may return entries out of order; Index maps each embedding
	// back to its input.
	embeddings := make([][]float32, len(texts))
	for _, item := range apiResp.Data {
		if item.Index < 0 || item.Index >= len(embeddings) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		embeddings[item.Index] = item.Embedding
	}
	for i, embedding := range embeddings {
		if embedding == nil {
			return nil, fmt.Errorf("no embedding returned for input %d", i)
		}
	}
	return embeddings, nil
}
