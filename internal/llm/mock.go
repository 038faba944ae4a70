package llm

import (
	"context"
	"strings"
	"sync"

	"neuron/internal/agent/ports"
)

// MockTurn is one scripted exchange for a MockClient.
type MockTurn struct {
	Response *ports.CompletionResponse
	Err      error
}

// MockClient is a scripted client for testing. Turns are consumed in
// order; once the script runs out it keeps returning a canned response so
// open-ended tests do not fail on exhaustion.
type MockClient struct {
	mu       sync.Mutex
	info     ports.ModelInfo
	script   []MockTurn
	Requests []ports.CompletionRequest
}

var _ ports.StreamingLLMClient = (*MockClient)(nil)

// NewMockClient builds a scripted client reporting the given identity.
func NewMockClient(provider, model string, turns ...MockTurn) *MockClient {
	return &MockClient{
		info:   ports.ModelInfo{Provider: provider, Model: model},
		script: turns,
	}
}

func (m *MockClient) GetModelInfo() ports.ModelInfo { return m.info }

func (m *MockClient) next(req ports.CompletionRequest) MockTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)

	if len(m.script) == 0 {
		return MockTurn{Response: &ports.CompletionResponse{
			Content:    "mock response",
			StopReason: "stop",
		}}
	}
	turn := m.script[0]
	m.script = m.script[1:]
	return turn
}

// Complete returns the next scripted turn.
func (m *MockClient) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	turn := m.next(req)
	if turn.Err != nil {
		return nil, turn.Err
	}
	return turn.Response, nil
}

// StreamComplete replays the next scripted turn as word-sized deltas.
func (m *MockClient) StreamComplete(ctx context.Context, req ports.CompletionRequest, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	turn := m.next(req)
	if turn.Err != nil {
		return nil, turn.Err
	}

	if callbacks.OnContentDelta != nil && turn.Response != nil {
		words := strings.SplitAfter(turn.Response.Content, " ")
		for _, word := range words {
			if word == "" {
				continue
			}
			callbacks.OnContentDelta(ports.ContentDelta{Delta: word})
		}
		callbacks.OnContentDelta(ports.ContentDelta{Final: true})
	}
	return turn.Response, nil
}
