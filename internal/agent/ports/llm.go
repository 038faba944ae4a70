package ports

import "context"

// CompletionRequest contains all parameters for a model completion.
type CompletionRequest struct {
	Messages      []Message        `json:"messages"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	Temperature   float64          `json:"temperature,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	TopP          float64          `json:"top_p,omitempty"`
	StopSequences []string         `json:"stop,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// CompletionResponse is the model's response.
type CompletionResponse struct {
	Content    string         `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	StopReason string         `json:"stop_reason"`
	Usage      TokenUsage     `json:"usage"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ContentDelta represents a streamed assistant content fragment.
type ContentDelta struct {
	Delta string
	Final bool
}

// CompletionStreamCallbacks captures optional hooks invoked while streaming a
// model response. All callbacks are optional; nil functions are ignored.
type CompletionStreamCallbacks struct {
	OnContentDelta func(ContentDelta)
	OnToolCall     func(ToolCall)
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message represents a conversation message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ModelCapabilities describes what a provider/model pair supports. Cached by
// the broker at initialization from static tables.
type ModelCapabilities struct {
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	ContextWindow int    `json:"context_window"`
	NativeTools   bool   `json:"native_tools"`
	Streaming     bool   `json:"streaming"`
}

// LLMClient is a synchronous completion client for one provider/model pair.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	GetModelInfo() ModelInfo
}

// StreamingLLMClient extends LLMClient with incremental delivery. The full
// response is still returned after the stream finishes so callers that
// accumulate don't re-join deltas themselves.
type StreamingLLMClient interface {
	LLMClient
	StreamComplete(ctx context.Context, req CompletionRequest, callbacks CompletionStreamCallbacks) (*CompletionResponse, error)
}

// ModelInfo identifies a client's provider and model.
type ModelInfo struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}
