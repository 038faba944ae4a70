package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
	"neuron/internal/jsonx"
	"neuron/internal/logging"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openaiClient speaks the OpenAI chat completions protocol. Together and
// Groq expose the same wire format, so the factory reuses this client for
// them with a different base URL and provider label.
type openaiClient struct {
	provider   string
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
	headers    map[string]string
}

var _ ports.StreamingLLMClient = (*openaiClient)(nil)

// NewOpenAIClient builds a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(provider, model string, config Config) (ports.StreamingLLMClient, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	baseURL := strings.TrimSuffix(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	return &openaiClient{
		provider: provider,
		model:    model,
		apiKey:   config.APIKey,
		baseURL:  baseURL,
		httpClient: &http.Client{
			Timeout: time.Duration(config.timeoutSeconds()) * time.Second,
		},
		logger:  logging.NewComponentLogger("llm." + provider),
		headers: config.Headers,
	}, nil
}

func (c *openaiClient) GetModelInfo() ports.ModelInfo {
	return ports.ModelInfo{Provider: c.provider, Model: c.model}
}

// convertMessages rewrites the neutral message history into the OpenAI
// wire shape. Tool results become role "tool" entries and assistant tool
// calls are re-serialized with string arguments.
func convertOpenAIMessages(messages []ports.Message) []map[string]any {
	converted := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		entry := map[string]any{"role": msg.Role}

		if msg.Role == "tool" {
			entry["tool_call_id"] = msg.ToolCallID
			entry["content"] = msg.Content
			if msg.Name != "" {
				entry["name"] = msg.Name
			}
			converted = append(converted, entry)
			continue
		}

		entry["content"] = msg.Content
		if len(msg.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				args, err := jsonx.Marshal(call.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				calls = append(calls, map[string]any{
					"id":   call.ID,
					"type": "function",
					"function": map[string]any{
						"name":      call.Name,
						"arguments": string(args),
					},
				})
			}
			entry["tool_calls"] = calls
		}
		converted = append(converted, entry)
	}
	return converted
}

func (c *openaiClient) buildPayload(req ports.CompletionRequest, stream bool) map[string]any {
	payload := map[string]any{
		"model":    c.model,
		"messages": convertOpenAIMessages(req.Messages),
		"stream":   stream,
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		payload["top_p"] = req.TopP
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if len(req.StopSequences) > 0 {
		payload["stop"] = req.StopSequences
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tool.Name,
					"description": tool.Description,
					"parameters":  tool.Parameters,
				},
			})
		}
		payload["tools"] = tools
		payload["tool_choice"] = "auto"
	}
	return payload
}

func (c *openaiClient) newRequest(ctx context.Context, payload map[string]any, requestID string) (*http.Request, error) {
	body, err := jsonx.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for key, value := range c.headers {
		httpReq.Header.Set(key, value)
	}

	c.logger.Debug("[req:%s] === LLM Request ===", requestID)
	c.logger.Debug("[req:%s] URL: %s", requestID, url)
	c.logger.Debug("[req:%s] Model: %s", requestID, c.model)
	if c.apiKey != "" {
		c.logger.Debug("[req:%s] Authorization: Bearer (hidden)", requestID)
	}
	c.logger.Debug("[req:%s] Body: %s", requestID, logging.Redact(string(body)))

	return httpReq, nil
}

// wire types for the non-streaming response

type openaiResponse struct {
	ID      string         `json:"id"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []openaiToolCall `json:"tool_calls"`
}

type openaiToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func convertToolCalls(raw []openaiToolCall) []ports.ToolCall {
	if len(raw) == 0 {
		return nil
	}
	calls := make([]ports.ToolCall, 0, len(raw))
	for _, tc := range raw {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := jsonx.DecodeLenient(tc.Function.Arguments, &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		calls = append(calls, ports.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return calls
}

// Complete performs a blocking, non-streaming completion.
func (c *openaiClient) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	requestID := requestIDFromMetadata(req.Metadata)

	httpReq, err := c.newRequest(ctx, c.buildPayload(req, false), requestID)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapRequestError(c.provider, c.model, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapRequestError(c.provider, c.model, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("[req:%s] provider returned %d: %s", requestID, resp.StatusCode, logging.Redact(string(body)))
		return nil, mapHTTPError(c.provider, c.model, resp.StatusCode, body, resp.Header)
	}

	var parsed openaiResponse
	if err := jsonx.Unmarshal(body, &parsed); err != nil {
		return nil, wrapRequestError(c.provider, c.model, fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, &errors.ProviderError{
			Provider:   c.provider,
			Model:      c.model,
			StatusCode: resp.StatusCode,
			Message:    "response contained no choices",
		}
	}

	choice := parsed.Choices[0]
	c.logger.Debug("[req:%s] === LLM Response ===", requestID)
	c.logger.Debug("[req:%s] FinishReason: %s ToolCalls: %d Tokens: %d/%d",
		requestID, choice.FinishReason, len(choice.Message.ToolCalls),
		parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens)

	return &ports.CompletionResponse{
		Content:    choice.Message.Content,
		ToolCalls:  convertToolCalls(choice.Message.ToolCalls),
		StopReason: choice.FinishReason,
		Usage: ports.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// wire types for streamed chunks

type openaiStreamChunk struct {
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage"`
}

type openaiStreamChoice struct {
	Index        int         `json:"index"`
	Delta        openaiDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type openaiDelta struct {
	Content   string                 `json:"content"`
	ToolCalls []openaiStreamToolCall `json:"tool_calls"`
}

type openaiStreamToolCall struct {
	Index    int            `json:"index"`
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

// toolCallBuilder accumulates a tool call whose arguments arrive as
// string fragments across many chunks.
type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// StreamComplete streams a completion via server-sent events, invoking
// callbacks as content arrives. The returned response carries the fully
// accumulated content and tool calls.
func (c *openaiClient) StreamComplete(ctx context.Context, req ports.CompletionRequest, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	requestID := requestIDFromMetadata(req.Metadata)

	httpReq, err := c.newRequest(ctx, c.buildPayload(req, true), requestID)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapRequestError(c.provider, c.model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.logger.Warn("[req:%s] provider returned %d: %s", requestID, resp.StatusCode, logging.Redact(string(body)))
		return nil, mapHTTPError(c.provider, c.model, resp.StatusCode, body, resp.Header)
	}

	var (
		content      strings.Builder
		finishReason string
		usage        ports.TokenUsage
		accumulator  = map[int]*toolCallBuilder{}
		toolOrder    []int
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := jsonx.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("[req:%s] skipping malformed chunk: %v", requestID, err)
			continue
		}
		if chunk.Usage != nil {
			usage = ports.TokenUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if callbacks.OnContentDelta != nil {
				callbacks.OnContentDelta(ports.ContentDelta{Delta: choice.Delta.Content})
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			builder, ok := accumulator[tc.Index]
			if !ok {
				builder = &toolCallBuilder{}
				accumulator[tc.Index] = builder
				toolOrder = append(toolOrder, tc.Index)
			}
			if tc.ID != "" {
				builder.id = tc.ID
			}
			if tc.Function.Name != "" {
				builder.name = tc.Function.Name
			}
			builder.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, wrapRequestError(c.provider, c.model, fmt.Errorf("read stream: %w", err))
	}

	if callbacks.OnContentDelta != nil {
		callbacks.OnContentDelta(ports.ContentDelta{Final: true})
	}

	toolCalls := make([]ports.ToolCall, 0, len(toolOrder))
	for _, index := range toolOrder {
		builder := accumulator[index]
		args := map[string]any{}
		if raw := builder.args.String(); raw != "" {
			if err := jsonx.DecodeLenient(raw, &args); err != nil {
				args = map[string]any{"_raw": raw}
			}
		}
		toolCalls = append(toolCalls, ports.ToolCall{
			ID:        builder.id,
			Name:      builder.name,
			Arguments: args,
		})
	}

	c.logger.Debug("[req:%s] === LLM Stream Done ===", requestID)
	c.logger.Debug("[req:%s] FinishReason: %s ToolCalls: %d ContentLen: %d",
		requestID, finishReason, len(toolCalls), content.Len())

	response := &ports.CompletionResponse{
		Content:    content.String(),
		ToolCalls:  toolCalls,
		StopReason: finishReason,
		Usage:      usage,
	}
	return response, nil
}
