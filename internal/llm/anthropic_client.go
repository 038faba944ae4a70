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
	"neuron/internal/jsonx"
	"neuron/internal/logging"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com"
	anthropicRequestHeaderKey = "x-api-key"
	anthropicVersionHeaderKey = "anthropic-version"
	anthropicVersion          = "2023-06-01"

	// The messages API requires max_tokens; this is the fallback when the
	// caller leaves it unset.
	anthropicDefaultMaxTokens = 4096
)

// anthropicClient speaks the Anthropic messages protocol. The system
// prompt travels in a dedicated field and tool traffic uses typed content
// blocks rather than separate message roles.
type anthropicClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
	headers    map[string]string
}

var _ ports.StreamingLLMClient = (*anthropicClient)(nil)

// NewAnthropicClient builds a client for the Anthropic messages API.
func NewAnthropicClient(model string, config Config) (ports.StreamingLLMClient, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	baseURL := strings.TrimSuffix(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}

	return &anthropicClient{
		model:   model,
		apiKey:  config.APIKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: time.Duration(config.timeoutSeconds()) * time.Second,
		},
		logger:  logging.NewComponentLogger("llm.anthropic"),
		headers: config.Headers,
	}, nil
}

func (c *anthropicClient) GetModelInfo() ports.ModelInfo {
	return ports.ModelInfo{Provider: "anthropic", Model: c.model}
}

// convertAnthropicMessages splits the history into the system prompt and
// the user/assistant turn list. Tool results are folded into user turns as
// tool_result blocks, matching what the messages API expects.
func convertAnthropicMessages(messages []ports.Message) (string, []map[string]any) {
	var system string
	converted := make([]map[string]any, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if system == "" {
				system = msg.Content
			} else {
				system += "\n\n" + msg.Content
			}

		case "tool":
			block := map[string]any{
				"type":        "tool_result",
				"tool_use_id": msg.ToolCallID,
				"content":     msg.Content,
			}
			// Consecutive tool results merge into one user turn.
			if n := len(converted); n > 0 {
				last := converted[n-1]
				if last["role"] == "user" {
					if blocks, ok := last["content"].([]map[string]any); ok {
						last["content"] = append(blocks, block)
						continue
					}
				}
			}
			converted = append(converted, map[string]any{
				"role":    "user",
				"content": []map[string]any{block},
			})

		case "assistant":
			if len(msg.ToolCalls) == 0 {
				converted = append(converted, map[string]any{"role": "assistant", "content": msg.Content})
				continue
			}
			blocks := make([]map[string]any, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    call.ID,
					"name":  call.Name,
					"input": call.Arguments,
				})
			}
			converted = append(converted, map[string]any{"role": "assistant", "content": blocks})

		default:
			converted = append(converted, map[string]any{"role": "user", "content": msg.Content})
		}
	}
	return system, converted
}

func (c *anthropicClient) buildPayload(req ports.CompletionRequest, stream bool) map[string]any {
	system, messages := convertAnthropicMessages(req.Messages)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	payload := map[string]any{
		"model":      c.model,
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     stream,
	}
	if system != "" {
		payload["system"] = system
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		payload["top_p"] = req.TopP
	}
	if len(req.StopSequences) > 0 {
		payload["stop_sequences"] = req.StopSequences
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         tool.Name,
				"description":  tool.Description,
				"input_schema": tool.Parameters,
			})
		}
		payload["tools"] = tools
	}
	return payload
}

func (c *anthropicClient) newRequest(ctx context.Context, payload map[string]any, requestID string) (*http.Request, error) {
	body, err := jsonx.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(anthropicRequestHeaderKey, c.apiKey)
	httpReq.Header.Set(anthropicVersionHeaderKey, anthropicVersion)
	for key, value := range c.headers {
		httpReq.Header.Set(key, value)
	}

	c.logger.Debug("[req:%s] === LLM Request ===", requestID)
	c.logger.Debug("[req:%s] URL: %s", requestID, url)
	c.logger.Debug("[req:%s] Model: %s", requestID, c.model)
	c.logger.Debug("[req:%s] Body: %s", requestID, logging.Redact(string(body)))

	return httpReq, nil
}

// wire types

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Complete performs a blocking, non-streaming completion.
func (c *anthropicClient) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	requestID := requestIDFromMetadata(req.Metadata)

	httpReq, err := c.newRequest(ctx, c.buildPayload(req, false), requestID)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapRequestError("anthropic", c.model, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapRequestError("anthropic", c.model, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("[req:%s] provider returned %d: %s", requestID, resp.StatusCode, logging.Redact(string(body)))
		return nil, mapHTTPError("anthropic", c.model, resp.StatusCode, body, resp.Header)
	}

	var parsed anthropicResponse
	if err := jsonx.Unmarshal(body, &parsed); err != nil {
		return nil, wrapRequestError("anthropic", c.model, fmt.Errorf("decode response: %w", err))
	}

	var content strings.Builder
	var toolCalls []ports.ToolCall
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			toolCalls = append(toolCalls, ports.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}

	c.logger.Debug("[req:%s] === LLM Response ===", requestID)
	c.logger.Debug("[req:%s] StopReason: %s ToolCalls: %d Tokens: %d/%d",
		requestID, parsed.StopReason, len(toolCalls),
		parsed.Usage.InputTokens, parsed.Usage.OutputTokens)

	return &ports.CompletionResponse{
		Content:    content.String(),
		ToolCalls:  toolCalls,
		StopReason: parsed.StopReason,
		Usage: ports.TokenUsage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

// streaming wire types

type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index"`
	ContentBlock *anthropicContentBlock `json:"content_block"`
	Delta        *anthropicStreamDelta  `json:"delta"`
	Usage        *anthropicUsage        `json:"usage"`
	Message      *anthropicResponse     `json:"message"`
}

type anthropicStreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

// StreamComplete streams a completion via server-sent events. Tool input
// arrives as partial JSON fragments per content block and is assembled
// before the response is returned.
func (c *anthropicClient) StreamComplete(ctx context.Context, req ports.CompletionRequest, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	requestID := requestIDFromMetadata(req.Metadata)

	httpReq, err := c.newRequest(ctx, c.buildPayload(req, true), requestID)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapRequestError("anthropic", c.model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.logger.Warn("[req:%s] provider returned %d: %s", requestID, resp.StatusCode, logging.Redact(string(body)))
		return nil, mapHTTPError("anthropic", c.model, resp.StatusCode, body, resp.Header)
	}

	var (
		content    strings.Builder
		stopReason string
		usage      ports.TokenUsage
		blocks     = map[int]*toolCallBuilder{}
		blockOrder []int
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event anthropicStreamEvent
		if err := jsonx.Unmarshal([]byte(data), &event); err != nil {
			c.logger.Warn("[req:%s] skipping malformed event: %v", requestID, err)
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.PromptTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				builder := &toolCallBuilder{id: event.ContentBlock.ID, name: event.ContentBlock.Name}
				blocks[event.Index] = builder
				blockOrder = append(blockOrder, event.Index)
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				content.WriteString(event.Delta.Text)
				if callbacks.OnContentDelta != nil {
					callbacks.OnContentDelta(ports.ContentDelta{Delta: event.Delta.Text})
				}
			case "input_json_delta":
				if builder, ok := blocks[event.Index]; ok {
					builder.args.WriteString(event.Delta.PartialJSON)
				}
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			// Terminal event; the scanner drains whatever follows.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, wrapRequestError("anthropic", c.model, fmt.Errorf("read stream: %w", err))
	}

	if callbacks.OnContentDelta != nil {
		callbacks.OnContentDelta(ports.ContentDelta{Final: true})
	}

	toolCalls := make([]ports.ToolCall, 0, len(blockOrder))
	for _, index := range blockOrder {
		builder := blocks[index]
		args := map[string]any{}
		if raw := builder.args.String(); raw != "" {
			if err := jsonx.DecodeLenient(raw, &args); err != nil {
				args = map[string]any{"_raw": raw}
			}
		}
		toolCalls = append(toolCalls, ports.ToolCall{ID: builder.id, Name: builder.name, Arguments: args})
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	c.logger.Debug("[req:%s] === LLM Stream Done ===", requestID)
	c.logger.Debug("[req:%s] StopReason: %s ToolCalls: %d ContentLen: %d",
		requestID, stopReason, len(toolCalls), content.Len())

	return &ports.CompletionResponse{
		Content:    content.String(),
		ToolCalls:  toolCalls,
		StopReason: stopReason,
		Usage:      usage,
	}, nil
}
