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

const defaultOllamaBaseURL = "http://localhost:11434"

// ollamaClient talks to a local Ollama server. Ollama has no native tool
// calling, so tool traffic reaches it only as text via the broker's
// injection protocol.
type ollamaClient struct {
	model      string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

var _ ports.StreamingLLMClient = (*ollamaClient)(nil)

// NewOllamaClient builds a client for a local Ollama server.
func NewOllamaClient(model string, config Config) (ports.StreamingLLMClient, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	baseURL := strings.TrimSuffix(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if !strings.HasSuffix(baseURL, "/api") {
		baseURL += "/api"
	}

	return &ollamaClient{
		model:   model,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: time.Duration(config.timeoutSeconds()) * time.Second,
		},
		logger: logging.NewComponentLogger("llm.ollama"),
	}, nil
}

func (c *ollamaClient) GetModelInfo() ports.ModelInfo {
	return ports.ModelInfo{Provider: "ollama", Model: c.model}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}

// convertOllamaMessages flattens the history to plain role/content pairs.
// Tool results become user turns since Ollama has no tool role.
func convertOllamaMessages(messages []ports.Message) []ollamaMessage {
	converted := make([]ollamaMessage, 0, len(messages))
	for _, msg := range messages {
		role := msg.Role
		content := msg.Content
		if role == "tool" {
			role = "user"
			content = fmt.Sprintf("Tool result for %s:\n%s", msg.Name, msg.Content)
		}
		converted = append(converted, ollamaMessage{Role: role, Content: content})
	}
	return converted
}

func (c *ollamaClient) buildRequest(req ports.CompletionRequest, stream bool) ollamaRequest {
	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		options["top_p"] = req.TopP
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(req.StopSequences) > 0 {
		options["stop"] = req.StopSequences
	}

	return ollamaRequest{
		Model:    c.model,
		Messages: convertOllamaMessages(req.Messages),
		Stream:   stream,
		Options:  options,
	}
}

func (c *ollamaClient) post(ctx context.Context, payload ollamaRequest, requestID string) (*http.Response, error) {
	body, err := jsonx.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + "/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("[req:%s] === LLM Request ===", requestID)
	c.logger.Debug("[req:%s] URL: %s", requestID, url)
	c.logger.Debug("[req:%s] Model: %s Stream: %v Messages: %d",
		requestID, c.model, payload.Stream, len(payload.Messages))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapRequestError("ollama", c.model, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		c.logger.Warn("[req:%s] provider returned %d: %s", requestID, resp.StatusCode, string(respBody))
		return nil, mapHTTPError("ollama", c.model, resp.StatusCode, respBody, resp.Header)
	}
	return resp, nil
}

// Complete performs a blocking, non-streaming completion.
func (c *ollamaClient) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	requestID := requestIDFromMetadata(req.Metadata)

	resp, err := c.post(ctx, c.buildRequest(req, false), requestID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapRequestError("ollama", c.model, err)
	}

	var parsed ollamaResponse
	if err := jsonx.Unmarshal(body, &parsed); err != nil {
		return nil, wrapRequestError("ollama", c.model, fmt.Errorf("decode response: %w", err))
	}
	if parsed.Error != "" {
		return nil, &errors.ProviderError{
			Provider: "ollama",
			Model:    c.model,
			Message:  parsed.Error,
		}
	}

	c.logger.Debug("[req:%s] === LLM Response ===", requestID)
	c.logger.Debug("[req:%s] DoneReason: %s Tokens: %d/%d",
		requestID, parsed.DoneReason, parsed.PromptEvalCount, parsed.EvalCount)

	return &ports.CompletionResponse{
		Content:    parsed.Message.Content,
		StopReason: parsed.DoneReason,
		Usage: ports.TokenUsage{
			PromptTokens:     parsed.PromptEvalCount,
			CompletionTokens: parsed.EvalCount,
			TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
		},
	}, nil
}

// StreamComplete streams a completion as newline-delimited JSON, one
// object per line, with the final line carrying token counts.
func (c *ollamaClient) StreamComplete(ctx context.Context, req ports.CompletionRequest, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	requestID := requestIDFromMetadata(req.Metadata)

	resp, err := c.post(ctx, c.buildRequest(req, true), requestID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		content    strings.Builder
		doneReason string
		usage      ports.TokenUsage
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk ollamaResponse
		if err := jsonx.Unmarshal([]byte(line), &chunk); err != nil {
			c.logger.Warn("[req:%s] skipping malformed line: %v", requestID, err)
			continue
		}
		if chunk.Error != "" {
			return nil, &errors.ProviderError{
				Provider: "ollama",
				Model:    c.model,
				Message:  chunk.Error,
			}
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			if callbacks.OnContentDelta != nil {
				callbacks.OnContentDelta(ports.ContentDelta{Delta: chunk.Message.Content})
			}
		}
		if chunk.Done {
			doneReason = chunk.DoneReason
			usage = ports.TokenUsage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, wrapRequestError("ollama", c.model, fmt.Errorf("read stream: %w", err))
	}

	if callbacks.OnContentDelta != nil {
		callbacks.OnContentDelta(ports.ContentDelta{Final: true})
	}

	c.logger.Debug("[req:%s] === LLM Stream Done ===", requestID)
	c.logger.Debug("[req:%s] DoneReason: %s ContentLen: %d", requestID, doneReason, content.Len())

	return &ports.CompletionResponse{
		Content:    content.String(),
		StopReason: doneReason,
		Usage:      usage,
	}, nil
}
