package llm

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
	"neuron/internal/jsonx"
)

// newIPv4TestServer binds the test server to an IPv4 loopback explicitly
// so environments without IPv6 localhost resolution behave consistently.
func newIPv4TestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("IPv4 loopback unavailable: %v", err)
	}

	server := httptest.NewUnstartedServer(handler)
	server.Listener = ln
	server.Start()
	t.Cleanup(server.Close)

	return server
}

func decodePayload(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("read request body: %v", err)
	}
	payload := map[string]any{}
	if err := jsonx.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	return payload
}

func TestOpenAIComplete(t *testing.T) {
	var captured map[string]any
	server := newIPv4TestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		captured = decodePayload(t, r)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "chatcmpl-1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`)
	}))

	client, err := NewOpenAIClient("openai", "gpt-4o", Config{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}

	resp, err := client.Complete(context.Background(), ports.CompletionRequest{
		Messages:    []ports.Message{{Role: "user", Content: "hi"}},
		Temperature: 0.7,
		MaxTokens:   256,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.Content != "hello there" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.StopReason != "stop" {
		t.Errorf("StopReason = %q", resp.StopReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d", resp.Usage.TotalTokens)
	}

	if captured["model"] != "gpt-4o" {
		t.Errorf("payload model = %v", captured["model"])
	}
	if captured["stream"] != false {
		t.Errorf("payload stream = %v", captured["stream"])
	}
	if _, ok := captured["tools"]; ok {
		t.Error("payload should not contain tools when none were requested")
	}
}

func TestOpenAICompleteParsesToolCalls(t *testing.T) {
	server := newIPv4TestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := decodePayload(t, r)
		if _, ok := payload["tools"]; !ok {
			t.Error("expected tools in payload")
		}
		if payload["tool_choice"] != "auto" {
			t.Errorf("tool_choice = %v", payload["tool_choice"])
		}

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"choices": [{"index": 0, "message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{"id": "call_abc", "type": "function", "function": {"name": "read_file", "arguments": "{\"path\": \"notes.txt\"}"}}]
			}, "finish_reason": "tool_calls"}],
			"usage": {"prompt_tokens": 40, "completion_tokens": 12, "total_tokens": 52}
		}`)
	}))

	client, err := NewOpenAIClient("openai", "gpt-4o", Config{APIKey: "k", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}

	resp, err := client.Complete(context.Background(), ports.CompletionRequest{
		Messages: []ports.Message{{Role: "user", Content: "read my notes"}},
		Tools: []ports.ToolDefinition{{
			Name:        "read_file",
			Description: "Read a file",
			Parameters: ports.ParameterSchema{
				Type:       "object",
				Properties: map[string]ports.Property{"path": {Type: "string"}},
				Required:   []string{"path"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "call_abc" || call.Name != "read_file" {
		t.Errorf("call = %+v", call)
	}
	if call.Arguments["path"] != "notes.txt" {
		t.Errorf("arguments = %v", call.Arguments)
	}
}

func TestOpenAIStreamComplete(t *testing.T) {
	server := newIPv4TestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := decodePayload(t, r)
		if payload["stream"] != true {
			t.Errorf("payload stream = %v", payload["stream"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`data: {"choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`data: {"choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"shell","arguments":"{\"command\""}}]}}]}`,
			`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":": \"ls\"}"}}]}}]}`,
			`data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`data: [DONE]`,
		}
		for _, chunk := range chunks {
			io.WriteString(w, chunk+"\n\n")
		}
	}))

	client, err := NewOpenAIClient("openai", "gpt-4o", Config{APIKey: "k", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}

	var deltas []string
	var sawFinal bool
	resp, err := client.StreamComplete(context.Background(), ports.CompletionRequest{
		Messages: []ports.Message{{Role: "user", Content: "hi"}},
	}, ports.CompletionStreamCallbacks{
		OnContentDelta: func(d ports.ContentDelta) {
			if d.Final {
				sawFinal = true
				return
			}
			deltas = append(deltas, d.Delta)
		},
	})
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}

	if resp.Content != "Hello" {
		t.Errorf("Content = %q", resp.Content)
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Errorf("deltas = %v", deltas)
	}
	if !sawFinal {
		t.Error("expected a final delta marker")
	}
	if resp.StopReason != "tool_calls" {
		t.Errorf("StopReason = %q", resp.StopReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Name != "shell" || resp.ToolCalls[0].Arguments["command"] != "ls" {
		t.Errorf("accumulated call = %+v", resp.ToolCalls[0])
	}
}

func TestOpenAICompleteMapsHTTPError(t *testing.T) {
	server := newIPv4TestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error": {"message": "rate limited", "type": "rate_limit_error"}}`)
	}))

	client, err := NewOpenAIClient("openai", "gpt-4o", Config{APIKey: "k", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}

	_, err = client.Complete(context.Background(), ports.CompletionRequest{
		Messages: []ports.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected an error")
	}

	var provErr *errors.ProviderError
	if !stderrors.As(err, &provErr) {
		t.Fatalf("error type = %T", err)
	}
	if provErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d", provErr.StatusCode)
	}
	if !strings.Contains(provErr.Message, "rate limited") {
		t.Errorf("Message = %q", provErr.Message)
	}
	if !errors.IsTransient(err) {
		t.Error("429 should classify as transient")
	}
}

func TestConvertOpenAIMessages(t *testing.T) {
	messages := []ports.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "list files"},
		{Role: "assistant", ToolCalls: []ports.ToolCall{{
			ID: "call_1", Name: "shell", Arguments: map[string]any{"command": "ls"},
		}}},
		{Role: "tool", ToolCallID: "call_1", Name: "shell", Content: "a.txt"},
	}

	converted := convertOpenAIMessages(messages)
	if len(converted) != 4 {
		t.Fatalf("len = %d, want 4", len(converted))
	}

	assistant := converted[2]
	calls, ok := assistant["tool_calls"].([]map[string]any)
	if !ok || len(calls) != 1 {
		t.Fatalf("assistant tool_calls = %v", assistant["tool_calls"])
	}
	fn := calls[0]["function"].(map[string]any)
	if !strings.Contains(fn["arguments"].(string), "ls") {
		t.Errorf("arguments = %v", fn["arguments"])
	}

	toolMsg := converted[3]
	if toolMsg["role"] != "tool" || toolMsg["tool_call_id"] != "call_1" {
		t.Errorf("tool message = %v", toolMsg)
	}
}
