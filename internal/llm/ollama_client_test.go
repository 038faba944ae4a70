package llm

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
)

func TestOllamaComplete(t *testing.T) {
	server := newIPv4TestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		payload := decodePayload(t, r)
		if payload["stream"] != false {
			t.Errorf("payload stream = %v", payload["stream"])
		}
		options, _ := payload["options"].(map[string]any)
		if options["num_predict"] != float64(128) {
			t.Errorf("options num_predict = %v", options["num_predict"])
		}

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"model": "llama3.1",
			"message": {"role": "assistant", "content": "local hello"},
			"done": true,
			"done_reason": "stop",
			"prompt_eval_count": 20,
			"eval_count": 4
		}`)
	}))

	client, err := NewOllamaClient("llama3.1", Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewOllamaClient: %v", err)
	}

	resp, err := client.Complete(context.Background(), ports.CompletionRequest{
		Messages:  []ports.Message{{Role: "user", Content: "hi"}},
		MaxTokens: 128,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.Content != "local hello" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.StopReason != "stop" {
		t.Errorf("StopReason = %q", resp.StopReason)
	}
	if resp.Usage.TotalTokens != 24 {
		t.Errorf("TotalTokens = %d", resp.Usage.TotalTokens)
	}
}

func TestOllamaCompleteSurfacesServerError(t *testing.T) {
	server := newIPv4TestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"error": "model \"missing\" not found"}`)
	}))

	client, err := NewOllamaClient("missing", Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewOllamaClient: %v", err)
	}

	_, err = client.Complete(context.Background(), ports.CompletionRequest{
		Messages: []ports.Message{{Role: "user", Content: "hi"}},
	})
	var provErr *errors.ProviderError
	if !stderrors.As(err, &provErr) {
		t.Fatalf("error type = %T", err)
	}
	if !strings.Contains(provErr.Message, "not found") {
		t.Errorf("Message = %q", provErr.Message)
	}
}

func TestOllamaStreamComplete(t *testing.T) {
	server := newIPv4TestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		lines := []string{
			`{"model":"llama3.1","message":{"role":"assistant","content":"stream"},"done":false}`,
			`{"model":"llama3.1","message":{"role":"assistant","content":"ing"},"done":false}`,
			`{"model":"llama3.1","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":11,"eval_count":2}`,
		}
		for _, line := range lines {
			io.WriteString(w, line+"\n")
		}
	}))

	client, err := NewOllamaClient("llama3.1", Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewOllamaClient: %v", err)
	}

	var deltas []string
	resp, err := client.StreamComplete(context.Background(), ports.CompletionRequest{
		Messages: []ports.Message{{Role: "user", Content: "hi"}},
	}, ports.CompletionStreamCallbacks{
		OnContentDelta: func(d ports.ContentDelta) {
			if !d.Final {
				deltas = append(deltas, d.Delta)
			}
		},
	})
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}

	if resp.Content != "streaming" {
		t.Errorf("Content = %q", resp.Content)
	}
	if len(deltas) != 2 {
		t.Errorf("deltas = %v", deltas)
	}
	if resp.Usage.PromptTokens != 11 || resp.Usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestConvertOllamaMessagesRewritesToolResults(t *testing.T) {
	converted := convertOllamaMessages([]ports.Message{
		{Role: "user", Content: "list"},
		{Role: "tool", Name: "shell", Content: "a.txt"},
	})
	if len(converted) != 2 {
		t.Fatalf("len = %d, want 2", len(converted))
	}
	if converted[1].Role != "user" {
		t.Errorf("role = %q", converted[1].Role)
	}
	if !strings.Contains(converted[1].Content, "shell") || !strings.Contains(converted[1].Content, "a.txt") {
		t.Errorf("content = %q", converted[1].Content)
	}
}
