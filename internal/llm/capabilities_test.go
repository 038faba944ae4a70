package llm

import "testing"

func TestCapabilities(t *testing.T) {
	tests := []struct {
		provider    string
		model       string
		window      int
		nativeTools bool
	}{
		{"openai", "gpt-4", 8192, true},
		{"openai", "gpt-4-turbo", 128000, true},
		{"openai", "gpt-4o", 128000, true},
		{"anthropic", "claude-3-5-sonnet", 200000, true},
		{"anthropic", "claude-3-opus", 200000, true},
		{"ollama", "llama3", 8192, false},
		{"ollama", "llama3.1", 128000, false},
		{"ollama", "llama3.2", 128000, false},
		{"groq", "llama3.1", 128000, true},
		{"together", "llama3", 8192, true},

		// dated and tagged variants resolve through their family prefix
		{"anthropic", "claude-3-5-sonnet-20241022", 200000, true},
		{"openai", "gpt-4o-mini", 128000, true},
		{"openai", "gpt-4-0613", 8192, true},
		{"ollama", "llama3.1:8b", 128000, false},

		// unknown models fall back to the conservative defaults
		{"openai", "mystery-model", 4096, false},
		{"ollama", "mystery-model", 4096, false},
	}

	for _, tt := range tests {
		caps := Capabilities(tt.provider, tt.model)
		if caps.ContextWindow != tt.window {
			t.Errorf("%s/%s: ContextWindow = %d, want %d", tt.provider, tt.model, caps.ContextWindow, tt.window)
		}
		if caps.NativeTools != tt.nativeTools {
			t.Errorf("%s/%s: NativeTools = %v, want %v", tt.provider, tt.model, caps.NativeTools, tt.nativeTools)
		}
		if !caps.Streaming {
			t.Errorf("%s/%s: every supported provider streams", tt.provider, tt.model)
		}
	}
}

func TestCapabilitiesPrefersLongestFamilyPrefix(t *testing.T) {
	// gpt-4-turbo-2024 must match gpt-4-turbo, not gpt-4.
	caps := Capabilities("openai", "gpt-4-turbo-2024-04-09")
	if caps.ContextWindow != 128000 {
		t.Errorf("ContextWindow = %d, want 128000", caps.ContextWindow)
	}
}
