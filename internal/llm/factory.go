package llm

import (
	"neuron/internal/agent/ports"
	"neuron/internal/errors"
)

// NewClient builds the client for a provider. Together and Groq run
// OpenAI-compatible endpoints and share that implementation.
func NewClient(provider, model string, config Config) (ports.StreamingLLMClient, error) {
	switch provider {
	case "openai", "together", "groq":
		return NewOpenAIClient(provider, model, config)
	case "anthropic":
		return NewAnthropicClient(model, config)
	case "ollama":
		return NewOllamaClient(model, config)
	default:
		return nil, errors.NewConfigError("providers", "unsupported provider %q", provider)
	}
}
