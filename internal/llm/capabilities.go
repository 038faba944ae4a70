package llm

import (
	"strings"

	"neuron/internal/agent/ports"
)

// Providers whose chat APIs accept structured tool definitions. Everything
// else gets the textual tool protocol from react.go.
var nativeToolProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"together":  true,
	"groq":      true,
}

// contextWindows maps model families to their context size in tokens.
// Lookup is by exact name first, then by longest matching prefix, so
// dated snapshots like claude-3-5-sonnet-20241022 resolve to their family.
var contextWindows = map[string]int{
	"gpt-4":             8192,
	"gpt-4-turbo":       128000,
	"gpt-4o":            128000,
	"claude-3-5-sonnet": 200000,
	"claude-3-opus":     200000,
	"llama3":            8192,
	"llama3.1":          128000,
	"llama3.2":          128000,
}

// defaultContextWindow is the conservative floor for unknown models.
// Unknown models are also assumed to lack native tool support.
const defaultContextWindow = 4096

// Capabilities reports what a provider/model pair supports. It never
// fails: unrecognized models degrade to the conservative defaults.
func Capabilities(provider, model string) ports.ModelCapabilities {
	caps := ports.ModelCapabilities{
		Provider:      provider,
		Model:         model,
		ContextWindow: defaultContextWindow,
		Streaming:     true,
	}

	if window, ok := contextWindows[model]; ok {
		caps.ContextWindow = window
		caps.NativeTools = nativeToolProviders[provider]
		return caps
	}

	best := ""
	for family, window := range contextWindows {
		if strings.HasPrefix(model, family) && len(family) > len(best) {
			best = family
			caps.ContextWindow = window
		}
	}
	if best != "" {
		caps.NativeTools = nativeToolProviders[provider]
	}
	return caps
}
