package llm

import (
	"context"
	"sync"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
	"neuron/internal/logging"
	"neuron/internal/token"
)

// ClientFactory builds a provider client. Swapped out in tests.
type ClientFactory func(provider, model string, config Config) (ports.StreamingLLMClient, error)

// Broker mediates between agents and provider clients. It normalizes tool
// support across providers, budgets completion tokens against the model's
// context window, and caches one client per provider/model pair.
//
// The broker never retries: provider failures propagate to the caller,
// which owns the retry policy.
type Broker struct {
	mu          sync.RWMutex
	providers   map[string]Config
	factory     ClientFactory
	clients     map[string]ports.StreamingLLMClient
	caps        map[string]ports.ModelCapabilities
	logger      logging.Logger
	initialized bool
}

// BrokerOption customizes broker construction.
type BrokerOption func(*Broker)

// WithClientFactory replaces the default provider client factory.
func WithClientFactory(factory ClientFactory) BrokerOption {
	return func(b *Broker) { b.factory = factory }
}

// NewBroker builds a broker over the given provider configurations, keyed
// by provider name.
func NewBroker(providers map[string]Config, logger logging.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		providers: providers,
		factory:   NewClient,
		clients:   map[string]ports.StreamingLLMClient{},
		caps:      map[string]ports.ModelCapabilities{},
		logger:    logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Initialize validates the provider table and warms the capability cache
// for every configured provider crossed with the known model families.
// Stream and Complete refuse to run before Initialize succeeds.
func (b *Broker) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.providers) == 0 {
		return errors.NewConfigError("providers", "no providers configured")
	}
	for provider := range b.providers {
		for family := range contextWindows {
			caps := Capabilities(provider, family)
			b.caps[provider+"/"+family] = caps
		}
	}
	b.initialized = true
	b.logger.Info("broker initialized: %d providers, %d cached capability entries",
		len(b.providers), len(b.caps))
	return nil
}

// HasProvider reports whether a provider is configured.
func (b *Broker) HasProvider(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.providers[name]
	return ok
}

// ModelCapabilities reports the cached capabilities for a provider/model
// pair, computing and caching them on first sight of an unknown model.
func (b *Broker) ModelCapabilities(provider, model string) ports.ModelCapabilities {
	key := provider + "/" + model

	b.mu.RLock()
	caps, ok := b.caps[key]
	b.mu.RUnlock()
	if ok {
		return caps
	}

	caps = Capabilities(provider, model)
	b.mu.Lock()
	b.caps[key] = caps
	b.mu.Unlock()
	return caps
}

func (b *Broker) client(provider, model string) (ports.StreamingLLMClient, error) {
	key := provider + "/" + model

	b.mu.RLock()
	client, ok := b.clients[key]
	b.mu.RUnlock()
	if ok {
		return client, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if client, ok := b.clients[key]; ok {
		return client, nil
	}

	config, ok := b.providers[provider]
	if !ok {
		return nil, errors.NewConfigError("providers", "provider %q is not configured", provider)
	}
	client, err := b.factory(provider, model, config)
	if err != nil {
		return nil, err
	}
	b.clients[key] = client
	return client, nil
}

const (
	defaultTemperature = 0.7
	defaultTopP        = 0.9

	// Rough per-message overhead of the chat wire format.
	messageTokenOverhead = 4
)

// prepare applies sampling defaults, tool gating, and token budgeting.
// It reports whether tool calls must be parsed back out of the text.
func (b *Broker) prepare(req ports.CompletionRequest, caps ports.ModelCapabilities) (ports.CompletionRequest, bool) {
	if req.Temperature == 0 {
		req.Temperature = defaultTemperature
	}
	if req.TopP == 0 {
		req.TopP = defaultTopP
	}

	textualTools := len(req.Tools) > 0 && !caps.NativeTools
	if textualTools {
		req = InjectToolCatalog(req)
	}

	prompt := 0
	for _, msg := range req.Messages {
		prompt += token.Count(msg.Content) + messageTokenOverhead
	}
	available := caps.ContextWindow - prompt
	if available < 1 {
		b.logger.Warn("prompt (%d tokens) exceeds %s context window of %d; completion will likely fail",
			prompt, caps.Model, caps.ContextWindow)
		available = 1
	}
	if req.MaxTokens > available {
		b.logger.Debug("clamping max_tokens %d -> %d for %s/%s",
			req.MaxTokens, available, caps.Provider, caps.Model)
		req.MaxTokens = available
	}

	return req, textualTools
}

// finalize recovers textual tool invocations and fans out OnToolCall
// notifications for both native and textual calls.
func finalize(resp *ports.CompletionResponse, textualTools bool, callbacks ports.CompletionStreamCallbacks) *ports.CompletionResponse {
	if textualTools {
		cleaned, calls := ParseToolInvocations(resp.Content)
		resp.Content = cleaned
		resp.ToolCalls = calls
	}
	if callbacks.OnToolCall != nil {
		for _, call := range resp.ToolCalls {
			callbacks.OnToolCall(call)
		}
	}
	return resp
}

// Stream runs a streaming completion against the given provider and
// model. Content deltas arrive through callbacks; the returned response
// holds the accumulated content and any tool calls, whether the provider
// emitted them natively or as text.
func (b *Broker) Stream(ctx context.Context, provider, model string, req ports.CompletionRequest, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	b.mu.RLock()
	ready := b.initialized
	b.mu.RUnlock()
	if !ready {
		return nil, errors.NewConfigError("broker", "broker is not initialized")
	}

	caps := b.ModelCapabilities(provider, model)
	prepared, textualTools := b.prepare(req, caps)

	client, err := b.client(provider, model)
	if err != nil {
		return nil, err
	}
	resp, err := client.StreamComplete(ctx, prepared, callbacks)
	if err != nil {
		return nil, err
	}
	return finalize(resp, textualTools, callbacks), nil
}

// Complete runs a blocking completion with the same gating and budgeting
// as Stream. Used by background work that has no interest in deltas.
func (b *Broker) Complete(ctx context.Context, provider, model string, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	b.mu.RLock()
	ready := b.initialized
	b.mu.RUnlock()
	if !ready {
		return nil, errors.NewConfigError("broker", "broker is not initialized")
	}

	caps := b.ModelCapabilities(provider, model)
	prepared, textualTools := b.prepare(req, caps)

	client, err := b.client(provider, model)
	if err != nil {
		return nil, err
	}
	resp, err := client.Complete(ctx, prepared)
	if err != nil {
		return nil, err
	}
	return finalize(resp, textualTools, ports.CompletionStreamCallbacks{}), nil
}
