package agent

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"neuron/internal/agent/ports"
	"neuron/internal/async"
	"neuron/internal/consolidator"
	"neuron/internal/errors"
	"neuron/internal/observability"
	"neuron/internal/tools"
)

const fragmentBuffer = 64

// Fragment is one unit of a streaming chat response. A fragment with a
// non-nil Err is terminal; the channel closes after it.
type Fragment struct {
	Text string `json:"text,omitempty"`
	Err  error  `json:"-"`
}

// Chat runs one conversational turn and streams the response. The returned
// channel closes when the turn ends; an error produces exactly one terminal
// fragment carrying it. Turns for the same agent are serialized; callers
// for distinct agents run in parallel.
func (m *Manager) Chat(ctx context.Context, agentID, message string) (<-chan Fragment, error) {
	a, err := m.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		return nil, errors.NewValidationError("message", "message must not be empty")
	}
	if a.refusesTurns() {
		return nil, errors.NewConfigError("agent", "agent %s is in error state (%s); reinitialize it first", a.ID, a.LastError())
	}

	out := make(chan Fragment, fragmentBuffer)
	async.Go(m.logger, "turn "+a.ID, func() {
		defer close(out)
		m.runTurn(ctx, a, message, out)
	})
	return out, nil
}

// runTurn executes the turn state machine: thinking while the model
// streams, executing while tool calls are in flight, back to idle (or
// error) at the end. Memory is appended only after the whole turn
// succeeded, so a failed turn leaves it untouched.
func (m *Manager) runTurn(ctx context.Context, a *Agent, message string, out chan<- Fragment) {
	a.turnMu.Lock()
	defer a.turnMu.Unlock()

	ctx, span := m.tracing.StartSpan(ctx, observability.SpanChatTurn,
		observability.AgentAttrs(a.ID, a.OwnerID)...)
	defer span.End()

	m.transition(a, StateThinking)

	assistant, toolTrace, err := m.converse(ctx, a, message, out)
	if err != nil {
		m.failTurn(ctx, a, err, out)
		return
	}

	// The all-or-nothing point: the turn enters memory only now, after the
	// full response and every tool call completed.
	if err := m.memory.AddInteraction(ctx, a.ID, message, assistant, toolTrace); err != nil {
		m.failTurn(ctx, a, fmt.Errorf("append turn to memory: %w", err), out)
		return
	}
	a.recordTurn(m.clock.Now())

	m.maybeConsolidate(ctx, a)

	m.metrics.RecordTurn(ctx, "success")
	m.transition(a, StateIdle)
	m.publish(Event{Type: EventTurnFinished, AgentID: a.ID})
	span.SetAttributes(attribute.String(observability.AttrStatus, "success"))
}

// converse drives model rounds until the model stops asking for tools. It
// returns the accumulated assistant text and the names of executed tools.
func (m *Manager) converse(ctx context.Context, a *Agent, message string, out chan<- Fragment) (string, []string, error) {
	messages, err := m.buildPrompt(ctx, a, message)
	if err != nil {
		return "", nil, err
	}

	toolDefs, err := m.registry.Available(ctx, a.caller())
	if err != nil {
		return "", nil, err
	}

	var assistant strings.Builder
	var toolTrace []string

	callbacks := ports.CompletionStreamCallbacks{
		OnContentDelta: func(delta ports.ContentDelta) {
			if delta.Delta == "" {
				return
			}
			m.metrics.RecordStreamFragment(ctx)
			select {
			case out <- Fragment{Text: delta.Delta}:
			case <-ctx.Done():
			}
		},
	}

	for round := 0; round < a.Config.MaxToolRounds; round++ {
		req := ports.CompletionRequest{
			Messages:    messages,
			Tools:       toolDefs,
			Temperature: a.Config.Temperature,
			TopP:        a.Config.TopP,
			MaxTokens:   a.Config.MaxTokens,
		}

		resp, err := m.broker.Stream(ctx, a.Config.Provider, a.Config.Model, req, callbacks)
		if err != nil {
			return assistant.String(), toolTrace, err
		}
		if resp.Content != "" {
			if assistant.Len() > 0 {
				assistant.WriteString("\n")
			}
			assistant.WriteString(resp.Content)
		}
		if len(resp.ToolCalls) == 0 {
			return assistant.String(), toolTrace, nil
		}

		messages = append(messages, ports.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		m.transition(a, StateExecuting)
		for _, call := range resp.ToolCalls {
			result := m.runToolCall(ctx, a, call)
			toolTrace = append(toolTrace, call.Name)
			messages = append(messages, result)
		}
		m.transition(a, StateThinking)
	}

	// The model kept asking for tools past the round budget. Return what we
	// have; the accumulated text is still a valid answer.
	m.logger.Warn("agent %s: tool round budget (%d) exhausted", a.ID, a.Config.MaxToolRounds)
	return assistant.String(), toolTrace, nil
}

// runToolCall executes one model-emitted call through the governed
// executor. Failures are contained: the error text goes back to the model
// as the tool result and the turn continues.
func (m *Manager) runToolCall(ctx context.Context, a *Agent, call ports.ToolCall) ports.Message {
	exec, err := m.runner.Execute(ctx, tools.Request{
		ToolName: call.Name,
		Params:   call.Arguments,
		Caller:   a.caller(),
	})

	content := ""
	if exec != nil {
		content = exec.Output
	}
	if err != nil {
		m.logger.Warn("agent %s: tool %s failed: %v", a.ID, call.Name, err)
		content = fmt.Sprintf("tool %s failed: %v", call.Name, err)
	}
	return ports.Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Name,
	}
}

// buildPrompt assembles system template, retrieved snippets, and recent
// memory context around the user message.
func (m *Manager) buildPrompt(ctx context.Context, a *Agent, message string) ([]ports.Message, error) {
	var system strings.Builder
	if a.Config.SystemPrompt != "" {
		system.WriteString(a.Config.SystemPrompt)
	}

	if m.retrieval != nil {
		docs, err := m.retrieval.Search(ctx, a.ID, message, m.retrievalTopK)
		if err != nil {
			// Retrieval is an enrichment; a failed search degrades to a
			// prompt without snippets.
			m.logger.Warn("agent %s: retrieval search failed: %v", a.ID, err)
		} else if len(docs) > 0 {
			system.WriteString("\n\nRelevant context:\n")
			for _, doc := range docs {
				fmt.Fprintf(&system, "- %s\n", doc.Content)
			}
		}
	}

	memoryContext, err := m.memory.GetContext(ctx, a.ID, a.Config.ContextItems)
	if err != nil {
		return nil, err
	}
	if memoryContext != "" {
		system.WriteString("\n\nRecent conversation:\n")
		system.WriteString(memoryContext)
	}

	var messages []ports.Message
	if system.Len() > 0 {
		messages = append(messages, ports.Message{Role: "system", Content: system.String()})
	}
	messages = append(messages, ports.Message{Role: "user", Content: message})
	return messages, nil
}

// maybeConsolidate schedules a background consolidation run when the
// agent's memory warrants one. The caller's response is never delayed.
func (m *Manager) maybeConsolidate(ctx context.Context, a *Agent) {
	if m.consolidator == nil {
		return
	}
	snap, err := m.memory.View(ctx, a.ID)
	if err != nil {
		m.logger.Warn("agent %s: view memory for consolidation check: %v", a.ID, err)
		return
	}
	if !m.consolidator.ShouldConsolidate(snap, m.clock.Now()) {
		return
	}
	model := consolidator.ModelRef{Provider: a.Config.Provider, Model: a.Config.Model}
	if m.consolidator.Schedule(a.ID, model) {
		m.logger.Info("agent %s: consolidation scheduled", a.ID)
	}
}

// failTurn delivers the terminal error fragment and latches the error
// state. Memory was not touched; prior turns stay intact.
func (m *Manager) failTurn(ctx context.Context, a *Agent, err error, out chan<- Fragment) {
	m.metrics.RecordTurn(ctx, "error")
	a.fail(err)
	m.publish(Event{Type: EventStateChanged, AgentID: a.ID, Payload: a.Status()})
	m.logger.Error("agent %s: turn failed: %v", a.ID, err)

	select {
	case out <- Fragment{Err: err}:
	default:
	}
}

func (m *Manager) transition(a *Agent, s State) {
	if a.setState(s) {
		m.publish(Event{Type: EventStateChanged, AgentID: a.ID, Payload: a.Status()})
	}
}
