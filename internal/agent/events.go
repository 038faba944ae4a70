package agent

import (
	"sync"
	"time"
)

// EventType classifies manager events.
type EventType string

const (
	EventAgentCreated EventType = "agent_created"
	EventAgentDeleted EventType = "agent_deleted"
	EventStateChanged EventType = "state_changed"
	EventTurnFinished EventType = "turn_finished"
	EventExecution    EventType = "execution"
)

// Event is one observable happening inside the manager: an agent state
// transition, a finished turn, or a tool-execution status change.
type Event struct {
	Type      EventType `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Subscription is one listener on the event bus. Close releases it; events
// arriving while the channel is full are dropped rather than blocking the
// publisher.
type Subscription struct {
	C <-chan Event

	bus *eventBus
	ch  chan Event
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.ch)
}

// eventBus fans events out to subscribers. Publishing never blocks.
type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[chan Event]bool)}
}

func (b *eventBus) subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[ch] = true
	b.mu.Unlock()
	return &Subscription{C: ch, bus: b, ch: ch}
}

func (b *eventBus) unsubscribe(ch chan Event) {
	b.mu.Lock()
	if b.subs[ch] {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *eventBus) publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Slow subscriber; the event is dropped for it.
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
