package toolregistry

import (
	"context"
	"sync"
	"time"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
)

// Fixed window lengths. A window is anchored at the first counted call and
// reset lazily once its full span has elapsed.
const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
	dayWindow    = 24 * time.Hour
)

// RateCounter tracks one (agent, tool) pair across the three fixed windows.
// Tools carry only minute and hour ceilings; the day window is kept for
// usage reporting.
type RateCounter struct {
	AgentID       string    `json:"agent_id"`
	ToolName      string    `json:"tool_name"`
	MinuteStart   time.Time `json:"minute_start"`
	MinuteCount   int       `json:"minute_count"`
	HourStart     time.Time `json:"hour_start"`
	HourCount     int       `json:"hour_count"`
	DayStart      time.Time `json:"day_start"`
	DayCount      int       `json:"day_count"`
	LastExecution time.Time `json:"last_execution"`
}

// roll resets any window whose span has fully elapsed. A check landing
// exactly on the boundary starts a fresh window.
func (c *RateCounter) roll(now time.Time) {
	if now.Sub(c.MinuteStart) >= minuteWindow {
		c.MinuteCount, c.MinuteStart = 0, now
	}
	if now.Sub(c.HourStart) >= hourWindow {
		c.HourCount, c.HourStart = 0, now
	}
	if now.Sub(c.DayStart) >= dayWindow {
		c.DayCount, c.DayStart = 0, now
	}
}

// RateStore persists rate counters. Get returns nil for an untracked pair;
// Put inserts or replaces the pair's row.
type RateStore interface {
	Get(ctx context.Context, agentID, toolName string) (*RateCounter, error)
	Put(ctx context.Context, counter *RateCounter) error
}

// RateLimiter enforces each tool's fixed-window ceilings per agent.
type RateLimiter struct {
	mu       sync.Mutex
	registry *Registry
	store    RateStore
	clock    ports.Clock
}

// NewRateLimiter builds a limiter that reads ceilings from the registry. A
// nil store falls back to in-process counters.
func NewRateLimiter(registry *Registry, store RateStore, clock ports.Clock) *RateLimiter {
	if store == nil {
		store = NewMemoryRateStore()
	}
	if clock == nil {
		clock = ports.SystemClock()
	}
	return &RateLimiter{registry: registry, store: store, clock: clock}
}

// Check rolls lapsed windows, compares the counts against the tool's
// ceilings, and counts the call only when it is allowed. A denied check
// leaves every window untouched and carries a retry-after hint for the
// window that tripped. Unknown tools fail closed.
func (l *RateLimiter) Check(ctx context.Context, agentID, toolName string) error {
	tool, err := l.registry.Get(toolName)
	if err != nil {
		return err
	}
	md := tool.Metadata()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	counter, err := l.store.Get(ctx, agentID, toolName)
	if err != nil {
		return err
	}
	if counter == nil {
		counter = &RateCounter{
			AgentID:     agentID,
			ToolName:    toolName,
			MinuteStart: now,
			HourStart:   now,
			DayStart:    now,
		}
	}
	counter.roll(now)

	if md.RatePerMinute > 0 && counter.MinuteCount >= md.RatePerMinute {
		return &errors.RateLimitError{
			Tool:       toolName,
			Window:     "minute",
			Limit:      md.RatePerMinute,
			RetryAfter: counter.MinuteStart.Add(minuteWindow).Sub(now),
		}
	}
	if md.RatePerHour > 0 && counter.HourCount >= md.RatePerHour {
		return &errors.RateLimitError{
			Tool:       toolName,
			Window:     "hour",
			Limit:      md.RatePerHour,
			RetryAfter: counter.HourStart.Add(hourWindow).Sub(now),
		}
	}

	counter.MinuteCount++
	counter.HourCount++
	counter.DayCount++
	counter.LastExecution = now
	return l.store.Put(ctx, counter)
}

// Usage returns a point-in-time view of a pair's counters with lapsed
// windows shown as empty. The stored counters are not modified.
func (l *RateLimiter) Usage(ctx context.Context, agentID, toolName string) (*RateCounter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	counter, err := l.store.Get(ctx, agentID, toolName)
	if err != nil {
		return nil, err
	}
	if counter == nil {
		return &RateCounter{
			AgentID:     agentID,
			ToolName:    toolName,
			MinuteStart: now,
			HourStart:   now,
			DayStart:    now,
		}, nil
	}
	counter.roll(now)
	return counter, nil
}

// memoryRateStore keeps counters in process memory for tests and dev wiring.
type memoryRateStore struct {
	mu   sync.RWMutex
	rows map[string]*RateCounter
}

// NewMemoryRateStore returns an empty in-process RateStore.
func NewMemoryRateStore() RateStore {
	return &memoryRateStore{rows: make(map[string]*RateCounter)}
}

func rateKey(agentID, toolName string) string {
	return agentID + ":" + toolName
}

func (s *memoryRateStore) Get(ctx context.Context, agentID, toolName string) (*RateCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counter, ok := s.rows[rateKey(agentID, toolName)]
	if !ok {
		return nil, nil
	}
	cp := *counter
	return &cp, nil
}

func (s *memoryRateStore) Put(ctx context.Context, counter *RateCounter) error {
	if counter == nil {
		return errors.NewValidationError("rate_counter", "nil counter")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *counter
	s.rows[rateKey(counter.AgentID, counter.ToolName)] = &cp
	return nil
}
