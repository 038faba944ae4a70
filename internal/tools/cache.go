package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"neuron/internal/agent/ports"
	"neuron/internal/observability"
	"neuron/internal/toolregistry"
)

const (
	defaultCacheMaxSize = 256
	defaultCacheTTL     = 5 * time.Minute
)

// CacheConfig configures the execution result cache.
type CacheConfig struct {
	// MaxSize is the maximum number of entries in the LRU cache.
	MaxSize int
	// TTL is how long a cached result remains valid.
	TTL time.Duration
}

// cacheEntry holds a finished execution along with the time it was stored.
type cacheEntry struct {
	exec     *Execution
	storedAt time.Time
}

// cachedRunner decorates a Runner with an LRU result cache for read-only
// tools. Keys include the caller identity so one caller's grant never leaks
// results to another; dangerous and confirmation-gated tools bypass the
// cache entirely.
type cachedRunner struct {
	delegate Runner
	registry *toolregistry.Registry
	cache    *lru.Cache[string, cacheEntry]
	ttl      time.Duration
	clock    ports.Clock
	metrics  *observability.MetricsCollector
}

// NewCachedRunner wraps delegate with a result cache. Zero config values
// fall back to defaults; a nil clock uses the system clock.
func NewCachedRunner(delegate Runner, registry *toolregistry.Registry, config CacheConfig, clock ports.Clock, metrics *observability.MetricsCollector) Runner {
	if delegate == nil {
		return nil
	}
	if config.MaxSize <= 0 {
		config.MaxSize = defaultCacheMaxSize
	}
	if config.TTL <= 0 {
		config.TTL = defaultCacheTTL
	}
	if clock == nil {
		clock = ports.SystemClock()
	}
	cache, err := lru.New[string, cacheEntry](config.MaxSize)
	if err != nil {
		// lru.New only errors on non-positive size which we guard above.
		return delegate
	}
	return &cachedRunner{
		delegate: delegate,
		registry: registry,
		cache:    cache,
		ttl:      config.TTL,
		clock:    clock,
		metrics:  metrics,
	}
}

func (c *cachedRunner) Execute(ctx context.Context, req Request) (*Execution, error) {
	if c.shouldSkip(req) {
		return c.delegate.Execute(ctx, req)
	}

	key := c.cacheKey(req)

	if entry, ok := c.cache.Get(key); ok {
		if c.clock.Now().Sub(entry.storedAt) < c.ttl {
			c.metrics.RecordCacheLookup(ctx, req.ToolName, true)
			return entry.exec.Clone(), nil
		}
		// Expired; evict so the LRU bookkeeping stays clean.
		c.cache.Remove(key)
	}
	c.metrics.RecordCacheLookup(ctx, req.ToolName, false)

	exec, err := c.delegate.Execute(ctx, req)
	if err != nil {
		return exec, err
	}
	// Only settled successes are worth replaying.
	if exec != nil && exec.Status == StatusSuccess {
		c.cache.Add(key, cacheEntry{exec: exec.Clone(), storedAt: c.clock.Now()})
	}
	return exec, nil
}

func (c *cachedRunner) Confirm(ctx context.Context, executionID, decidedBy string, approve bool) error {
	return c.delegate.Confirm(ctx, executionID, decidedBy, approve)
}

// shouldSkip returns true when caching must be bypassed for this request.
func (c *cachedRunner) shouldSkip(req Request) bool {
	if req.DryRun || req.SandboxID != "" {
		return true
	}
	tool, err := c.registry.Get(req.ToolName)
	if err != nil {
		return true
	}
	md := tool.Metadata()
	return md.Dangerous || md.RequiresConfirmation
}

// cacheKey produces a deterministic key from caller identity, tool name, and
// normalized arguments.
func (c *cachedRunner) cacheKey(req Request) string {
	return fmt.Sprintf("%s|%s|%s:%s", req.Caller.UserID, req.Caller.AgentID, req.ToolName, normalizeArgs(req.Params))
}

// normalizeArgs serializes a map[string]any into a deterministic JSON string
// by sorting keys at every level.
func normalizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(sortedMap(args))
	if err != nil {
		return "{}"
	}
	return string(data)
}

// sortedMap returns a representation of m that json.Marshal will serialize
// with keys in sorted order (json.Marshal already sorts map keys, so only
// nested maps need converting to the same concrete type).
func sortedMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		if nested, ok := v.(map[string]any); ok {
			v = sortedMap(nested)
		}
		out[k] = v
	}
	return out
}

var _ Runner = (*cachedRunner)(nil)
