// Package consolidator runs the five-stage memory consolidation pipeline
// that keeps an agent's long-term memory from degrading: working memory is
// compressed into episodes, episodes are deduplicated, semantic knowledge is
// extracted, procedural workflows are detected, and contradicting facts are
// resolved. Runs execute on a supervised worker pool; chat turns never wait
// on them.
package consolidator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"neuron/internal/agent/ports"
	"neuron/internal/async"
	"neuron/internal/errors"
	"neuron/internal/logging"
	"neuron/internal/memory"
	"neuron/internal/observability"
)

const (
	// Stage triggers. A stage whose trigger is not met returns nil and the
	// run moves on.
	compressMinWorking    = 5
	compressBlockSize     = 10
	compressKeepRecent    = 5
	extractBlockSize      = 10
	workflowMinWorking    = 10
	workflowBlockSize     = 20
	contradictionMinFacts = 5

	// Consolidation model calls are capped and never carry tools.
	consolidationMaxTokens = 2000

	historyLimit = 50
)

// Completer is the slice of the model broker consolidation needs.
type Completer interface {
	Complete(ctx context.Context, provider, model string, req ports.CompletionRequest) (*ports.CompletionResponse, error)
}

// ModelRef names the provider/model pair used for consolidation calls.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Config tunes consolidation triggers and the worker pool.
type Config struct {
	InteractionThreshold int           // interactions since last run
	EpisodicSoftCap      int           // L2 size that forces a run
	MaxAge               time.Duration // time since last run that forces one
	DedupTarget          int           // stage 2 shrinks L2 to at most this
	Workers              int
	QueueSize            int
}

func (c Config) withDefaults() Config {
	if c.InteractionThreshold <= 0 {
		c.InteractionThreshold = 100
	}
	if c.EpisodicSoftCap <= 0 {
		c.EpisodicSoftCap = 50
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.DedupTarget <= 0 {
		c.DedupTarget = 20
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	return c
}

// Run records one consolidation pass for observability.
type Run struct {
	ID              string      `json:"id"`
	AgentID         string      `json:"agent_id"`
	StartedAt       time.Time   `json:"started_at"`
	FinishedAt      time.Time   `json:"finished_at"`
	Success         bool        `json:"success"`
	Error           string      `json:"error,omitempty"`
	Before          LayerCounts `json:"before"`
	After           LayerCounts `json:"after"`
	StagesAttempted int         `json:"stages_attempted"`
	StagesCompleted int         `json:"stages_completed"`
}

// LayerCounts sizes each memory layer at a point in time.
type LayerCounts struct {
	Working    int `json:"working"`
	Episodic   int `json:"episodic"`
	Semantic   int `json:"semantic"`
	Procedural int `json:"procedural"`
}

// Consolidator schedules and executes consolidation runs. At most one run
// per agent is queued or executing at a time.
type Consolidator struct {
	broker  Completer
	mem     *memory.Manager
	config  Config
	pool    *async.Pool
	metrics *observability.MetricsCollector
	tracing *observability.TracerProvider
	clock   ports.Clock
	logger  logging.Logger

	mu      sync.Mutex
	active  map[string]bool
	history []*Run
}

// New builds a consolidator and starts its worker pool. Close stops it.
func New(broker Completer, mem *memory.Manager, config Config, metrics *observability.MetricsCollector, tracing *observability.TracerProvider, clock ports.Clock, logger logging.Logger) *Consolidator {
	if clock == nil {
		clock = ports.SystemClock()
	}
	logger = logging.OrNop(logger)

	c := &Consolidator{
		broker:  broker,
		mem:     mem,
		config:  config.withDefaults(),
		metrics: metrics,
		tracing: tracing,
		clock:   clock,
		logger:  logger,
		active:  make(map[string]bool),
	}
	c.pool = async.NewPool("consolidator", c.config.Workers, c.config.QueueSize, logger)
	return c
}

// Close drains the worker pool.
func (c *Consolidator) Close() {
	c.pool.Close()
}

// ShouldConsolidate reports whether the snapshot warrants a run. Pure: it
// reads the snapshot and the supplied time only.
func (c *Consolidator) ShouldConsolidate(snap *memory.Snapshot, now time.Time) bool {
	if snap == nil {
		return false
	}
	if snap.SinceConsolidation >= c.config.InteractionThreshold {
		return true
	}
	if len(snap.Episodes) > c.config.EpisodicSoftCap {
		return true
	}
	return !snap.LastConsolidated.IsZero() && now.Sub(snap.LastConsolidated) > c.config.MaxAge
}

// Schedule queues a consolidation run on the pool. It reports false when a
// run for the agent is already queued or executing, or the queue is full.
// Failures surface to logs and metrics only; callers never wait.
func (c *Consolidator) Schedule(agentID string, model ModelRef) bool {
	if !c.acquire(agentID) {
		return false
	}

	ok := c.pool.Submit(async.Job{
		Name: "consolidate:" + agentID,
		Run: func(ctx context.Context) error {
			defer c.release(agentID)
			run := c.consolidate(ctx, agentID, model)
			if !run.Success {
				return fmt.Errorf("run %s: %s", run.ID, run.Error)
			}
			return nil
		},
	})
	if !ok {
		c.release(agentID)
	}
	return ok
}

// Consolidate runs the pipeline synchronously and returns its run record.
// The chat path never calls this; it exists for the API trigger and tests.
func (c *Consolidator) Consolidate(ctx context.Context, agentID string, model ModelRef) *Run {
	if !c.acquire(agentID) {
		now := c.clock.Now()
		return &Run{
			ID:         memory.NewID(),
			AgentID:    agentID,
			StartedAt:  now,
			FinishedAt: now,
			Error:      "consolidation already running",
		}
	}
	defer c.release(agentID)
	return c.consolidate(ctx, agentID, model)
}

// Running reports whether a run for the agent is queued or executing.
func (c *Consolidator) Running(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[agentID]
}

func (c *Consolidator) consolidate(ctx context.Context, agentID string, model ModelRef) *Run {
	run := &Run{
		ID:        memory.NewID(),
		AgentID:   agentID,
		StartedAt: c.clock.Now(),
	}

	ctx, span := c.tracing.StartSpan(ctx, observability.SpanConsolidation,
		attribute.String(observability.AttrAgentID, agentID),
		attribute.String(observability.AttrModel, model.Model),
	)
	defer span.End()

	before, err := c.mem.View(ctx, agentID)
	if err != nil {
		run.Error = fmt.Sprintf("view memory: %v", err)
		c.finish(ctx, run)
		return run
	}
	run.Before = countLayers(before)

	c.logger.Info("agent %s: consolidation run %s starting (L1=%d L2=%d L3=%d L4=%d)",
		agentID, run.ID, run.Before.Working, run.Before.Episodic, run.Before.Semantic, run.Before.Procedural)

	stages := []struct {
		name string
		run  func(context.Context) error
	}{
		{"compress", func(ctx context.Context) error { return c.compressWorking(ctx, agentID, model) }},
		{"dedup", func(ctx context.Context) error { return c.dedupEpisodes(ctx, agentID, model) }},
		{"extract", func(ctx context.Context) error { return c.extractKnowledge(ctx, agentID, model) }},
		{"workflows", func(ctx context.Context) error { return c.learnWorkflows(ctx, agentID, model) }},
		{"contradictions", func(ctx context.Context) error { return c.resolveContradictions(ctx, agentID, model) }},
	}

	// Stages are independently failable: a failure skips the stage, the
	// rest still run, and whatever earlier stages committed stays.
	var failures []string
	for _, stage := range stages {
		run.StagesAttempted++
		if err := c.runStage(ctx, stage.run); err != nil {
			c.logger.Warn("%v", &errors.StageError{Stage: stage.name, AgentID: agentID, Err: err})
			c.metrics.RecordConsolidationStage(ctx, stage.name, "error")
			failures = append(failures, fmt.Sprintf("%s: %v", stage.name, err))
			continue
		}
		run.StagesCompleted++
		c.metrics.RecordConsolidationStage(ctx, stage.name, "success")
	}

	if len(failures) == 0 {
		if err := c.mem.MarkConsolidated(ctx, agentID); err != nil {
			failures = append(failures, fmt.Sprintf("mark consolidated: %v", err))
		}
	}
	run.Success = len(failures) == 0
	run.Error = strings.Join(failures, "; ")

	if after, err := c.mem.View(ctx, agentID); err == nil {
		run.After = countLayers(after)
	}

	c.finish(ctx, run)
	return run
}

// runStage executes one stage under panic recovery. A panic fails the stage
// like any error; it never takes down the worker.
func (c *Consolidator) runStage(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (c *Consolidator) finish(ctx context.Context, run *Run) {
	run.FinishedAt = c.clock.Now()
	duration := run.FinishedAt.Sub(run.StartedAt)
	c.metrics.RecordConsolidationRun(ctx, run.Success, duration)

	if run.Success {
		c.logger.Info("agent %s: consolidation run %s complete in %s (L1 %d->%d, L2 %d->%d, L3 %d->%d, L4 %d->%d)",
			run.AgentID, run.ID, duration.Round(time.Millisecond),
			run.Before.Working, run.After.Working,
			run.Before.Episodic, run.After.Episodic,
			run.Before.Semantic, run.After.Semantic,
			run.Before.Procedural, run.After.Procedural)
	} else {
		c.logger.Warn("agent %s: consolidation run %s failed after %d/%d stages: %s",
			run.AgentID, run.ID, run.StagesCompleted, run.StagesAttempted, run.Error)
	}

	c.mu.Lock()
	c.history = append(c.history, run)
	if len(c.history) > historyLimit {
		c.history = append([]*Run(nil), c.history[len(c.history)-historyLimit:]...)
	}
	c.mu.Unlock()
}

// History returns recorded runs, oldest first. An empty agentID returns
// runs for every agent.
func (c *Consolidator) History(agentID string) []*Run {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Run, 0, len(c.history))
	for _, run := range c.history {
		if agentID == "" || run.AgentID == agentID {
			out = append(out, run)
		}
	}
	return out
}

// LastRun returns the most recent run for the agent, or nil.
func (c *Consolidator) LastRun(agentID string) *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].AgentID == agentID {
			return c.history[i]
		}
	}
	return nil
}

func (c *Consolidator) acquire(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[agentID] {
		return false
	}
	c.active[agentID] = true
	return true
}

func (c *Consolidator) release(agentID string) {
	c.mu.Lock()
	delete(c.active, agentID)
	c.mu.Unlock()
}

func (c *Consolidator) ask(ctx context.Context, model ModelRef, prompt string) (string, error) {
	resp, err := c.broker.Complete(ctx, model.Provider, model.Model, ports.CompletionRequest{
		Messages:  []ports.Message{{Role: "user", Content: prompt}},
		MaxTokens: consolidationMaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func countLayers(snap *memory.Snapshot) LayerCounts {
	if snap == nil {
		return LayerCounts{}
	}
	return LayerCounts{
		Working:    len(snap.Interactions),
		Episodic:   len(snap.Episodes),
		Semantic:   len(snap.Semantic.Entities) + len(snap.Semantic.Facts) + len(snap.Semantic.Preferences),
		Procedural: len(snap.Workflows),
	}
}
