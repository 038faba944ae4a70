// Package tools executes tool calls under governance: schema and permission
// validation before any allocation, rate and concurrency ceilings, an
// optional confirmation gate, and dispatch by sandbox tier with resource
// accounting on every path.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"neuron/internal/agent/ports"
	"neuron/internal/async"
	"neuron/internal/errors"
	"neuron/internal/logging"
	"neuron/internal/observability"
	"neuron/internal/toolregistry"
)

const (
	defaultRunTimeout  = 30 * time.Second
	sandboxTeardownTTL = 10 * time.Second
)

// sandboxAcquireRetry backs off on transient sandbox creation failures.
// Runs and teardowns are never retried.
var sandboxAcquireRetry = errors.RetryConfig{
	MaxAttempts:  2,
	BaseDelay:    200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	JitterFactor: 0.25,
}

// Request describes one tool invocation.
type Request struct {
	ToolName string
	Params   map[string]any
	Caller   toolregistry.Caller

	// SandboxID reuses an existing sandbox instead of creating one. The
	// caller keeps ownership; the executor will not destroy it.
	SandboxID string

	// DryRun validates and previews without side effects.
	DryRun bool

	// Timeout overrides the tool's estimated-duration hint.
	Timeout time.Duration

	// ConfirmExpiry bounds the confirmation wait. Zero waits indefinitely.
	ConfirmExpiry time.Duration
}

// Runner is the execution surface the orchestrator and the API depend on.
type Runner interface {
	Execute(ctx context.Context, req Request) (*Execution, error)
	Confirm(ctx context.Context, executionID, decidedBy string, approve bool) error
}

// Previewer is implemented by tools that can describe what an execution
// would change without performing it. Preview must be side-effect free.
type Previewer interface {
	Preview(ctx context.Context, call ports.ToolCall) (string, error)
}

// SandboxRunnable is implemented by tools whose work happens inside a
// sandbox subprocess rather than in process.
type SandboxRunnable interface {
	RunSpec(call ports.ToolCall) (ports.RunSpec, error)
}

// Options wires the executor's collaborators. Registry, ledger, and limiter
// are required; everything else degrades to a safe default.
type Options struct {
	Store   ExecutionStore
	Sandbox ports.SandboxProvider // tier 1
	Remote  ports.SandboxProvider // tier 2; nil delegates to tier 0
	Clock   ports.Clock
	Audit   ports.AuditSink
	Metrics *observability.MetricsCollector
	Logger  logging.Logger

	DefaultTimeout time.Duration

	// OnTransition observes every status change with a copy of the record.
	OnTransition func(Execution)
}

// Executor runs tools through the full governance pipeline.
type Executor struct {
	registry *toolregistry.Registry
	ledger   *toolregistry.Ledger
	limiter  *toolregistry.RateLimiter
	store    ExecutionStore
	sandbox  ports.SandboxProvider
	remote   ports.SandboxProvider
	clock    ports.Clock
	audit    ports.AuditSink
	metrics  *observability.MetricsCollector
	logger   logging.Logger

	defaultTimeout time.Duration
	onTransition   func(Execution)

	mu      sync.Mutex
	sems    map[string]*semaphore.Weighted
	waiters map[string]chan confirmDecision
}

type confirmDecision struct {
	approve bool
	by      string
}

// accounting carries per-run resource usage back to the record.
type accounting struct {
	cpuMS     int64
	memPeak   int64
	sandboxID string
}

// NewExecutor builds an executor over a registry, permission ledger, and
// rate limiter.
func NewExecutor(registry *toolregistry.Registry, ledger *toolregistry.Ledger, limiter *toolregistry.RateLimiter, opts Options) (*Executor, error) {
	if registry == nil || ledger == nil || limiter == nil {
		return nil, errors.NewConfigError("executor", "registry, ledger, and rate limiter are required")
	}

	store := opts.Store
	if store == nil {
		store = NewMemoryExecutionStore()
	}
	clock := opts.Clock
	if clock == nil {
		clock = ports.SystemClock()
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}

	return &Executor{
		registry:       registry,
		ledger:         ledger,
		limiter:        limiter,
		store:          store,
		sandbox:        opts.Sandbox,
		remote:         opts.Remote,
		clock:          clock,
		audit:          opts.Audit,
		metrics:        opts.Metrics,
		logger:         logging.OrNop(opts.Logger),
		defaultTimeout: timeout,
		onTransition:   opts.OnTransition,
		sems:           make(map[string]*semaphore.Weighted),
		waiters:        make(map[string]chan confirmDecision),
	}, nil
}

// Execute runs one tool call. Refusals before a record exists (unknown tool,
// invalid params, missing permission, rate ceiling) return a nil record with
// the classifying error; once a record is created it is returned alongside
// any error so callers can inspect the final status.
func (e *Executor) Execute(ctx context.Context, req Request) (*Execution, error) {
	if req.ToolName == "" {
		return nil, errors.NewValidationError("tool", "tool name is required")
	}

	tool, err := e.registry.Get(req.ToolName)
	if err != nil {
		e.refuse(ctx, req.ToolName, "unknown_tool")
		return nil, err
	}
	md := tool.Metadata()

	if !md.Enabled || md.Deprecated {
		e.refuse(ctx, md.Name, "disabled")
		return nil, errors.NewValidationError(md.Name, "tool is disabled")
	}
	if md.PrivacyTier > req.Caller.PrivacyTier {
		e.refuse(ctx, md.Name, "privacy_tier")
		return nil, errors.NewPermissionError(req.Caller.UserID, req.Caller.AgentID, md.Name,
			"tool requires privacy tier %s, caller is %s", md.PrivacyTier, req.Caller.PrivacyTier)
	}

	if err := ValidateParams(tool.Definition().Parameters, req.Params); err != nil {
		e.refuse(ctx, md.Name, "validation")
		return nil, err
	}

	perm, err := e.ledger.Check(ctx, req.Caller.UserID, req.Caller.AgentID, md.Name)
	if err != nil {
		e.refuse(ctx, md.Name, "permission")
		return nil, err
	}
	if err := perm.CheckParams(req.Params); err != nil {
		e.refuse(ctx, md.Name, "parameter_policy")
		return nil, err
	}

	if req.DryRun {
		return e.dryRun(ctx, tool, req)
	}

	if err := e.limiter.Check(ctx, req.Caller.AgentID, md.Name); err != nil {
		e.refuse(ctx, md.Name, "rate_limit")
		return nil, err
	}

	exec := e.newExecution(req)
	if err := e.saveTransition(ctx, exec); err != nil {
		return nil, err
	}

	if md.RequiresConfirmation || perm.RequireConfirmation {
		if err := e.awaitConfirmation(ctx, exec, req.ConfirmExpiry); err != nil {
			return exec, err
		}
	}

	if sem := e.semaphoreFor(md.Name, md.MaxConcurrent); sem != nil {
		if !sem.TryAcquire(1) {
			satErr := &errors.RateLimitError{Tool: md.Name, Window: "concurrent execution", Limit: md.MaxConcurrent}
			e.finish(ctx, exec, StatusFailed, "", satErr, accounting{})
			return exec, satErr
		}
		defer sem.Release(1)
	}

	// The grant's usage counters move only when the execution actually
	// begins; a concurrent cap race is decided here, atomically.
	if _, err := e.ledger.ConsumeUse(ctx, req.Caller.UserID, req.Caller.AgentID, md.Name); err != nil {
		e.finish(ctx, exec, StatusFailed, "", err, accounting{})
		return exec, err
	}

	e.markRunning(ctx, exec)
	e.metrics.ExecutionStarted(ctx)
	defer e.metrics.ExecutionFinished(ctx)

	output, acct, runErr := e.dispatch(ctx, tool, md, req, exec.ID)
	if runErr != nil {
		e.finish(ctx, exec, StatusFailed, output, runErr, acct)
		return exec, runErr
	}
	e.finish(ctx, exec, StatusSuccess, output, nil, acct)
	return exec, nil
}

// Confirm resolves an execution parked in awaiting_confirmation. Approval
// resumes it; denial cancels it.
func (e *Executor) Confirm(ctx context.Context, executionID, decidedBy string, approve bool) error {
	e.mu.Lock()
	ch, ok := e.waiters[executionID]
	if ok {
		delete(e.waiters, executionID)
	}
	e.mu.Unlock()

	if !ok {
		return errors.NewValidationError("execution_id", "no execution awaiting confirmation: %s", executionID)
	}
	ch <- confirmDecision{approve: approve, by: decidedBy}
	return nil
}

// Execution returns the stored record for an id.
func (e *Executor) Execution(ctx context.Context, id string) (*Execution, error) {
	return e.store.Get(ctx, id)
}

// Executions lists an agent's records, newest first.
func (e *Executor) Executions(ctx context.Context, agentID string, limit int) ([]*Execution, error) {
	return e.store.ListByAgent(ctx, agentID, limit)
}

func (e *Executor) newExecution(req Request) *Execution {
	return &Execution{
		ID:        ulid.Make().String(),
		AgentID:   req.Caller.AgentID,
		UserID:    req.Caller.UserID,
		ToolName:  req.ToolName,
		Status:    StatusPending,
		Input:     req.Params,
		CreatedAt: e.clock.Now(),
	}
}

// dryRun validates only; no sandbox, no rate or usage movement. Tools that
// implement Previewer contribute a preview of what a real run would change.
func (e *Executor) dryRun(ctx context.Context, tool ports.ToolExecutor, req Request) (*Execution, error) {
	exec := e.newExecution(req)
	exec.DryRun = true

	output := fmt.Sprintf(`{"dry_run":true,"tool":%q,"valid":true}`, req.ToolName)
	if previewer, ok := tool.(Previewer); ok {
		call := ports.ToolCall{ID: exec.ID, Name: req.ToolName, Arguments: req.Params}
		preview, err := previewer.Preview(ctx, call)
		if err != nil {
			if saveErr := e.saveTransition(ctx, exec); saveErr != nil {
				return nil, saveErr
			}
			e.finish(ctx, exec, StatusFailed, "", err, accounting{})
			return exec, err
		}
		output = preview
	}

	if err := e.saveTransition(ctx, exec); err != nil {
		return nil, err
	}
	e.finish(ctx, exec, StatusSuccess, output, nil, accounting{})
	return exec, nil
}

// awaitConfirmation parks the execution until Confirm is called, the
// caller's expiry lapses, or the context ends. Only approval returns nil.
func (e *Executor) awaitConfirmation(ctx context.Context, exec *Execution, expiry time.Duration) error {
	exec.RequiredConfirmation = true
	exec.Status = StatusAwaitingConfirmation
	if err := e.saveTransition(ctx, exec); err != nil {
		return err
	}

	ch := make(chan confirmDecision, 1)
	e.mu.Lock()
	e.waiters[exec.ID] = ch
	e.mu.Unlock()

	var expired <-chan time.Time
	if expiry > 0 {
		timer := time.NewTimer(expiry)
		defer timer.Stop()
		expired = timer.C
	}

	cancel := func(reason error) error {
		e.mu.Lock()
		delete(e.waiters, exec.ID)
		e.mu.Unlock()
		e.finish(ctx, exec, StatusCancelled, "", reason, accounting{})
		return reason
	}

	select {
	case decision := <-ch:
		if !decision.approve {
			now := e.clock.Now()
			exec.ConfirmedAt = &now
			exec.ConfirmedBy = decision.by
			denied := errors.NewPermissionError(exec.UserID, exec.AgentID, exec.ToolName, "confirmation denied")
			e.finish(ctx, exec, StatusCancelled, "", denied, accounting{})
			e.recordAudit(ctx, decision.by, "confirm", exec.ToolName, "denied", map[string]any{"execution_id": exec.ID})
			return denied
		}
		now := e.clock.Now()
		exec.ConfirmedAt = &now
		exec.ConfirmedBy = decision.by
		e.recordAudit(ctx, decision.by, "confirm", exec.ToolName, "approved", map[string]any{"execution_id": exec.ID})
		return nil

	case <-expired:
		return cancel(errors.NewPermissionError(exec.UserID, exec.AgentID, exec.ToolName,
			"confirmation not received within %s", expiry))

	case <-ctx.Done():
		return cancel(fmt.Errorf("confirmation wait cancelled: %w", ctx.Err()))
	}
}

func (e *Executor) dispatch(ctx context.Context, tool ports.ToolExecutor, md ports.ToolMetadata, req Request, execID string) (string, accounting, error) {
	timeout := e.effectiveTimeout(req, md)
	call := ports.ToolCall{ID: execID, Name: md.Name, Arguments: req.Params}

	switch md.SandboxTier {
	case ports.SandboxIsolated:
		return e.runSandboxed(ctx, e.sandbox, tool, md, req, call, timeout)
	case ports.SandboxRemote:
		if e.remote != nil {
			return e.runSandboxed(ctx, e.remote, tool, md, req, call, timeout)
		}
		// No remote runner configured; run in process instead.
		return e.runInProcess(ctx, tool, md, call, timeout)
	default:
		return e.runInProcess(ctx, tool, md, call, timeout)
	}
}

// runInProcess invokes the tool's handler directly, bounded by the timeout.
// Handler panics fail only this execution.
func (e *Executor) runInProcess(ctx context.Context, tool ports.ToolExecutor, md ports.ToolMetadata, call ports.ToolCall, timeout time.Duration) (string, accounting, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *ports.ToolResult
		err    error
	}
	done := make(chan outcome, 1)

	async.Go(e.logger, "tool "+md.Name, func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		result, err := tool.Execute(runCtx, call)
		done <- outcome{result: result, err: err}
	})

	select {
	case out := <-done:
		if out.err != nil {
			return "", accounting{}, out.err
		}
		if out.result == nil {
			return "", accounting{}, fmt.Errorf("tool %s returned no result", md.Name)
		}
		if out.result.Error != nil {
			return out.result.Content, accounting{}, out.result.Error
		}
		return out.result.Content, accounting{}, nil

	case <-runCtx.Done():
		if err := ctx.Err(); err != nil {
			return "", accounting{}, fmt.Errorf("execution cancelled: %w", err)
		}
		return "", accounting{}, &errors.TimeoutError{Tool: md.Name, Timeout: timeout}
	}
}

// runSandboxed provisions a sandbox (unless the request brought one), runs
// the tool's spec in it, and tears it down on every path including timeout
// and panic. Only acquisition retries; runs and teardowns never do.
func (e *Executor) runSandboxed(ctx context.Context, provider ports.SandboxProvider, tool ports.ToolExecutor, md ports.ToolMetadata, req Request, call ports.ToolCall, timeout time.Duration) (string, accounting, error) {
	var acct accounting

	if provider == nil {
		return "", acct, errors.NewConfigError("executor.sandbox", "tool %s needs a sandbox but no provider is configured", md.Name)
	}
	runnable, ok := tool.(SandboxRunnable)
	if !ok {
		return "", acct, errors.NewValidationError(md.Name, "tool declares sandbox tier %d but produces no run spec", int(md.SandboxTier))
	}
	spec, err := runnable.RunSpec(call)
	if err != nil {
		return "", acct, err
	}

	sandboxID := req.SandboxID
	owned := sandboxID == ""
	if owned {
		limits := ports.ResourceLimits{
			MemoryMB:  md.EstimatedMemoryMB,
			TimeoutMS: int(timeout / time.Millisecond),
		}
		sandboxID, err = errors.RetryWithResult(ctx, sandboxAcquireRetry, e.logger, func(ctx context.Context) (string, error) {
			return provider.Create(ctx, limits)
		})
		if err != nil {
			return "", acct, fmt.Errorf("sandbox create: %w", err)
		}
	}
	acct.sandboxID = sandboxID

	if owned {
		defer func() {
			// Teardown gets its own deadline so an expired run context
			// cannot leak the sandbox.
			dctx, cancel := context.WithTimeout(context.Background(), sandboxTeardownTTL)
			defer cancel()
			if derr := provider.Destroy(dctx, sandboxID); derr != nil {
				e.logger.Warn("sandbox %s destroy failed: %v", sandboxID, derr)
			}
		}()
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, runErr := provider.Run(runCtx, sandboxID, spec)
	if result != nil {
		acct.cpuMS = result.CPUTimeMS
		acct.memPeak = result.MemoryPeakBytes
	}
	if runErr != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			return "", acct, &errors.TimeoutError{Tool: md.Name, Timeout: timeout}
		}
		return "", acct, runErr
	}

	output := encodeRunResult(result)
	if result.ExitCode != 0 {
		return output, acct, fmt.Errorf("command exited with status %d", result.ExitCode)
	}
	return output, acct, nil
}

func encodeRunResult(result *ports.RunResult) string {
	payload := map[string]any{
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"exit_code": result.ExitCode,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return result.Stdout
	}
	return string(raw)
}

func (e *Executor) effectiveTimeout(req Request, md ports.ToolMetadata) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if md.EstimatedDurationMS > 0 {
		return time.Duration(md.EstimatedDurationMS) * time.Millisecond
	}
	return e.defaultTimeout
}

// semaphoreFor returns the per-tool concurrency gate, or nil when the tool
// sets no ceiling.
func (e *Executor) semaphoreFor(name string, ceiling int) *semaphore.Weighted {
	if ceiling <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	sem, ok := e.sems[name]
	if !ok {
		sem = semaphore.NewWeighted(int64(ceiling))
		e.sems[name] = sem
	}
	return sem
}

func (e *Executor) markRunning(ctx context.Context, exec *Execution) {
	now := e.clock.Now()
	exec.Status = StatusRunning
	exec.StartedAt = &now
	if err := e.saveTransition(ctx, exec); err != nil {
		e.logger.Warn("execution %s: save running state: %v", exec.ID, err)
	}
}

func (e *Executor) saveTransition(ctx context.Context, exec *Execution) error {
	if err := e.store.Save(ctx, exec); err != nil {
		return err
	}
	if e.onTransition != nil {
		e.onTransition(*exec.Clone())
	}
	return nil
}

// finish stamps the terminal state, accounting, and observability for one
// execution.
func (e *Executor) finish(ctx context.Context, exec *Execution, status Status, output string, runErr error, acct accounting) {
	now := e.clock.Now()
	exec.Status = status
	exec.Output = output
	if runErr != nil {
		exec.Error = runErr.Error()
	}
	exec.CompletedAt = &now
	if exec.StartedAt != nil {
		exec.DurationMS = now.Sub(*exec.StartedAt).Milliseconds()
	} else {
		exec.DurationMS = now.Sub(exec.CreatedAt).Milliseconds()
	}
	exec.CPUTimeMS = acct.cpuMS
	exec.MemoryPeakBytes = acct.memPeak
	exec.SandboxID = acct.sandboxID

	if err := e.saveTransition(ctx, exec); err != nil {
		e.logger.Warn("execution %s: save terminal state: %v", exec.ID, err)
	}

	duration := time.Duration(exec.DurationMS) * time.Millisecond
	e.metrics.RecordToolExecution(ctx, exec.ToolName, string(status), duration)
	e.recordAudit(ctx, exec.UserID, "execute", exec.ToolName, string(status), map[string]any{
		"execution_id": exec.ID,
		"agent_id":     exec.AgentID,
		"dry_run":      exec.DryRun,
	})
	e.logger.Info("execution %s finished: tool=%s status=%s duration=%dms", exec.ID, exec.ToolName, status, exec.DurationMS)
}

func (e *Executor) refuse(ctx context.Context, tool, reason string) {
	e.metrics.RecordToolRefusal(ctx, tool, reason)
}

func (e *Executor) recordAudit(ctx context.Context, actor, action, resource, result string, details map[string]any) {
	if e.audit == nil {
		return
	}
	e.audit.Record(ctx, ports.AuditEvent{
		Category:  ports.AuditCategoryExecution,
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		Result:    result,
		Timestamp: e.clock.Now(),
		Details:   details,
	})
}

var _ Runner = (*Executor)(nil)
