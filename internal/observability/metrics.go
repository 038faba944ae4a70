package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"neuron/internal/logging"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector owns every runtime metric. All Record methods are safe
// on a disabled collector, so call sites never branch on configuration.
type MetricsCollector struct {
	meter metric.Meter

	// model broker
	llmRequests     metric.Int64Counter
	llmTokensInput  metric.Int64Counter
	llmTokensOutput metric.Int64Counter
	llmLatency      metric.Float64Histogram

	// tool execution
	toolExecutions   metric.Int64Counter
	toolDuration     metric.Float64Histogram
	toolRefusals     metric.Int64Counter
	executionsActive metric.Int64UpDownCounter
	cacheLookups     metric.Int64Counter

	// memory consolidation
	consolidationRuns     metric.Int64Counter
	consolidationStages   metric.Int64Counter
	consolidationDuration metric.Float64Histogram

	// chat surface
	turns     metric.Int64Counter
	fragments metric.Int64Counter

	prometheusServer *http.Server
	logger           logging.Logger
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector builds the collector and, when a port is set,
// starts the Prometheus scrape endpoint.
func NewMetricsCollector(config MetricsConfig, logger logging.Logger) (*MetricsCollector, error) {
	logger = logging.OrNop(logger)
	if !config.Enabled {
		return &MetricsCollector{logger: logger}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("neuron")

	m := &MetricsCollector{meter: meter, logger: logger}

	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
		unit        string
	}{
		{&m.llmRequests, "neuron.llm.requests.total", "Completion requests by provider, model, and status", "{request}"},
		{&m.llmTokensInput, "neuron.llm.tokens.input", "Prompt tokens sent to providers", "{token}"},
		{&m.llmTokensOutput, "neuron.llm.tokens.output", "Completion tokens returned by providers", "{token}"},
		{&m.toolExecutions, "neuron.tool.executions.total", "Tool executions by tool and status", "{execution}"},
		{&m.toolRefusals, "neuron.tool.refusals.total", "Tool calls refused before execution, by reason", "{refusal}"},
		{&m.cacheLookups, "neuron.tool.cache.lookups.total", "Result cache lookups by outcome", "{lookup}"},
		{&m.consolidationRuns, "neuron.consolidation.runs.total", "Memory consolidation runs by outcome", "{run}"},
		{&m.consolidationStages, "neuron.consolidation.stages.total", "Consolidation stage outcomes", "{stage}"},
		{&m.turns, "neuron.agent.turns.total", "Chat turns by agent outcome", "{turn}"},
		{&m.fragments, "neuron.agent.fragments.total", "Streamed response fragments delivered to callers", "{fragment}"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name,
			metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
		*c.target = counter
	}

	m.llmLatency, err = meter.Float64Histogram("neuron.llm.latency",
		metric.WithDescription("Completion latency in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create neuron.llm.latency: %w", err)
	}
	m.toolDuration, err = meter.Float64Histogram("neuron.tool.duration",
		metric.WithDescription("Tool execution wall time in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create neuron.tool.duration: %w", err)
	}
	m.executionsActive, err = meter.Int64UpDownCounter("neuron.tool.executions.active",
		metric.WithDescription("Tool executions currently running"), metric.WithUnit("{execution}"))
	if err != nil {
		return nil, fmt.Errorf("create neuron.tool.executions.active: %w", err)
	}
	m.consolidationDuration, err = meter.Float64Histogram("neuron.consolidation.duration",
		metric.WithDescription("Consolidation run wall time in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create neuron.consolidation.duration: %w", err)
	}

	if config.PrometheusPort > 0 {
		if err := m.startPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("start prometheus server: %w", err)
		}
	}
	return m, nil
}

func (m *MetricsCollector) startPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		m.logger.Info("prometheus metrics listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("prometheus server: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the scrape endpoint if one was started.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.prometheusServer == nil {
		return nil
	}
	return m.prometheusServer.Shutdown(ctx)
}

// RecordLLMRequest records one completion round trip.
func (m *MetricsCollector) RecordLLMRequest(ctx context.Context, provider, model, status string, latency time.Duration, inputTokens, outputTokens int) {
	if m == nil || m.llmRequests == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("status", status),
	}
	m.llmRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.llmTokensInput.Add(ctx, int64(inputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.llmTokensOutput.Add(ctx, int64(outputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.llmLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
}

// RecordToolExecution records a finished tool execution.
func (m *MetricsCollector) RecordToolExecution(ctx context.Context, tool, status string, duration time.Duration) {
	if m == nil || m.toolExecutions == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
		attribute.String("status", status),
	}
	m.toolExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordToolRefusal counts a call rejected before it ran: permission
// denied, rate limited, concurrency exhausted, validation failed.
func (m *MetricsCollector) RecordToolRefusal(ctx context.Context, tool, reason string) {
	if m == nil || m.toolRefusals == nil {
		return
	}
	m.toolRefusals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("reason", reason),
	))
}

// RecordCacheLookup counts a result-cache probe.
func (m *MetricsCollector) RecordCacheLookup(ctx context.Context, tool string, hit bool) {
	if m == nil || m.cacheLookups == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	))
}

// ExecutionStarted and ExecutionFinished bracket a running execution.
func (m *MetricsCollector) ExecutionStarted(ctx context.Context) {
	if m == nil || m.executionsActive == nil {
		return
	}
	m.executionsActive.Add(ctx, 1)
}

func (m *MetricsCollector) ExecutionFinished(ctx context.Context) {
	if m == nil || m.executionsActive == nil {
		return
	}
	m.executionsActive.Add(ctx, -1)
}

// RecordConsolidationRun records a full consolidation pass.
func (m *MetricsCollector) RecordConsolidationRun(ctx context.Context, success bool, duration time.Duration) {
	if m == nil || m.consolidationRuns == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.consolidationRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.consolidationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordConsolidationStage records one stage outcome within a run.
func (m *MetricsCollector) RecordConsolidationStage(ctx context.Context, stage, status string) {
	if m == nil || m.consolidationStages == nil {
		return
	}
	m.consolidationStages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	))
}

// RecordTurn records a completed chat turn.
func (m *MetricsCollector) RecordTurn(ctx context.Context, status string) {
	if m == nil || m.turns == nil {
		return
	}
	m.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordStreamFragment counts one fragment delivered to a chat caller.
func (m *MetricsCollector) RecordStreamFragment(ctx context.Context) {
	if m == nil || m.fragments == nil {
		return
	}
	m.fragments.Add(ctx, 1)
}
