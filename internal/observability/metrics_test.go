package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuron/internal/logging"
)

func TestNewMetricsCollectorDisabled(t *testing.T) {
	collector, err := NewMetricsCollector(MetricsConfig{Enabled: false}, logging.Nop())
	require.NoError(t, err)
	require.NotNil(t, collector)

	// Every record method must be a no-op on a disabled collector.
	ctx := context.Background()
	collector.RecordLLMRequest(ctx, "openai", "gpt-4o", "success", 120*time.Millisecond, 100, 40)
	collector.RecordToolExecution(ctx, "shell", "success", 50*time.Millisecond)
	collector.RecordToolRefusal(ctx, "shell", "rate_limited")
	collector.RecordCacheLookup(ctx, "web_request", true)
	collector.ExecutionStarted(ctx)
	collector.ExecutionFinished(ctx)
	collector.RecordConsolidationRun(ctx, true, 2*time.Second)
	collector.RecordConsolidationStage(ctx, "compress", "success")
	collector.RecordTurn(ctx, "success")

	assert.NoError(t, collector.Shutdown(context.Background()))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var collector *MetricsCollector

	ctx := context.Background()
	collector.RecordLLMRequest(ctx, "openai", "gpt-4o", "error", time.Second, 0, 0)
	collector.RecordToolExecution(ctx, "read_file", "refused", 0)
	collector.RecordTurn(ctx, "error")
	assert.NoError(t, collector.Shutdown(ctx))
}

func TestNewMetricsCollectorEnabled(t *testing.T) {
	// Port 0 keeps the scrape endpoint out of the test entirely.
	collector, err := NewMetricsCollector(MetricsConfig{Enabled: true, PrometheusPort: 0}, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = collector.Shutdown(context.Background()) })

	ctx := context.Background()
	collector.RecordLLMRequest(ctx, "anthropic", "claude-3-5-sonnet", "success", 900*time.Millisecond, 512, 128)
	collector.RecordToolExecution(ctx, "shell", "success", 75*time.Millisecond)
	collector.ExecutionStarted(ctx)
	collector.ExecutionFinished(ctx)
	collector.RecordConsolidationRun(ctx, false, 4*time.Second)
	collector.RecordConsolidationStage(ctx, "dedup", "error")
	collector.RecordTurn(ctx, "success")
}
