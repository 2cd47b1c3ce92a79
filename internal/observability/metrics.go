package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/notfolder/coding-agent/internal/taskdb"
)

// Metrics holds the instrument set. All record methods are safe on a nil or
// zero Metrics, so disabled deployments carry no conditionals at call sites.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	tasks        metric.Int64Counter
	taskSeconds  metric.Float64Histogram
	phaseSeconds metric.Float64Histogram
	llmCalls     metric.Int64Counter
	llmTokens    metric.Int64Counter
	toolCalls    metric.Int64Counter
	compressions metric.Int64Counter
}

// newMetrics wires the otel meter through the Prometheus exporter. Options
// exist so tests can supply their own registry.
func newMetrics(opts ...promexporter.Option) (*Metrics, error) {
	exporter, err := promexporter.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("coding-agent")

	m := &Metrics{provider: provider}
	if m.tasks, err = meter.Int64Counter(
		"coding_agent.tasks.processed.total",
		metric.WithDescription("Tasks finalized, by source and outcome"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, fmt.Errorf("create tasks counter: %w", err)
	}
	if m.taskSeconds, err = meter.Float64Histogram(
		"coding_agent.task.duration",
		metric.WithDescription("Wall time of one task run"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create task duration histogram: %w", err)
	}
	if m.phaseSeconds, err = meter.Float64Histogram(
		"coding_agent.phase.duration",
		metric.WithDescription("Wall time of one coordinator phase"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create phase duration histogram: %w", err)
	}
	if m.llmCalls, err = meter.Int64Counter(
		"coding_agent.llm.calls.total",
		metric.WithDescription("Model calls made on behalf of finalized tasks"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, fmt.Errorf("create llm calls counter: %w", err)
	}
	if m.llmTokens, err = meter.Int64Counter(
		"coding_agent.llm.tokens.total",
		metric.WithDescription("Estimated tokens recorded in the context ledger"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("create llm tokens counter: %w", err)
	}
	if m.toolCalls, err = meter.Int64Counter(
		"coding_agent.tool.calls.total",
		metric.WithDescription("Tool dispatches made on behalf of finalized tasks"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, fmt.Errorf("create tool calls counter: %w", err)
	}
	if m.compressions, err = meter.Int64Counter(
		"coding_agent.context.compressions.total",
		metric.WithDescription("Context window compressions"),
		metric.WithUnit("{compression}"),
	); err != nil {
		return nil, fmt.Errorf("create compressions counter: %w", err)
	}
	return m, nil
}

// TaskDone records one finalized task and folds its run counters in.
func (m *Metrics) TaskDone(ctx context.Context, source, outcome string, d time.Duration, counters taskdb.Counters) {
	if m == nil || m.tasks == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	)
	srcAttr := metric.WithAttributes(attribute.String("source", source))

	m.tasks.Add(ctx, 1, attrs)
	m.taskSeconds.Record(ctx, d.Seconds(), attrs)
	m.llmCalls.Add(ctx, int64(counters.LLMCalls), srcAttr)
	m.llmTokens.Add(ctx, counters.TotalTokens, srcAttr)
	m.toolCalls.Add(ctx, int64(counters.ToolCalls), srcAttr)
	m.compressions.Add(ctx, int64(counters.Compressions), srcAttr)
}

// PhaseDone records the wall time of one completed coordinator phase.
func (m *Metrics) PhaseDone(ctx context.Context, phase string, d time.Duration) {
	if m == nil || m.phaseSeconds == nil {
		return
	}
	m.phaseSeconds.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("phase", phase)))
}

func (m *Metrics) shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
