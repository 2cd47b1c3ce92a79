// Package observability wires the optional ops surface: an OpenTelemetry
// meter exported through Prometheus, an OTLP/HTTP tracer, and a small gin
// server carrying /healthz, /metrics and read-only run queries.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/notfolder/coding-agent/internal/config"
	"github.com/notfolder/coding-agent/internal/logging"
	"github.com/notfolder/coding-agent/internal/taskdb"
)

// Recorder bundles the meter, tracer and ops server behind nil-safe methods.
// The zero value records nothing and serves nothing, so callers hold one
// unconditionally and never branch on whether ops is enabled.
type Recorder struct {
	metrics *Metrics
	traces  *tracing
	ops     *opsServer
	logger  logging.Logger
}

// New assembles the pieces cfg enables. With cfg.Enabled false it returns a
// Recorder whose every method is a no-op.
func New(ctx context.Context, cfg config.OpsConfig, db TaskLister, logger logging.Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return &Recorder{}, nil
	}
	logger = logging.OrNop(logger)

	metrics, err := newMetrics()
	if err != nil {
		return nil, err
	}
	traces, err := newTracing(ctx, cfg.TraceEndpoint)
	if err != nil {
		return nil, err
	}
	addr := cfg.Addr
	if addr == "" {
		addr = ":9090"
	}
	return &Recorder{
		metrics: metrics,
		traces:  traces,
		ops:     newOpsServer(addr, db, logger),
		logger:  logger,
	}, nil
}

// Start brings up the ops endpoint in the background.
func (r *Recorder) Start() {
	if r == nil || r.ops == nil {
		return
	}
	r.logger.Info("ops server listening on %s", r.ops.server.Addr)
	r.ops.start()
}

// Shutdown stops the ops endpoint and flushes both exporters.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var first error
	if r.ops != nil {
		if err := r.ops.shutdown(ctx); err != nil {
			first = err
		}
	}
	if err := r.traces.shutdown(ctx); err != nil && first == nil {
		first = err
	}
	if err := r.metrics.shutdown(ctx); err != nil && first == nil {
		first = err
	}
	return first
}

// StartTask opens a span for one run. The returned func records the outcome
// and ends the span; it is never nil.
func (r *Recorder) StartTask(ctx context.Context, key string) (context.Context, func(outcome string)) {
	if r == nil || r.traces == nil || r.traces.tracer == nil {
		return ctx, func(string) {}
	}
	ctx, span := r.traces.tracer.Start(ctx, spanTask,
		trace.WithAttributes(attribute.String(attrTaskKey, key)))
	return ctx, func(outcome string) {
		span.SetAttributes(attribute.String(attrOutcome, outcome))
		span.End()
	}
}

// TaskDone records one finalized run and folds its counters into the meter.
func (r *Recorder) TaskDone(ctx context.Context, source, outcome string, d time.Duration, counters taskdb.Counters) {
	if r == nil {
		return
	}
	r.metrics.TaskDone(ctx, source, outcome, d, counters)
}

// PhaseDone records the wall time of one coordinator phase.
func (r *Recorder) PhaseDone(ctx context.Context, phase string, d time.Duration) {
	if r == nil {
		return
	}
	r.metrics.PhaseDone(ctx, phase, d)
}
