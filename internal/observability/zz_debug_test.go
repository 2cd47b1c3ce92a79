package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"

	"github.com/notfolder/coding-agent/internal/taskdb"
)

func TestZZDebugGatherNames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := newMetrics(promexporter.WithRegisterer(reg))
	if err != nil {
		t.Fatalf("newMetrics: %v", err)
	}
	t.Cleanup(func() { _ = m.shutdown(context.Background()) })

	ctx := context.Background()
	m.TaskDone(ctx, "github", "completed", 3*time.Second, taskdb.Counters{
		LLMCalls: 7, ToolCalls: 3, TotalTokens: 900, Compressions: 1,
	})
	m.PhaseDone(ctx, "planning", 1500*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	t.Logf("family count: %d", len(families))
	for _, mf := range families {
		t.Logf("family: %q type=%v metrics=%d", mf.GetName(), mf.GetType(), len(mf.GetMetric()))
	}
}
