package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sum(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	s, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", agg)
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_RecordsInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.FramePushed(ctx, "Wait")
	m.FramePushed(ctx, "TurnIn")
	m.JobPosted(ctx)
	m.QueryLaunched(ctx, 0)
	m.QueryLaunched(ctx, 1)
	m.QueryResolved(ctx, true)
	m.HumanReleased(ctx)
	m.HumanExited(ctx)
	m.DecisionTook(ctx, "threshold", 3*time.Millisecond)

	got := collect(t, reader)
	assert.Equal(t, int64(2), sum(t, got["labelmesh.frames.pushed"]))
	assert.Equal(t, int64(1), sum(t, got["labelmesh.jobs.posted"]))
	assert.Equal(t, int64(2), sum(t, got["labelmesh.queries.launched"]))
	assert.Equal(t, int64(1), sum(t, got["labelmesh.queries.resolved"]))
	assert.Equal(t, int64(1), sum(t, got["labelmesh.queries.active"]))
	assert.Equal(t, int64(1), sum(t, got["labelmesh.humans.released"]))
	assert.Equal(t, int64(1), sum(t, got["labelmesh.humans.exited"]))

	hist, ok := got["labelmesh.policy.decision.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestMetrics_DefaultsToGlobalMeter(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() { m.JobPosted(context.Background()) })
}
