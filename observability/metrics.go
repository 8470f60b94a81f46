// Package observability exposes OpenTelemetry instruments for live episodes.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the meter name used when none is supplied.
const InstrumentationName = "github.com/hupe1980/labelmesh"

// Metrics groups the orchestrator's instruments. A nil *Metrics records
// nothing.
type Metrics struct {
	frames        metric.Int64Counter
	queries       metric.Int64Counter
	resolutions   metric.Int64Counter
	postings      metric.Int64Counter
	releases      metric.Int64Counter
	exits         metric.Int64Counter
	decisionTime  metric.Float64Histogram
	activeQueries metric.Int64UpDownCounter
}

// New builds the instruments on meter. A nil meter uses the global provider.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	m := &Metrics{}
	var err error

	if m.frames, err = meter.Int64Counter("labelmesh.frames.pushed",
		metric.WithDescription("Frames pushed onto live episodes"),
		metric.WithUnit("{frame}"),
	); err != nil {
		return nil, fmt.Errorf("frames counter: %w", err)
	}
	if m.queries, err = meter.Int64Counter("labelmesh.queries.launched",
		metric.WithDescription("Queries sent to annotators"),
		metric.WithUnit("{query}"),
	); err != nil {
		return nil, fmt.Errorf("queries counter: %w", err)
	}
	if m.resolutions, err = meter.Int64Counter("labelmesh.queries.resolved",
		metric.WithDescription("Queries answered or failed"),
		metric.WithUnit("{query}"),
	); err != nil {
		return nil, fmt.Errorf("resolutions counter: %w", err)
	}
	if m.postings, err = meter.Int64Counter("labelmesh.jobs.posted",
		metric.WithDescription("Job postings sent to the marketplace"),
		metric.WithUnit("{posting}"),
	); err != nil {
		return nil, fmt.Errorf("postings counter: %w", err)
	}
	if m.releases, err = meter.Int64Counter("labelmesh.humans.released",
		metric.WithDescription("Annotators released by the policy"),
		metric.WithUnit("{human}"),
	); err != nil {
		return nil, fmt.Errorf("releases counter: %w", err)
	}
	if m.exits, err = meter.Int64Counter("labelmesh.humans.exited",
		metric.WithDescription("Annotators that disconnected"),
		metric.WithUnit("{human}"),
	); err != nil {
		return nil, fmt.Errorf("exits counter: %w", err)
	}
	if m.decisionTime, err = meter.Float64Histogram("labelmesh.policy.decision.duration",
		metric.WithDescription("Time spent choosing a move"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0),
	); err != nil {
		return nil, fmt.Errorf("decision histogram: %w", err)
	}
	if m.activeQueries, err = meter.Int64UpDownCounter("labelmesh.queries.active",
		metric.WithDescription("Queries currently awaiting an answer"),
		metric.WithUnit("{query}"),
	); err != nil {
		return nil, fmt.Errorf("active queries counter: %w", err)
	}
	return m, nil
}

// FramePushed counts one frame of the given kind.
func (m *Metrics) FramePushed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// QueryLaunched counts a query about variable.
func (m *Metrics) QueryLaunched(ctx context.Context, variable int) {
	if m == nil {
		return
	}
	m.queries.Add(ctx, 1, metric.WithAttributes(attribute.Int("variable", variable)))
	m.activeQueries.Add(ctx, 1)
}

// QueryResolved counts an answer (ok) or a failure.
func (m *Metrics) QueryResolved(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "response"
	}
	m.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.activeQueries.Add(ctx, -1)
}

// JobPosted counts a job posting.
func (m *Metrics) JobPosted(ctx context.Context) {
	if m != nil {
		m.postings.Add(ctx, 1)
	}
}

// HumanReleased counts a release.
func (m *Metrics) HumanReleased(ctx context.Context) {
	if m != nil {
		m.releases.Add(ctx, 1)
	}
}

// HumanExited counts a disconnect.
func (m *Metrics) HumanExited(ctx context.Context) {
	if m != nil {
		m.exits.Add(ctx, 1)
	}
}

// DecisionTook records how long policy took to decide.
func (m *Metrics) DecisionTook(ctx context.Context, policy string, d time.Duration) {
	if m == nil {
		return
	}
	m.decisionTime.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("policy", policy)))
}
