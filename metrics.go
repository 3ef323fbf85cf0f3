package gardenpub

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"pkt.systems/gardenpub/internal/publish"
)

// publishMetrics records run outcomes as OpenTelemetry instruments.
type publishMetrics struct {
	runs       metric.Int64Counter
	duration   metric.Float64Histogram
	decisions  metric.Int64Counter
	conflicts  metric.Int64Counter
	contention metric.Int64Counter
}

func newPublishMetrics(provider metric.MeterProvider) (*publishMetrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter("pkt.systems/gardenpub")
	var (
		m   publishMetrics
		err error
	)
	if m.runs, err = meter.Int64Counter("gardenpub.publish.runs",
		metric.WithDescription("Publisher runs by outcome")); err != nil {
		return nil, fmt.Errorf("metrics: runs counter: %w", err)
	}
	if m.duration, err = meter.Float64Histogram("gardenpub.publish.duration",
		metric.WithDescription("Publisher run duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("metrics: duration histogram: %w", err)
	}
	if m.decisions, err = meter.Int64Counter("gardenpub.merge.decisions",
		metric.WithDescription("Merge decisions applied, by kind")); err != nil {
		return nil, fmt.Errorf("metrics: decisions counter: %w", err)
	}
	if m.conflicts, err = meter.Int64Counter("gardenpub.merge.conflicts",
		metric.WithDescription("Merge conflicts reported, by kind")); err != nil {
		return nil, fmt.Errorf("metrics: conflicts counter: %w", err)
	}
	if m.contention, err = meter.Int64Counter("gardenpub.lock.contention",
		metric.WithDescription("Runs refused because the lock was held")); err != nil {
		return nil, fmt.Errorf("metrics: contention counter: %w", err)
	}
	return &m, nil
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if kind := publish.KindOf(err); kind != 0 {
		return kind.String()
	}
	return "error"
}

// RunFinished implements publish.Observer.
func (m *publishMetrics) RunFinished(ctx context.Context, rep *publish.Report, err error) {
	target := []attribute.KeyValue{
		attribute.String("stage", rep.Stage),
		attribute.String("family", rep.Family),
	}
	runAttrs := append([]attribute.KeyValue{
		attribute.String("operation", string(rep.Operation)),
		attribute.String("outcome", outcome(err)),
		attribute.Bool("dry_run", rep.DryRun),
	}, target...)
	m.runs.Add(ctx, 1, metric.WithAttributes(runAttrs...))
	m.duration.Record(ctx, rep.Duration.Seconds(), metric.WithAttributes(runAttrs...))
	if publish.KindOf(err) == publish.KindLockContention {
		m.contention.Add(ctx, 1, metric.WithAttributes(target...))
	}
	if rep.Reached(publish.StateVerified) {
		for _, d := range rep.Result.Plan {
			m.decisions.Add(ctx, 1, metric.WithAttributes(append([]attribute.KeyValue{attribute.String("kind", d.Kind.String())}, target...)...))
		}
	}
	for _, c := range rep.Result.Conflicts {
		m.conflicts.Add(ctx, 1, metric.WithAttributes(append([]attribute.KeyValue{attribute.String("kind", string(c.Kind))}, target...)...))
	}
}
