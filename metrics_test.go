package gardenpub

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"pkt.systems/gardenpub/internal/catalog"
	"pkt.systems/gardenpub/internal/publish"
)

func newMeteredService(t *testing.T) (*Service, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(reg))
	if err != nil {
		t.Fatalf("exporter: %v", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	svc, _ := newTestService(t, Config{})
	metrics, err := newPublishMetrics(provider)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	svc.metrics = metrics
	return svc, reg
}

// counterValue sums the counter samples of name whose labels include want.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	samples:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue samples
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestPublishMetrics(t *testing.T) {
	svc, reg := newMeteredService(t)
	ctx := context.Background()

	local := catalog.Catalog{entry("a", "1.0.0", "1.0.0", "2.0.0"), entry("b", "1.0.0", "", "")}
	if _, err := svc.Publish(ctx, PublishRequest{Stage: "dev", Family: "apps", Local: local}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	conflicting := catalog.Catalog{entry("a", "1.1.0", "1.5.0", "3.0.0")}
	_, err := svc.Publish(ctx, PublishRequest{Stage: "dev", Family: "apps", Local: conflicting})
	if publish.KindOf(err) != publish.KindMergeConflict {
		t.Fatalf("expected merge conflict, got %v", err)
	}

	count, err := testutil.GatherAndCount(reg, "gardenpub_publish_runs_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected one runs series per outcome, got %d", count)
	}
	if n, err := testutil.GatherAndCount(reg, "gardenpub_merge_conflicts_total"); err != nil || n != 1 {
		t.Fatalf("conflicts series = %d, %v", n, err)
	}

	if got := counterValue(t, reg, "gardenpub_merge_decisions_total", map[string]string{"kind": "INSERT", "stage": "dev"}); got != 2 {
		t.Fatalf("insert decisions = %v", got)
	}
	if got := counterValue(t, reg, "gardenpub_publish_runs_total", map[string]string{"outcome": "merge-conflict", "operation": "publish"}); got != 1 {
		t.Fatalf("conflict runs = %v", got)
	}
}

func TestPublishMetricsContention(t *testing.T) {
	svc, reg := newMeteredService(t)
	ctx := context.Background()
	rt, err := svc.stage(ctx, "dev")
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := rt.locks.Acquire(ctx, "dev", "apps", "other"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err = svc.Publish(ctx, PublishRequest{Stage: "dev", Family: "apps", Local: catalog.Catalog{entry("a", "1.0.0", "", "")}})
	if publish.KindOf(err) != publish.KindLockContention {
		t.Fatalf("expected contention, got %v", err)
	}
	if got := counterValue(t, reg, "gardenpub_lock_contention_total", map[string]string{"family": "apps", "stage": "dev"}); got != 1 {
		t.Fatalf("contention = %v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "gardenpub_merge_decisions_total"); err != nil || n != 0 {
		t.Fatalf("no decisions expected, got %d %v", n, err)
	}
}

func TestOutcome(t *testing.T) {
	if got := outcome(nil); got != "success" {
		t.Fatalf("nil outcome = %q", got)
	}
	if got := outcome(&publish.Error{Kind: publish.KindUploadFailed}); got != "upload-failed" {
		t.Fatalf("upload outcome = %q", got)
	}
	if got := outcome(context.DeadlineExceeded); got != "error" {
		t.Fatalf("plain outcome = %q", got)
	}
}

func TestPublishMetricsDurationUsesReport(t *testing.T) {
	m, err := newPublishMetrics(nil)
	if err != nil {
		t.Fatalf("noop metrics: %v", err)
	}
	m.RunFinished(context.Background(), &publish.Report{Stage: "dev", Family: "apps", Duration: time.Second}, nil)
}
