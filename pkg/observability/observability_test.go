package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	p, err := NewWithMeter(mp.Meter(scopeName))
	if err != nil {
		t.Fatal(err)
	}
	return p, reader
}

func sumMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestDomainInstrumentsRecord(t *testing.T) {
	p, reader := newTestProvider(t)
	ctx := context.Background()

	p.RecordGateDecision(ctx, "PROCEED")
	p.RecordGateDecision(ctx, "INTERCEPT")
	p.RecordResolution(ctx, "APPROVED", 3*time.Second)
	p.RecordEscalation(ctx, "MEDIUM")
	p.AddActiveFailures(ctx, 1)
	p.RecordRecovery(ctx, true)
	p.AddActiveFailures(ctx, -1)

	if got := sumMetric(t, reader, "sentientloop.gate.decisions"); got != 2 {
		t.Fatalf("expected 2 gate decisions, got %d", got)
	}
	if got := sumMetric(t, reader, "sentientloop.checkpoints.resolutions"); got != 1 {
		t.Fatalf("expected 1 resolution, got %d", got)
	}
	if got := sumMetric(t, reader, "sentientloop.escalations.total"); got != 1 {
		t.Fatalf("expected 1 escalation, got %d", got)
	}
	if got := sumMetric(t, reader, "sentientloop.recoveries.total"); got != 1 {
		t.Fatalf("expected 1 recovery, got %d", got)
	}
	if got := sumMetric(t, reader, "sentientloop.failures.active"); got != 0 {
		t.Fatalf("expected the failure gauge back at 0, got %d", got)
	}
}

func TestTrackOperationCountsRequestsAndErrors(t *testing.T) {
	p, reader := newTestProvider(t)

	ctx, done := p.TrackOperation(context.Background(), "op.test")
	done(nil)
	_, done = p.TrackOperation(ctx, "op.test")
	done(errors.New("boom"))

	if got := sumMetric(t, reader, "sentientloop.requests.total"); got != 2 {
		t.Fatalf("expected 2 requests, got %d", got)
	}
	if got := sumMetric(t, reader, "sentientloop.errors.total"); got != 1 {
		t.Fatalf("expected 1 error, got %d", got)
	}
}

func TestRecordingSafeWhenDisabled(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, &Config{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	p.RecordGateDecision(ctx, "PROCEED")
	p.RecordResolution(ctx, "APPROVED", time.Second)
	p.AddActiveFailures(ctx, 1)

	var nilP *Provider
	nilP.RecordRecovery(ctx, false)
	nilP.RecordEscalation(ctx, "HIGH")
	_, done := nilP.TrackOperation(ctx, "noop")
	done(errors.New("ignored"))
	if err := nilP.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
}
