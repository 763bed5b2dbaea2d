package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMeter(t *testing.T) (*sdkmetric.ManualReader, *AuthMetrics) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	metrics, err := NewAuthMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewAuthMetrics: %v", err)
	}
	return reader, metrics
}

func collectSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestAuthMetricsRecordLogin(t *testing.T) {
	reader, metrics := newTestMeter(t)
	ctx := context.Background()

	metrics.RecordLogin(ctx, "ok")
	metrics.RecordLogin(ctx, "rejected")
	metrics.RecordLogin(ctx, "rejected")

	if got := collectSum(t, reader, "hushnote.auth.logins"); got != 3 {
		t.Fatalf("login count = %d, want 3", got)
	}
}

func TestAuthMetricsRecordRegistration(t *testing.T) {
	reader, metrics := newTestMeter(t)
	ctx := context.Background()

	metrics.RecordRegistration(ctx, "ok")
	metrics.RecordRegistration(ctx, "duplicate")

	if got := collectSum(t, reader, "hushnote.auth.registrations"); got != 2 {
		t.Fatalf("registration count = %d, want 2", got)
	}
}

func TestAuthMetricsNilReceiver(t *testing.T) {
	var metrics *AuthMetrics

	// Must not panic.
	metrics.RecordLogin(context.Background(), "ok")
	metrics.RecordRegistration(context.Background(), "ok")
}
