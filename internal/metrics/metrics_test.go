package metrics

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumInt(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected aggregation %T", data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestInstrumentsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(provider)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	ctx := context.Background()
	m.TaskCreated(ctx, "ETH", decimal.NewFromInt(10), true)
	m.TaskCreated(ctx, "ETH", decimal.NewFromInt(5), false)
	m.Settled(ctx, SettleRelease, "ETH")
	m.DisputeOpened(ctx)
	m.DisputeResolved(ctx, true)

	got := collect(t, reader)
	if n := sumInt(t, got["escrowline.tasks.created"]); n != 2 {
		t.Fatalf("tasks created = %d", n)
	}
	if n := sumInt(t, got["escrowline.escrow.settlements"]); n != 1 {
		t.Fatalf("settlements = %d", n)
	}
	locked, ok := got["escrowline.escrow.locked"].(metricdata.Sum[float64])
	if !ok || len(locked.DataPoints) != 1 || locked.DataPoints[0].Value != 15 {
		t.Fatalf("escrow locked = %+v", got["escrowline.escrow.locked"])
	}
	if n := sumInt(t, got["escrowline.disputes.resolved"]); n != 1 {
		t.Fatalf("disputes resolved = %d", n)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TaskCreated(context.Background(), "ETH", decimal.NewFromInt(1), false)
	m.Settled(context.Background(), SettleRefund, "ETH")
	m.RelayFailed(context.Background())
}
