// Package telemetry sets up the OpenTelemetry meter provider used by serve.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// ShutdownFunc flushes and stops the provider.
type ShutdownFunc func(ctx context.Context) error

type Options struct {
	// Endpoint is the OTLP/gRPC collector address. Empty disables export.
	Endpoint string
	Interval time.Duration
	Service  string
}

// Setup returns the meter provider for opts and registers it globally. When
// no endpoint is configured the global (no-op) provider is returned.
func Setup(ctx context.Context, opts Options) (metric.MeterProvider, ShutdownFunc, error) {
	if opts.Endpoint == "" {
		return otel.GetMeterProvider(), func(context.Context) error { return nil }, nil
	}
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(opts.Endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("otlp exporter: %w", err)
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Service == "" {
		opts.Service = "escrowline"
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(opts.Interval))),
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", opts.Service))),
	)
	otel.SetMeterProvider(mp)
	return mp, mp.Shutdown, nil
}
