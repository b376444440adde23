// Package telemetry provides the Tracer/Meter accessors the teacher's
// internal/compact/haiku.go calls (telemetry.Tracer(name), telemetry.Meter
// (name)) to get OTel instruments scoped to a named instrumentation
// library. The underlying providers are process-wide no-op providers
// unless a caller installs real ones via SetTracerProvider/SetMeterProvider
// (e.g. an OTLP or stdout exporter wired up at process startup), mirroring
// the teacher's pattern of lazily-initialized, globally-registered
// instruments (haiku.go's aiMetricsOnce).
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a tracer scoped to the given instrumentation library name.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Meter returns a meter scoped to the given instrumentation library name.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// SetTracerProvider installs the process-wide trace provider.
func SetTracerProvider(p trace.TracerProvider) {
	otel.SetTracerProvider(p)
}

// SetMeterProvider installs the process-wide meter provider.
func SetMeterProvider(p metric.MeterProvider) {
	otel.SetMeterProvider(p)
}

// InitStdout installs stdout-exporting SDK providers for traces and
// metrics and returns a shutdown func that flushes both. Meant for local
// debugging runs; production deployments install their own providers.
func InitStdout() (func(context.Context) error, error) {
	traceExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	metricExp, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))

	SetTracerProvider(tp)
	SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
