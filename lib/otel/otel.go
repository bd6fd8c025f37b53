// Package otel wires up OpenTelemetry for the daemon: metrics, traces, and
// logs over OTLP/gRPC. With no endpoint configured everything degrades to
// no-ops and the daemon runs untelemetered.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	mnoop "go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tnoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry bundles the instrument factories handed to the rest of the
// daemon plus the shutdown hook.
type Telemetry struct {
	Meter          metric.Meter
	Tracer         trace.Tracer
	LoggerProvider *sdklog.LoggerProvider

	shutdown []func(context.Context) error
}

// NewNoop returns telemetry that records nothing.
func NewNoop() *Telemetry {
	return &Telemetry{
		Meter:  mnoop.NewMeterProvider().Meter("tinyvmm"),
		Tracer: tnoop.NewTracerProvider().Tracer("tinyvmm"),
	}
}

// Setup initializes the OTLP pipelines against endpoint. An empty endpoint
// yields the noop setup.
func Setup(ctx context.Context, serviceName, endpoint string) (*Telemetry, error) {
	if endpoint == "" {
		return NewNoop(), nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	t := &Telemetry{}

	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(mp)
	t.Meter = mp.Meter("tinyvmm")
	t.shutdown = append(t.shutdown, mp.Shutdown)

	traceExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp),
	)
	otel.SetTracerProvider(tp)
	t.Tracer = tp.Tracer("tinyvmm")
	t.shutdown = append(t.shutdown, tp.Shutdown)

	logExp, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(endpoint),
		otlploggrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp log exporter: %w", err)
	}
	t.LoggerProvider = sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
	)
	t.shutdown = append(t.shutdown, t.LoggerProvider.Shutdown)

	if err := runtime.Start(runtime.WithMeterProvider(mp)); err != nil {
		return nil, fmt.Errorf("start runtime instrumentation: %w", err)
	}

	return t, nil
}

// Shutdown flushes and stops every pipeline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
