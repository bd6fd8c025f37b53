package vcpu

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the instruments for hotplug operations.
type Metrics struct {
	hotplugDuration metric.Float64Histogram
	notifyFailures  metric.Int64Counter
	vcpusTotal      metric.Int64UpDownCounter
	tracer          trace.Tracer
}

// NewMetrics creates and registers the hotplug instruments.
func NewMetrics(meter metric.Meter, tracer trace.Tracer) (*Metrics, error) {
	hotplugDuration, err := meter.Float64Histogram(
		"tinyvmm_vcpu_hotplug_duration_seconds",
		metric.WithDescription("Time to complete a vCPU hotplug API call"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	notifyFailures, err := meter.Int64Counter(
		"tinyvmm_vcpu_hotplug_notify_failures_total",
		metric.WithDescription("Total number of failed guest hotplug notifications"),
	)
	if err != nil {
		return nil, err
	}

	vcpusTotal, err := meter.Int64UpDownCounter(
		"tinyvmm_vcpus_total",
		metric.WithDescription("Total number of provisioned vCPUs across machines"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		hotplugDuration: hotplugDuration,
		notifyFailures:  notifyFailures,
		vcpusTotal:      vcpusTotal,
		tracer:          tracer,
	}, nil
}

// recordDuration records one hotplug call outcome.
func (m *Metrics) recordDuration(ctx context.Context, start time.Time, status string) {
	m.hotplugDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}
