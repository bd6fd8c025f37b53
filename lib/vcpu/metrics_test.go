package vcpu

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// collectStatuses gathers the status attribute of every recorded hotplug
// duration data point.
func collectStatuses(t *testing.T, reader *sdkmetric.ManualReader) map[string]bool {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	statuses := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "tinyvmm_vcpu_hotplug_duration_seconds" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok)
			for _, dp := range hist.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("status")); ok {
					statuses[v.AsString()] = true
				}
			}
		}
	}
	return statuses
}

func newMeteredController(t *testing.T, notifier GuestNotifier) (*Controller, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	metrics, err := NewMetrics(meter, nil)
	require.NoError(t, err)

	table := NewSlotTable(MaxSupportedVcpus)
	require.NoError(t, table.Append(&Slot{Ordinal: 0, State: SlotRunning}))
	return NewController(table, newFakeProvisioner(), notifier, metrics), reader
}

func TestHotplugDurationStatusSuccess(t *testing.T) {
	ctrl, reader := newMeteredController(t, &fakeNotifier{})

	_, err := ctrl.AddVcpus(context.Background(), 2)
	require.NoError(t, err)

	statuses := collectStatuses(t, reader)
	assert.True(t, statuses["success"])
	assert.False(t, statuses["partial"])
}

func TestHotplugDurationStatusPartial(t *testing.T) {
	// A notification failure is a partial success and must be
	// distinguishable from a clean one in the duration histogram.
	ctrl, reader := newMeteredController(t, &fakeNotifier{err: errors.New("ged: interrupt line wedged")})

	res, err := ctrl.AddVcpus(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, res.GuestNotified)

	statuses := collectStatuses(t, reader)
	assert.True(t, statuses["partial"])
	assert.False(t, statuses["success"])
}
