package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "agentrun", "test", true)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestRunMetricsRecord(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewRunMetrics(provider.Meter("test"))
	require.NoError(t, err)
	m.RunStarted(ctx, "scripted")
	m.EventAppended(ctx, "run.start")
	m.RunFinished(ctx, "completed")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			names[metric.Name] = true
		}
	}
	assert.True(t, names["agentrun.runs.started"])
	assert.True(t, names["agentrun.runs.finished"])
	assert.True(t, names["agentrun.events.appended"])

	var nilMetrics *RunMetrics
	nilMetrics.RunStarted(ctx, "scripted")
}
