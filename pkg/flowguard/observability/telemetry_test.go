package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTelemetry_DisabledWithoutEndpoint(t *testing.T) {
	before := otel.GetMeterProvider()

	shutdown, err := InitTelemetry(context.Background(), TelemetryConfig{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetMeterProvider())
}

func TestInitTelemetry_InstallsProvider(t *testing.T) {
	before := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(before) })

	// The exporter connects lazily, so no collector is needed to build it.
	shutdown, err := InitTelemetry(context.Background(), TelemetryConfig{
		Endpoint:    "http://127.0.0.1:4318",
		Insecure:    true,
		ServiceName: "flowguard-test",
		Interval:    time.Hour,
	})
	require.NoError(t, err)
	assert.NotEqual(t, before, otel.GetMeterProvider())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "localhost:4318", stripScheme("http://localhost:4318"))
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
