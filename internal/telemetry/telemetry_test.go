package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/dwsmith1983/runguard/pkg/types"
)

func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_StdoutExportsSpans(t *testing.T) {
	prevTP := otel.GetTracerProvider()
	prevMP := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	var buf bytes.Buffer
	shutdown, err := setup(context.Background(), &types.TelemetryConfig{Exporter: "stdout", ServiceName: "runguard-test"}, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer(ScopeGateway).Start(context.Background(), "gateway.Trigger")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "gateway.Trigger")
	assert.Contains(t, buf.String(), "runguard-test")
}

func TestSetup_UnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), &types.TelemetryConfig{Exporter: "zipkin", OTLPEndpoint: "x:4317"})
	assert.ErrorContains(t, err, "unsupported telemetry exporter")
}
