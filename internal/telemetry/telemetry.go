// Package telemetry wires OpenTelemetry tracing and metrics. With no
// exporter configured the global no-op providers stay in place.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// Instrumentation scope names.
const (
	ScopeGateway      = "github.com/dwsmith1983/runguard/internal/gateway"
	ScopeOrchestrator = "github.com/dwsmith1983/runguard/internal/orchestrator"
	ScopeReconciler   = "github.com/dwsmith1983/runguard/internal/reconciler"
)

const (
	defaultServiceName = "runguard"
	exportTimeout      = 10 * time.Second
)

// Shutdown flushes and stops the providers installed by Setup.
type Shutdown func(context.Context) error

// Setup installs global tracer and meter providers according to cfg. The
// returned Shutdown is always non-nil.
func Setup(ctx context.Context, cfg *types.TelemetryConfig) (Shutdown, error) {
	noop := func(context.Context) error { return nil }
	if cfg == nil || (cfg.OTLPEndpoint == "" && cfg.Exporter != "stdout") {
		return noop, nil
	}
	return setup(ctx, cfg, os.Stdout)
}

func setup(ctx context.Context, cfg *types.TelemetryConfig, stdout io.Writer) (Shutdown, error) {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(name)))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	var spanExp sdktrace.SpanExporter
	var readers []sdkmetric.Option
	switch cfg.Exporter {
	case "stdout":
		spanExp, err = stdouttrace.New(stdouttrace.WithWriter(stdout))
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
	case "otlp", "":
		topts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithTimeout(exportTimeout),
		}
		mopts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithTimeout(exportTimeout),
		}
		if cfg.Insecure {
			topts = append(topts, otlptracegrpc.WithInsecure())
			mopts = append(mopts, otlpmetricgrpc.WithInsecure())
		}
		spanExp, err = otlptracegrpc.New(ctx, topts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		metricExp, err := otlpmetricgrpc.New(ctx, mopts...)
		if err != nil {
			_ = spanExp.Shutdown(ctx)
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	default:
		return nil, fmt.Errorf("unsupported telemetry exporter: %s", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(append(readers, sdkmetric.WithResource(res))...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
