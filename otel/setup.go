package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName is reported when SetupConfig.ServiceName is empty.
const DefaultServiceName = "petalrules"

// InstrumentationName names the tracer and meter used by this module.
const InstrumentationName = "github.com/petal-labs/petalrules"

// SetupConfig configures the OpenTelemetry SDK.
type SetupConfig struct {
	// Endpoint is an OTLP/HTTP traces URL such as
	// "http://localhost:4318/v1/traces". Empty disables export.
	Endpoint string

	ServiceName string

	// SpanProcessors are added alongside the OTLP exporter. Tests use this to
	// capture spans.
	SpanProcessors []sdktrace.SpanProcessor

	// MetricReaders collect the SDK meter provider's instruments.
	MetricReaders []sdkmetric.Reader

	// Global installs the providers as the process-wide defaults.
	Global bool
}

// Telemetry holds configured providers.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
}

// Tracer returns the module tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.TracerProvider.Tracer(InstrumentationName)
}

// Meter returns the module meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.MeterProvider.Meter(InstrumentationName)
}

// Shutdown flushes pending spans and releases both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.TracerProvider.Shutdown(ctx),
		t.MeterProvider.Shutdown(ctx),
	)
}

// Setup builds tracer and meter providers. Spans are exported over OTLP/HTTP
// when an endpoint is configured.
func Setup(ctx context.Context, cfg SetupConfig) (*Telemetry, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = DefaultServiceName
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("otel: create otlp exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	for _, sp := range cfg.SpanProcessors {
		traceOpts = append(traceOpts, sdktrace.WithSpanProcessor(sp))
	}

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range cfg.MetricReaders {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}

	t := &Telemetry{
		TracerProvider: sdktrace.NewTracerProvider(traceOpts...),
		MeterProvider:  sdkmetric.NewMeterProvider(meterOpts...),
	}
	if cfg.Global {
		otel.SetTracerProvider(t.TracerProvider)
		otel.SetMeterProvider(t.MeterProvider)
	}
	return t, nil
}
