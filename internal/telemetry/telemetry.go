// Package telemetry wires OpenTelemetry metrics (exported for Prometheus)
// and tracing for the station.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentation = "github.com/satindergrewal/airwaves"

// Options selects exporters. Tracing is off unless an OTLP endpoint is set
// or TraceStdout is true.
type Options struct {
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	OTLPInsecure bool
	TraceStdout  bool
}

// Provider owns the meter and tracer providers and the /metrics handler.
type Provider struct {
	meters   *sdkmetric.MeterProvider
	tracers  trace.TracerProvider
	handler  http.Handler
	shutdown []func(context.Context) error
}

// Setup builds the providers. It does not touch the otel globals.
func Setup(ctx context.Context, opts Options, logger zerolog.Logger) (*Provider, error) {
	logger = logger.With().Str("component", "telemetry").Logger()
	if opts.ServiceName == "" {
		opts.ServiceName = "airwaves"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			attribute.String("deployment.environment", opts.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	p := &Provider{}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	p.meters = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	p.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	p.shutdown = append(p.shutdown, p.meters.Shutdown)

	tp, err := initTracer(ctx, opts, res, logger)
	if err != nil {
		p.meters.Shutdown(ctx)
		return nil, err
	}
	if sdk, ok := tp.(*sdktrace.TracerProvider); ok {
		p.shutdown = append(p.shutdown, sdk.Shutdown)
	}
	p.tracers = tp
	return p, nil
}

func initTracer(ctx context.Context, opts Options, res *resource.Resource, logger zerolog.Logger) (trace.TracerProvider, error) {
	if endpoint := strings.TrimSpace(opts.OTLPEndpoint); endpoint != "" {
		o := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if opts.OTLPInsecure {
			o = append(o, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, o...)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("exporter", "otlp").Str("endpoint", endpoint).Msg("tracing initialized")
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	}
	if opts.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		logger.Info().Str("exporter", "stdout").Msg("tracing initialized")
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	}
	return noop.NewTracerProvider(), nil
}

// Meter returns the station meter.
func (p *Provider) Meter() metric.Meter {
	return p.meters.Meter(instrumentation)
}

// Tracer returns the station tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracers.Tracer(instrumentation)
}

// Handler serves Prometheus metrics.
func (p *Provider) Handler() http.Handler {
	return p.handler
}

// Shutdown flushes exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
