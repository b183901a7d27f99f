// Package telemetry sets up OTLP trace and metric export for a host process.
package telemetry

import (
	"context"
	"errors"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Options identifies the host and the collector it exports to.
type Options struct {
	Service  string
	Version  string
	Endpoint string
	// MetricInterval defaults to one minute.
	MetricInterval time.Duration
}

// Providers owns the trace and meter providers installed as the process globals.
type Providers struct {
	service string
	tracer  *sdktrace.TracerProvider
	meter   *sdkmetric.MeterProvider
}

// Init creates OTLP gRPC exporters for opts.Endpoint and installs the providers globally.
// Exporters connect lazily, so an unreachable collector does not fail startup.
func Init(ctx context.Context, opts Options) (*Providers, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("telemetry endpoint required")
	}
	if opts.MetricInterval <= 0 {
		opts.MetricInterval = time.Minute
	}

	attrs := []resource.Option{resource.WithAttributes(
		semconv.ServiceName(opts.Service),
		semconv.ServiceVersion(opts.Version),
	)}
	if hostname, err := os.Hostname(); err == nil {
		attrs = append(attrs, resource.WithAttributes(semconv.HostName(hostname)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, err
	}

	traceExp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(opts.Endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	metricExp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(opts.Endpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, errors.Join(err, traceExp.Shutdown(ctx))
	}

	p := &Providers{
		service: opts.Service,
		tracer: sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(traceExp),
		),
		meter: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(opts.MetricInterval))),
			sdkmetric.WithResource(res),
		),
	}
	otel.SetTracerProvider(p.tracer)
	otel.SetMeterProvider(p.meter)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return p, nil
}

// Tracer returns the tracer the dispatcher records request spans with.
func (p *Providers) Tracer() trace.Tracer {
	return p.tracer.Tracer("github.com/xscopehub/toolhost/" + p.service)
}

// Shutdown flushes pending spans and metrics. ctx bounds how long an unreachable collector
// can delay exit.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(p.tracer.Shutdown(ctx), p.meter.Shutdown(ctx))
}
