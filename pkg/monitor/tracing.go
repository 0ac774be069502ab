package monitor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracingConfig configures the job lifecycle tracer.
type TracingConfig struct {
	ServiceName    string
	JaegerEndpoint string
	SamplingRatio  float64
}

// Tracer wraps an OpenTelemetry tracer provider scoped to one
// service, producing the spans pkg/apiserver, pkg/executor and
// pkg/scheduler open as a job moves from submission through admission
// to completion.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewTracer builds a Tracer exporting to Jaeger. A zero JaegerEndpoint
// disables export and returns a provider that still creates spans
// (useful in tests) but never ships them anywhere.
func NewTracer(cfg TracingConfig) (*Tracer, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	ratio := cfg.SamplingRatio
	if ratio <= 0 {
		ratio = 1.0
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(ratio)),
	}

	if cfg.JaegerEndpoint != "" {
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
		if err != nil {
			return nil, fmt.Errorf("create jaeger exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}, nil
}

// StartJobSpan opens a span named for a job lifecycle stage
// ("submit", "admit", "run", "complete"), tagged with jobID. The
// "submit" and "run" callers pass the job ID; pkg/scheduler passes the
// execution ID for "admit" and "complete", so those two spans carry a
// different tag than the other two.
func (t *Tracer) StartJobSpan(ctx context.Context, stage, jobID string) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, stage, oteltrace.WithAttributes(
		attribute.String("job_id", jobID),
	))
}

// Shutdown flushes any buffered spans and releases exporter resources.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
