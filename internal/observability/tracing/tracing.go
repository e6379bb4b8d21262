// Package tracing wires OpenTelemetry and provides the spans used around
// scheduler ticks, firings and executions.
package tracing

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "wegent"

type Config struct {
	// Endpoint is the OTLP/HTTP collector host:port. Empty disables export.
	Endpoint    string
	Insecure    bool
	ServiceName string
	// SampleRatio in (0,1]; 0 means 1.
	SampleRatio float64
}

// Setup installs a global tracer provider exporting over OTLP/HTTP. The
// returned func flushes and stops it. With no endpoint the global no-op
// provider stays in place and shutdown does nothing.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return func(context.Context) error { return nil }, nil
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "wegent"
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", name)))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func tracer() trace.Tracer { return otel.Tracer(instrumentation) }

// StartTickSpan starts the span around one due-subscription scan.
func StartTickSpan(ctx context.Context) (context.Context, trace.Span) {
	return tracer().Start(ctx, "trigger.tick")
}

// StartFireSpan starts the span around firing one subscription.
func StartFireSpan(ctx context.Context, subscriptionID int64, triggerType string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "trigger.fire",
		trace.WithAttributes(
			attribute.Int64("subscription.id", subscriptionID),
			attribute.String("trigger.type", triggerType),
		),
	)
}

// StartExecutionSpan starts the span around one execution delivery.
func StartExecutionSpan(ctx context.Context, executionID int64, attempt int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "execution.run",
		trace.WithAttributes(
			attribute.Int64("execution.id", executionID),
			attribute.Int("execution.attempt", attempt),
		),
	)
}

// End records err on span and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
