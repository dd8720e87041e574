package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/carevoice/intake-orchestrator"

// Metrics holds all application metrics
type Metrics struct {
	RequestCount       metric.Int64Counter
	RequestDuration    metric.Float64Histogram
	WorkflowsStarted   metric.Int64Counter
	WorkflowsFinished  metric.Int64Counter
	OTPWaitDuration    metric.Float64Histogram
	FallbacksTriggered metric.Int64Counter
}

// Setup initializes OpenTelemetry
func Setup(ctx context.Context, serviceName, serviceVersion, endpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	// Set up trace exporter
	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	// Set up trace provider
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Shutdown function
	shutdown := func(ctx context.Context) error {
		return tracerProvider.Shutdown(ctx)
	}

	return shutdown, nil
}

// InitMetrics initializes application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)

	requestCount, err := meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	workflowsStarted, err := meter.Int64Counter(
		"workflow.started.count",
		metric.WithDescription("Number of scheduling workflows started"),
	)
	if err != nil {
		return nil, err
	}

	workflowsFinished, err := meter.Int64Counter(
		"workflow.finished.count",
		metric.WithDescription("Number of scheduling workflows reaching a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	otpWaitDuration, err := meter.Float64Histogram(
		"workflow.otp.wait.duration",
		metric.WithDescription("Time spent waiting for the caller's passcode in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	fallbacksTriggered, err := meter.Int64Counter(
		"workflow.fallback.count",
		metric.WithDescription("Number of manual-scheduling fallbacks issued"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		RequestCount:       requestCount,
		RequestDuration:    requestDuration,
		WorkflowsStarted:   workflowsStarted,
		WorkflowsFinished:  workflowsFinished,
		OTPWaitDuration:    otpWaitDuration,
		FallbacksTriggered: fallbacksTriggered,
	}, nil
}

// StartSpan starts a new trace span
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	return tracer.Start(ctx, spanName)
}

// RecordError records an error in the current span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
}

// SetSpanAttributes sets attributes on a span
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
}

// RecordRequestMetric records HTTP request metrics with attributes
func RecordRequestMetric(ctx context.Context, metrics *Metrics, method, path string, statusCode int, duration time.Duration) {
	if metrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.route", path),
		attribute.Int("http.status_code", statusCode),
	}

	metrics.RequestCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	metrics.RequestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordWorkflowStarted counts a newly created workflow
func RecordWorkflowStarted(ctx context.Context, metrics *Metrics, campaignID string) {
	if metrics == nil {
		return
	}
	metrics.WorkflowsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("campaign.id", campaignID),
	))
}

// RecordWorkflowFinished counts a workflow reaching a terminal status
func RecordWorkflowFinished(ctx context.Context, metrics *Metrics, status string) {
	if metrics == nil {
		return
	}
	metrics.WorkflowsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow.status", status),
	))
}

// RecordOTPWait records how long a passcode wait lasted and how it ended
func RecordOTPWait(ctx context.Context, metrics *Metrics, outcome string, duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.OTPWaitDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		attribute.String("otp.outcome", outcome),
	))
}

// RecordFallback counts a manual-scheduling fallback
func RecordFallback(ctx context.Context, metrics *Metrics, reason string) {
	if metrics == nil {
		return
	}
	metrics.FallbacksTriggered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("fallback.reason", reason),
	))
}
