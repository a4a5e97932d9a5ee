package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer wraps the OpenTelemetry tracer with engine span helpers.
// A nil *Tracer starts no-op spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a new tracer with the given configuration.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{
			tracer: noop.NewTracerProvider().Tracer(serviceName),
			config: cfg,
		}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		exporter = nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}, nil
}

func createOTLPExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent("opsautomator")),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(context.Background(), opts...)
}

// StartSpan starts a span with the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, operation)
	}
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartDispatchSpan starts a span covering one task dispatch.
func (t *Tracer) StartDispatchSpan(ctx context.Context, task, action, trigger string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "task.dispatch",
		AttrTask.String(task),
		AttrAction.String(action),
		AttrTrigger.String(trigger),
	)
}

// StartInvocationSpan starts a span for one state machine step.
func (t *Tracer) StartInvocationSpan(ctx context.Context, step, invocationID, task string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "invocation."+step,
		AttrInvocationID.String(invocationID),
		AttrTask.String(task),
	)
}

// StartProviderSpan starts a span for a remote provider call.
func (t *Tracer) StartProviderSpan(ctx context.Context, service, method string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, fmt.Sprintf("provider.%s.%s", service, method),
		AttrService.String(service),
		AttrMethod.String(method),
	)
}

// RecordError records an error on the span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// EndSpan records err (or success) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// TraceID returns the trace ID of the current span in the context.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// Attribute keys used on engine spans.
var (
	AttrTask         = attribute.Key("task.name")
	AttrAction       = attribute.Key("action.name")
	AttrTrigger      = attribute.Key("task.trigger")
	AttrInvocationID = attribute.Key("invocation.id")
	AttrState        = attribute.Key("invocation.state")
	AttrAccount      = attribute.Key("cloud.account.id")
	AttrRegion       = attribute.Key("cloud.region")
	AttrService      = attribute.Key("provider.service")
	AttrMethod       = attribute.Key("provider.method")
	AttrErrorClass   = attribute.Key("error.class")
)
