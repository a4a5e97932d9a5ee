package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of one
// engine process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	server *http.Server
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// NewNopTelemetry returns telemetry that logs nothing and exports nothing.
func NewNopTelemetry() *Telemetry {
	tracer, _ := NewTracer(TracingConfig{}, "opsautomator", "", "")
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  tracer,
		Metrics: &Metrics{},
		Events:  &EventPublisher{},
		Config:  TestConfig(),
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// StartMetricsServer serves metrics in the background. It is a no-op when
// metrics are disabled or no listen address is configured.
func (t *Telemetry) StartMetricsServer() error {
	srv := t.Metrics.NewMetricsServer()
	if srv == nil {
		return nil
	}
	t.server = srv

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logger.WithError(err).Error("Metrics server stopped")
		}
	}()
	t.Logger.Infof("Serving metrics on %s", srv.Addr)
	return nil
}

// Shutdown stops every component. Events are drained first so that
// subscribers see the final invocation states.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Operation is an in-progress instrumented operation.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	start  time.Time
}

// StartOperation begins a traced, logged operation using the telemetry in
// ctx. Without telemetry it falls back to the context logger and a no-op span.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *Operation {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		spanCtx, span := (*Tracer)(nil).StartSpan(ctx, operation)
		return &Operation{Ctx: spanCtx, Span: span, Logger: FromContext(ctx), start: time.Now()}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)
	logger := tel.Logger.WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &Operation{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		start:  time.Now(),
	}
}

// Elapsed returns the time since the operation started.
func (o *Operation) Elapsed() time.Duration {
	return time.Since(o.start)
}

// End finishes the operation span, recording err when non-nil.
func (o *Operation) End(err error) {
	if err != nil {
		o.Logger.WithError(err).Debugf("Operation failed after %s", o.Elapsed())
	}
	EndSpan(o.Span, err)
}
