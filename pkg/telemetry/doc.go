// Package telemetry provides the observability stack of the automation engine.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an in-process event publisher for
// dispatch and invocation lifecycle notifications.
//
// # Usage
//
// Initialize telemetry at startup and put it on the context:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Loggers carry the engine's correlation fields:
//
//	logger := tel.Logger.NewComponentLogger("dispatcher").
//	    WithTask("ec2-backup").
//	    WithInvocationID(inv.ID).
//	    WithScope(inv.Account, inv.Region)
//
// # Tracing
//
// Spans are started per dispatch, per state machine step and per provider
// call:
//
//	ctx, span := tel.Tracer.StartDispatchSpan(ctx, task.Name, task.Action, "schedule")
//	defer telemetry.EndSpan(span, err)
//
// A nil *Tracer hands out no-op spans, so components can be built without
// tracing in tests.
//
// # Metrics
//
// All Record methods are safe on a nil or disabled *Metrics. The metrics
// server is only started when a listen address is configured.
//
// # Events
//
// The event publisher delivers events to subscribers in publish order. With
// EnableAsync events are buffered and a full buffer drops the event; without
// it delivery happens in the publishing goroutine.
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
