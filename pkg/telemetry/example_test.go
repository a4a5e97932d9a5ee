package telemetry_test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/opsautomator/opsautomator/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"
	cfg.Metrics.ListenAddress = ""

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	if err := tel.StartMetricsServer(); err != nil {
		panic(err)
	}

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).Info("Engine started")
}

// Example_structuredLogging demonstrates the task and scope log fields.
func Example_structuredLogging() {
	cfg := telemetry.TestConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"
	cfg.Logging.Writer = os.Stderr

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	logger := tel.Logger.NewComponentLogger("dispatcher").
		WithTask("ec2-backup").
		WithInvocationID("inv-1").
		WithScope("111111111111", "eu-west-1")

	logger.Debug("Selecting resources")
	logger.Info("Invocation started")
	logger.WithError(fmt.Errorf("throttled")).Warn("Provider call retried")
}

// Example_eventPublishing demonstrates synchronous event delivery.
func Example_eventPublishing() {
	cfg := telemetry.TestConfig()

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s: %s\n", event.Type, event.Message)
	}, telemetry.FilterByTask("ec2-backup"))

	tel.Events.PublishDispatched("ec2-backup", "schedule", 3, 1)
	tel.Events.PublishInvocationStarted("ec2-backup", "inv-1", "111111111111", "eu-west-1")
	tel.Events.PublishInvocationFinished("ec2-backup", "inv-1", "111111111111", "eu-west-1", "completed", "")
	tel.Events.PublishSkipped("other-task", "disabled")

	// Output:
	// task.dispatched: Task ec2-backup dispatched by schedule: 3 resources in 1 invocations
	// invocation.started: Invocation inv-1 of task ec2-backup started
	// invocation.finished: Invocation inv-1 of task ec2-backup finished: completed
}

// Example_instrumentedOperation demonstrates StartOperation.
func Example_instrumentedOperation() {
	tel := telemetry.NewNopTelemetry()
	ctx := tel.WithContext(context.Background())

	op := telemetry.StartOperation(ctx, "resolve_session", telemetry.AttrAccount.String("222222222222"))
	time.Sleep(time.Millisecond)
	op.End(nil)

	fmt.Println(op.Elapsed() > 0)
	// Output: true
}
