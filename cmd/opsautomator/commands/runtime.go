package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/opsautomator/opsautomator/pkg/actions/ec2settags"
	"github.com/opsautomator/opsautomator/pkg/actions/selftest"
	"github.com/opsautomator/opsautomator/pkg/config"
	"github.com/opsautomator/opsautomator/pkg/credentials"
	"github.com/opsautomator/opsautomator/pkg/engine"
	"github.com/opsautomator/opsautomator/pkg/providers/ec2tags"
	"github.com/opsautomator/opsautomator/pkg/retry"
	"github.com/opsautomator/opsautomator/pkg/stores"
	"github.com/opsautomator/opsautomator/pkg/tagging"
	"github.com/opsautomator/opsautomator/pkg/telemetry"
)

// runtime holds the collaborators shared by the commands.
type runtime struct {
	cfg      *config.EngineConfig
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	store    *stores.SQLiteStore
	registry *engine.Registry
	awsCfg   aws.Config
}

// loadEngineConfig reads the engine config named by the global flags.
func loadEngineConfig() (*config.EngineConfig, error) {
	cfg, err := config.LoadEngineConfig(configPath)
	if err != nil {
		return nil, err
	}
	if tasksPath != "" {
		cfg.Tasks.Path = tasksPath
		cfg.Tasks.Table = nil
	}
	return cfg, nil
}

func newTelemetry(cfg *config.EngineConfig) (*telemetry.Telemetry, error) {
	tcfg := cfg.Telemetry
	if tcfg == nil {
		tcfg = telemetry.DefaultConfig()
		tcfg.ServiceName = cfg.Stack
	}
	tcfg.ServiceVersion = version
	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	return tel, nil
}

// newRuntime sets up telemetry and the action registry, and with withStore
// the invocation store. AWS configuration is loaded lazily.
func newRuntime(ctx context.Context, cfg *config.EngineConfig, withStore bool) (*runtime, error) {
	tel, err := newTelemetry(cfg)
	if err != nil {
		return nil, err
	}
	r := &runtime{cfg: cfg, tel: tel, logger: tel.Logger}

	guard := tagging.NewEventLoopGuard(tel.Logger, tel.Metrics)
	r.registry, err = engine.NewRegistry(
		selftest.New(nil),
		ec2settags.New(guard, r.retryClient(ec2tags.Service)),
	)
	if err != nil {
		return nil, err
	}

	if withStore {
		store, err := openStore(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		r.store = store
		tel.Events.Subscribe(store.EventSubscriber(context.WithoutCancel(ctx), tel.Logger), nil)
	}
	return r, nil
}

func openStore(ctx context.Context, cfg stores.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// retryClient returns the retry client of service with the configured policy.
func (r *runtime) retryClient(service string) *retry.Client {
	return retry.New(service, r.cfg.RetryPolicy(service),
		retry.WithLogger(r.tel.Logger),
		retry.WithMetrics(r.tel.Metrics),
		retry.WithTracer(r.tel.Tracer),
	)
}

// awsConfig loads the base AWS configuration once.
func (r *runtime) awsConfig(ctx context.Context) (aws.Config, error) {
	if r.awsCfg.Credentials != nil || r.awsCfg.Region != "" {
		return r.awsCfg, nil
	}
	conn := config.ConnectionConfig{}
	if len(r.cfg.Regions) > 0 {
		conn.Region = r.cfg.Regions[0]
	}
	cfg, err := config.LoadAWSConfig(ctx, conn)
	if err != nil {
		return aws.Config{}, err
	}
	r.awsCfg = cfg
	return cfg, nil
}

// newDispatcher creates a dispatcher assuming roles from the base AWS
// configuration.
func (r *runtime) newDispatcher(ctx context.Context) (*engine.Dispatcher, error) {
	base, err := r.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	resolver := credentials.NewResolver(base, r.cfg.ResolverConfig(), r.logger,
		credentials.WithRetry(r.retryClient("sts")))

	var store engine.InvocationStore
	if r.store != nil {
		store = r.store
	}
	return engine.NewDispatcher(
		r.cfg.DispatcherConfig(),
		r.registry,
		engine.NewConcurrencyLimiter(),
		resolver,
		store,
		r.tel.Events,
		r.tel.Metrics,
		r.logger,
		engine.WithTracer(r.tel.Tracer),
	), nil
}

// taskSource returns the configured task source. The loader is nil for
// table sources.
func (r *runtime) taskSource(ctx context.Context) (config.TaskSource, *config.TaskLoader, error) {
	table := r.cfg.Tasks.Table
	if table == nil {
		loader := config.NewTaskLoader(r.cfg.Tasks.Path, r.logger)
		return loader, loader, nil
	}
	client, err := config.NewDynamoDBClient(ctx, *table)
	if err != nil {
		return nil, nil, err
	}
	return config.NewTaskTableSource(table.TableName, client, r.retryClient("dynamodb"), r.logger), nil, nil
}

// validateParameters checks every task's action and parameters.
func (r *runtime) validateParameters(tasks []*engine.Task) error {
	for _, task := range tasks {
		action, err := r.registry.Get(task.Action)
		if err != nil {
			return fmt.Errorf("task %s: %w", task.Name, err)
		}
		if _, err := action.ValidateParameters(task.Parameters); err != nil {
			return fmt.Errorf("task %s: %w", task.Name, err)
		}
	}
	return nil
}

// Close flushes telemetry and closes the store.
func (r *runtime) Close(ctx context.Context) {
	if err := r.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		r.logger.WithError(err).Warn("Telemetry shutdown failed")
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.WithError(err).Warn("Failed to close store")
		}
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
