package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opsautomator/opsautomator/pkg/config"
	"github.com/opsautomator/opsautomator/pkg/service"
)

func newRunCommand() *cobra.Command {
	var noTriggers bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the automator service",
		Long: `Run the automator as a long lived service.

The service:
  - Restores active invocations of a previous run from the store
  - Dispatches scheduled tasks when their interval has passed
  - Consumes tag change events and dispatch requests from the trigger queue
  - Polls started invocations until they complete, fail or time out
  - Serves Prometheus metrics and reloads task files on change`,
		Example: `  # Run with the default config file
  opsautomator run

  # Run with a custom config and task directory
  opsautomator run -c /etc/opsautomator/engine.yaml -t /etc/opsautomator/tasks

  # Run schedules only, ignoring the trigger queue
  opsautomator run --no-triggers`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadEngineConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if err := rt.tel.StartMetricsServer(); err != nil {
				return err
			}

			source, loader, err := rt.taskSource(ctx)
			if err != nil {
				return err
			}
			tasks, err := source.LoadTasks(ctx)
			if err != nil {
				return err
			}
			if err := rt.validateParameters(tasks); err != nil {
				return err
			}

			dispatcher, err := rt.newDispatcher(ctx)
			if err != nil {
				return err
			}

			var triggers service.TriggerReceiver
			if cfg.Triggers != nil && !noTriggers {
				client, err := config.NewSQSClient(ctx, *cfg.Triggers)
				if err != nil {
					return err
				}
				triggers = config.NewTriggerQueue(*cfg.Triggers, client, rt.retryClient("sqs"), rt.logger)
			}

			svc := service.New(service.Config{
				PollInterval: cfg.Dispatcher.PollInterval,
				Retention:    cfg.Dispatcher.Retention,
			}, dispatcher, triggers, rt.store, rt.logger)
			svc.SetTasks(tasks)

			if loader != nil && cfg.Tasks.Watch {
				if err := loader.Watch(ctx, svc.SetTasks); err != nil {
					return err
				}
				defer loader.Close()
			}

			log.Info().
				Str("stack", cfg.Stack).
				Str("account", cfg.Account).
				Int("tasks", len(tasks)).
				Bool("triggers", triggers != nil).
				Msg("Starting ops automator")

			return svc.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&noTriggers, "no-triggers", false, "do not consume the trigger queue")

	return cmd
}
