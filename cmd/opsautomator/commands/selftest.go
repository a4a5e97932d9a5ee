package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opsautomator/opsautomator/pkg/actions/selftest"
	"github.com/opsautomator/opsautomator/pkg/config"
	"github.com/opsautomator/opsautomator/pkg/engine"
	"github.com/opsautomator/opsautomator/pkg/stores"
	"github.com/opsautomator/opsautomator/pkg/telemetry"
)

func newSelftestCommand() *cobra.Command {
	var (
		account            string
		regions            []string
		resources          string
		resourceTags       string
		aggregation        string
		maxConcurrent      int
		executeDuration    int
		completionDuration int
		failExecute        string
		failCompletion     string
		timeout            time.Duration
		pollEvery          time.Duration
	)

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run the synthetic self-test action",
		Long: `Dispatch the synthetic self-test action against an in-memory store.

The self-test exercises selection, aggregation, the concurrency limiter,
completion polling, timeouts and failure handling without touching any
AWS resource. No config file is needed.`,
		Example: `  # Ten resources, two at a time, each completing after five seconds
  opsautomator selftest --resources 0-9 --max-concurrent 2 --completion-duration 5

  # Expect failures for resources 3 and 7
  opsautomator selftest --resources 0-9 --fail-execute 3 --fail-completion 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tcfg := telemetry.DefaultConfig()
			tcfg.ServiceVersion = version
			tcfg.Metrics.ListenAddress = ""
			tel, err := telemetry.NewTelemetry(tcfg)
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(ctx) }()

			store, err := openStore(ctx, stores.Config{Path: ":memory:"})
			if err != nil {
				return err
			}
			defer store.Close()
			tel.Events.Subscribe(store.EventSubscriber(ctx, tel.Logger), nil)

			registry, err := engine.NewRegistry(selftest.New(nil))
			if err != nil {
				return err
			}
			d := engine.NewDispatcher(
				engine.DispatcherConfig{OwnAccount: account, Regions: regions},
				registry, engine.NewConcurrencyLimiter(), nil, store,
				tel.Events, tel.Metrics, tel.Logger, engine.WithTracer(tel.Tracer),
			)

			task := &engine.Task{
				Name:        "selftest",
				Action:      selftest.Name,
				Enabled:     true,
				Aggregation: engine.Aggregation(aggregation),
				Timeout:     timeout,
				Parameters: map[string]interface{}{
					"TestResources":           resources,
					"TestResourcesTags":       resourceTags,
					"MaxConcurrent":           maxConcurrent,
					"ExecuteDuration":         executeDuration,
					"CompletionCheckDuration": completionDuration,
					"FailExecuteResources":    failExecute,
					"CompletionCheckFailing":  failCompletion,
				},
			}
			if err := config.ValidateTasks([]*engine.Task{task}); err != nil {
				return err
			}

			started := time.Now()
			handle, err := d.Dispatch(ctx, task, engine.Trigger{Kind: engine.TriggerManual})
			if err != nil {
				return err
			}
			results, err := pollUntilDone(cmd, d, pollEvery)
			if err != nil {
				return err
			}

			completed := 0
			for _, r := range results {
				if r.State == engine.InvocationCompleted {
					completed++
				}
			}
			log.Info().
				Int("invocations", len(results)).
				Int("completed", completed).
				Dur("elapsed", time.Since(started)).
				Msg("Self-test finished")

			if jsonOutput {
				if err := printJSON(map[string]interface{}{"dispatch": handle, "results": results}); err != nil {
					return err
				}
			} else {
				printHandle(handle)
				printResults(results)
			}

			if failExecute == "" && failCompletion == "" && completed != len(results) {
				return fmt.Errorf("self-test failed: %d of %d invocations did not complete", len(results)-completed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "000000000000", "account id of the synthetic resources")
	cmd.Flags().StringSliceVar(&regions, "region", []string{"us-east-1"}, "regions of the synthetic resources")
	cmd.Flags().StringVar(&resources, "resources", "0-9", "resource indexes, e.g. 0-9,12")
	cmd.Flags().StringVar(&resourceTags, "tags", "", "tags of the synthetic resources, e.g. Env=test")
	cmd.Flags().StringVar(&aggregation, "aggregation", string(engine.AggregationResource), "resource, account or region")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "concurrent invocations, 0 for unlimited")
	cmd.Flags().IntVar(&executeDuration, "execute-duration", 0, "seconds every execution takes")
	cmd.Flags().IntVar(&completionDuration, "completion-duration", 0, "seconds until an execution completes")
	cmd.Flags().StringVar(&failExecute, "fail-execute", "", "resource indexes whose execution fails")
	cmd.Flags().StringVar(&failCompletion, "fail-completion", "", "resource indexes whose completion check fails")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "completion timeout, 0 for the action default")
	cmd.Flags().DurationVar(&pollEvery, "poll-interval", time.Second, "time between completion checks")

	return cmd
}
