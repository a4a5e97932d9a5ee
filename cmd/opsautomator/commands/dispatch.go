package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opsautomator/opsautomator/pkg/config"
	"github.com/opsautomator/opsautomator/pkg/engine"
)

func newDispatchCommand() *cobra.Command {
	var (
		account     string
		region      string
		resourceIDs []string
		wait        bool
		pollEvery   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dispatch <task>",
		Short: "Dispatch a task once",
		Long: `Dispatch a task manually and optionally wait for its invocations.

The task's minimum interval and the service concurrency limits apply as in
the service. Invocations that are still active when the command stops are
restored by the next "opsautomator run".`,
		Example: `  # Dispatch a task and wait for it to finish
  opsautomator dispatch backup-volumes

  # Dispatch for one account, region and instance
  opsautomator dispatch set-owner --account 123456789012 --region eu-west-1 --resource i-0abc

  # Dispatch without waiting
  opsautomator dispatch set-owner --wait=false`,
		Args: cobra.ExactArgs(1),
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

			source, _, err := rt.taskSource(ctx)
			if err != nil {
				return err
			}
			tasks, err := source.LoadTasks(ctx)
			if err != nil {
				return err
			}
			task, ok := config.FindTask(tasks, args[0])
			if !ok {
				return fmt.Errorf("task %q not found", args[0])
			}

			dispatcher, err := rt.newDispatcher(ctx)
			if err != nil {
				return err
			}

			handle, err := dispatcher.Dispatch(ctx, task, engine.Trigger{
				Kind:        engine.TriggerManual,
				Account:     account,
				Region:      region,
				ResourceIDs: resourceIDs,
			})
			if err != nil {
				return err
			}
			if handle.Skipped() {
				log.Warn().Str("task", task.Name).Str("reason", handle.SkippedReason).Msg("Dispatch skipped")
			}

			var results []engine.InvocationResult
			if wait {
				results, err = pollUntilDone(cmd, dispatcher, pollEvery)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{"dispatch": handle, "results": results})
			}
			printHandle(handle)
			printResults(results)
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "restrict the dispatch to one account")
	cmd.Flags().StringVar(&region, "region", "", "restrict the dispatch to one region")
	cmd.Flags().StringSliceVar(&resourceIDs, "resource", nil, "restrict the dispatch to resource ids")
	cmd.Flags().BoolVar(&wait, "wait", true, "poll invocations until they finish")
	cmd.Flags().DurationVar(&pollEvery, "poll-interval", 10*time.Second, "time between completion checks")

	return cmd
}

// pollUntilDone advances the dispatcher's invocations until none is active
// or the command is interrupted.
func pollUntilDone(cmd *cobra.Command, d *engine.Dispatcher, every time.Duration) ([]engine.InvocationResult, error) {
	ctx := cmd.Context()
	var results []engine.InvocationResult

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		results = append(results, d.PollDue(ctx)...)
		if d.ActiveCount() == 0 {
			return results, nil
		}
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printHandle(h *engine.InvocationHandle) {
	fmt.Printf("Dispatch %s of task %s (%s): %d resources, %d invocations\n",
		h.DispatchID, h.Task, h.Trigger, h.Resources, len(h.InvocationIDs))
	if h.Skipped() {
		fmt.Printf("  skipped: %s\n", h.SkippedReason)
	}
	for _, a := range h.SkippedAccounts {
		fmt.Printf("  no role in account %s\n", a)
	}
	for scope, msg := range h.ScopeErrors {
		fmt.Printf("  selection failed in %s: %s\n", scope, msg)
	}
}

func printResults(results []engine.InvocationResult) {
	if len(results) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INVOCATION\tACCOUNT\tREGION\tRESOURCES\tSTATE\tERROR")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", r.InvocationID, r.Account, r.Region, len(r.ResourceIDs), r.State, r.Error)
	}
	_ = w.Flush()
}
