package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsautomator/opsautomator/pkg/engine"
	"github.com/opsautomator/opsautomator/pkg/stores"
)

func newInvocationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invocations",
		Short: "Inspect stored invocations",
		Long: `Inspect the invocations and events recorded in the invocation store.

Invocations are kept for the configured retention after they finish.`,
	}

	cmd.AddCommand(newInvocationsListCommand())
	cmd.AddCommand(newInvocationsShowCommand())
	cmd.AddCommand(newInvocationsTasksCommand())

	return cmd
}

func openConfiguredStore(cmd *cobra.Command) (*stores.SQLiteStore, error) {
	cfg, err := loadEngineConfig()
	if err != nil {
		return nil, err
	}
	return openStore(cmd.Context(), cfg.Store)
}

func newInvocationsListCommand() *cobra.Command {
	var (
		task   string
		states []string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List invocations, newest first",
		Example: `  # List the last 50 invocations
  opsautomator invocations list

  # List failed invocations of one task
  opsautomator invocations list --task backup-volumes --state failed --state timed_out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConfiguredStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := engine.InvocationFilter{Task: task, Limit: limit}
			for _, s := range states {
				filter.States = append(filter.States, engine.InvocationState(s))
			}
			invs, err := store.ListInvocations(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(invs)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTASK\tACCOUNT\tREGION\tSTATE\tCREATED\tERROR")
			for _, inv := range invs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					inv.ID, inv.Task, inv.Account, inv.Region, inv.State,
					inv.CreatedAt.Format(time.RFC3339), inv.Error)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&task, "task", "", "only invocations of this task")
	cmd.Flags().StringSliceVar(&states, "state", nil, "only invocations in these states")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of invocations")

	return cmd
}

func newInvocationsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <invocation-id>",
		Short: "Show an invocation and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConfiguredStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			inv, err := store.GetInvocation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			events, err := store.ListEvents(cmd.Context(), stores.EventFilter{InvocationID: inv.ID})
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"invocation": inv, "events": events})
		},
	}
}

func newInvocationsTasksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the last dispatch of every task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConfiguredStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListTaskRuns(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(runs)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tLAST DISPATCH\tDISPATCHES")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%d\n", r.Task, r.LastDispatchedAt.Format(time.RFC3339), r.DispatchCount)
			}
			return w.Flush()
		},
	}
}
