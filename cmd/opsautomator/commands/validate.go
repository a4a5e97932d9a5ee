package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opsautomator/opsautomator/pkg/config"
	"github.com/opsautomator/opsautomator/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the engine config and task definitions",
		Long: `Validate the engine configuration and the task definitions.

This command checks:
  - Engine config fields, retry policies and telemetry settings
  - Task fields, names, schedules and cross-account role ARNs
  - Tag filter expression syntax, warning about values split by '+' or '&'
  - That every task names a registered action with valid parameters`,
		Example: `  # Validate the default config and its task source
  opsautomator validate

  # Validate a task directory against a config
  opsautomator validate -c engine.yaml -t ./tasks`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadEngineConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(ctx, cfg, false)
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
			if err := rt.validateParameters(tasks); err != nil {
				return err
			}

			warnings := config.FilterWarnings(tasks)
			for _, w := range warnings {
				log.Warn().Msg(w)
			}

			log.Info().Int("tasks", len(tasks)).Int("warnings", len(warnings)).Msg("Configuration is valid")
			if jsonOutput {
				return printJSON(tasks)
			}
			for _, task := range tasks {
				fmt.Printf("%-30s %-16s %s\n", task.Name, task.Action, describeTrigger(task))
			}
			return nil
		},
	}

	return cmd
}

func describeTrigger(task *engine.Task) string {
	switch {
	case !task.Enabled:
		return "disabled"
	case task.Schedule != "":
		if _, _, err := config.ScheduleInterval(task); err == nil {
			return "every " + task.Schedule
		}
		return "invalid schedule"
	case len(task.Events) > 0:
		return "on events"
	}
	return "manual"
}
