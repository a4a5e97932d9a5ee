package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	tasksPath  string
	jsonOutput bool

	version = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, v, commit, buildDate string) error {
	version = v
	rootCmd := newRootCommand(v, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "opsautomator",
		Short: "Ops Automator - tag driven task automation for AWS accounts",
		Long: `Ops Automator runs tasks against the resources of one or more AWS
accounts and regions. Resources are selected with tag filter expressions,
tasks are triggered by schedules, tag change events or manual requests.

Features:
  - Tag filter expressions and task list tags
  - Cross-account role sessions
  - Per-service retry and concurrency limits
  - Event loop protection for tag writing tasks
  - Persisted invocation state across restarts`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ops-automator.yaml", "engine config file path")
	rootCmd.PersistentFlags().StringVarP(&tasksPath, "tasks", "t", "", "task file or directory, overrides the configured task source")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newDispatchCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newSelftestCommand())
	rootCmd.AddCommand(newInvocationsCommand())

	return rootCmd
}
