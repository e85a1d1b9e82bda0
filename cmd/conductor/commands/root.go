package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath  string
	environment string
	verbose     bool
	jsonOutput  bool
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "CloudConductor - multi-cloud environment orchestrator",
		Long: `CloudConductor builds, updates and destroys environments made of one
provider stack per pattern across AWS and OpenStack clouds.

Features:
  - CloudFormation, Heat and Terraform providers
  - Candidate clouds tried in priority order with fallback
  - Template patch pipeline per provider
  - Configure, restore and deploy events over etcd
  - Route 53 records for ready environments`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.environment, "env", "", "telemetry preset: development or production")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newBuildCommand(opts))
	rootCmd.AddCommand(newUpdateCommand(opts))
	rootCmd.AddCommand(newDestroyCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newMigrateCommand(opts))
	rootCmd.AddCommand(newImagesCommand(opts))
	rootCmd.AddCommand(newServeMetricsCommand(opts))

	return rootCmd
}
