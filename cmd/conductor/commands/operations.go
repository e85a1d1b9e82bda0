package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cloudconductor/conductor/pkg/engine"
	"github.com/cloudconductor/conductor/pkg/telemetry"
)

func newBuildCommand(opts *globalOptions) *cobra.Command {
	return newOperationCommand(opts, engine.OperationCreate, &cobra.Command{
		Use:   "build <environment-id>",
		Short: "Build the stacks of an environment",
		Long: `Provision every pattern of an environment, platform pattern first.

Candidate clouds are tried in priority order. A failed attempt is torn down
before the next candidate is tried. Once all stacks converged the configure
and deploy events are fired on the environment's nodes.`,
		Example: `  # Build an environment
  conductor build 0b6c7e0e-2f8e-4c55-9bd0-3f4a5c2d7e11

  # Build and print the result as JSON
  conductor build 0b6c7e0e-2f8e-4c55-9bd0-3f4a5c2d7e11 --json`,
	})
}

func newUpdateCommand(opts *globalOptions) *cobra.Command {
	return newOperationCommand(opts, engine.OperationUpdate, &cobra.Command{
		Use:   "update <environment-id>",
		Short: "Update the stacks of an environment",
		Long: `Submit new templates for the stacks of an environment on the cloud
its platform stack runs on. Nodes added by the update are configured,
restored and deployed.`,
		Example: `  conductor update 0b6c7e0e-2f8e-4c55-9bd0-3f4a5c2d7e11`,
	})
}

func newDestroyCommand(opts *globalOptions) *cobra.Command {
	return newOperationCommand(opts, engine.OperationDelete, &cobra.Command{
		Use:   "destroy <environment-id>",
		Short: "Destroy the stacks of an environment",
		Long: `Delete the optional stacks of an environment, wait for them to disappear,
then delete the platform stack.`,
		Example: `  conductor destroy 0b6c7e0e-2f8e-4c55-9bd0-3f4a5c2d7e11`,
	})
}

// newOperationCommand completes cmd with a synchronous run of op.
func newOperationCommand(opts *globalOptions, op engine.OperationType, cmd *cobra.Command) *cobra.Command {
	cmd.Args = cobra.ExactArgs(1)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, opts, nil)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

		env, err := a.store.LoadEnvironment(ctx, args[0])
		if err != nil {
			return err
		}
		orch, err := a.orchestrator(ctx)
		if err != nil {
			return err
		}

		ic := telemetry.StartOperation(a.tel.WithContext(ctx), "environment."+string(op),
			telemetry.AttrEnvironmentID.String(env.ID))
		ic.Logger.WithEnvironment(env.ID).Info("starting operation")

		switch op {
		case engine.OperationCreate:
			err = orch.Build(ic.Ctx, env)
		case engine.OperationUpdate:
			err = orch.Update(ic.Ctx, env)
		case engine.OperationDelete:
			err = orch.DestroyStacks(ic.Ctx, env)
		default:
			err = fmt.Errorf("unsupported operation %s", op)
		}
		ic.End(err)
		log.Debug().
			Str("environment", env.ID).
			Dur("duration", ic.Timer.Duration()).
			Msg("Operation finished")
		if err != nil {
			return err
		}

		if op == engine.OperationDelete {
			fmt.Fprintf(cmd.OutOrStdout(), "Destroyed stacks of %s\n", env.ID)
			return nil
		}
		return printEnvironment(cmd.OutOrStdout(), env, opts.jsonOutput)
	}
	return cmd
}
