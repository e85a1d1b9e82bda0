package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cloudconductor/conductor/pkg/engine"
)

func newStatusCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <environment-id>",
		Short: "Show the status of an environment and its stacks",
		Example: `  conductor status 0b6c7e0e-2f8e-4c55-9bd0-3f4a5c2d7e11
  conductor status 0b6c7e0e-2f8e-4c55-9bd0-3f4a5c2d7e11 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
			return printEnvironment(cmd.OutOrStdout(), env, opts.jsonOutput)
		},
	}
	return cmd
}

// environmentView is the printed form of an environment.
type environmentView struct {
	ID                string                   `json:"id"`
	Name              string                   `json:"name"`
	Status            engine.EnvironmentStatus `json:"status"`
	ApplicationStatus engine.ApplicationStatus `json:"application_status"`
	FrontendAddress   string                   `json:"frontend_address,omitempty"`
	Stacks            []stackView              `json:"stacks"`
}

type stackView struct {
	Name     string             `json:"name"`
	Pattern  string             `json:"pattern"`
	Cloud    string             `json:"cloud"`
	Provider string             `json:"provider,omitempty"`
	Status   engine.StackStatus `json:"status"`
}

func newEnvironmentView(env *engine.Environment) environmentView {
	view := environmentView{
		ID:                env.ID,
		Name:              env.Name,
		Status:            env.Status(),
		ApplicationStatus: env.ApplicationStatus,
		FrontendAddress:   env.FrontendAddress,
		Stacks:            []stackView{},
	}
	for _, s := range env.OrderedStacks() {
		view.Stacks = append(view.Stacks, stackView{
			Name:     s.Name,
			Pattern:  s.Pattern.Name,
			Cloud:    s.Cloud.Name,
			Provider: s.Provider,
			Status:   s.Status,
		})
	}
	return view
}

func printEnvironment(w io.Writer, env *engine.Environment, asJSON bool) error {
	view := newEnvironmentView(env)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	fmt.Fprintf(w, "Environment: %s (%s)\n", view.Name, view.ID)
	fmt.Fprintf(w, "Status:      %s\n", view.Status)
	fmt.Fprintf(w, "Application: %s\n", view.ApplicationStatus)
	if view.FrontendAddress != "" {
		fmt.Fprintf(w, "Frontend:    %s\n", view.FrontendAddress)
	}
	if len(view.Stacks) == 0 {
		fmt.Fprintln(w, "No stacks")
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STACK\tPATTERN\tCLOUD\tPROVIDER\tSTATUS")
	for _, s := range view.Stacks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.Pattern, s.Cloud, s.Provider, s.Status)
	}
	return tw.Flush()
}
