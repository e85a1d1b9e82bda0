package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudconductor/conductor/pkg/images"
)

func newImagesCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images",
		Short: "Machine image management",
	}
	cmd.AddCommand(newImagesApplyCommand(opts))
	cmd.AddCommand(newImagesListCommand(opts))
	return cmd
}

func newImagesApplyCommand(opts *globalOptions) *cobra.Command {
	var (
		snapshotID  string
		resultsFile string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Record the results of an image build",
		Long: `Apply an image build callback payload to the images of a pattern snapshot.

The payload maps "{cloud}-{os}----{role}" keys to a result:

  {"aws-tokyo-centos----web": {"status": "SUCCESS", "image_id": "ami-0abc"},
   "aws-tokyo-centos----db":  {"status": "ERROR", "message": "provisioner failed"}}`,
		Example: `  conductor images apply --snapshot 5d1c... --results results.json`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(resultsFile)
			if err != nil {
				return fmt.Errorf("failed to read results: %w", err)
			}
			var results map[string]images.Result
			if err := json.Unmarshal(data, &results); err != nil {
				return fmt.Errorf("failed to decode results %s: %w", resultsFile, err)
			}

			ctx := cmd.Context()
			a, err := openApp(ctx, opts, nil)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

			if err := images.Apply(ctx, a.store, snapshotID, results); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d image result(s)\n", len(results))
			return nil
		},
	}

	cmd.Flags().StringVar(&snapshotID, "snapshot", "", "pattern snapshot ID")
	cmd.Flags().StringVar(&resultsFile, "results", "", "image build results file (JSON)")
	_ = cmd.MarkFlagRequired("snapshot")
	_ = cmd.MarkFlagRequired("results")

	return cmd
}

func newImagesListCommand(opts *globalOptions) *cobra.Command {
	var snapshotID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the images of a pattern snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, nil)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

			list, err := a.store.ListImages(ctx, snapshotID)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			for _, img := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%s\n",
					img.CloudID, img.OSVersion, img.Role, img.Status, img.ImageID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&snapshotID, "snapshot", "", "pattern snapshot ID")
	_ = cmd.MarkFlagRequired("snapshot")

	return cmd
}
