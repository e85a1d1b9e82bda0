package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cloudconductor/conductor/pkg/config"
)

func newServeMetricsCommand(opts *globalOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve Prometheus metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, func(cfg *config.Config) {
				cfg.Telemetry.Metrics.Enabled = true
				if listen != "" {
					cfg.Telemetry.Metrics.ListenAddress = listen
				}
			})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

			server := a.tel.Metrics.Server()
			errCh := make(chan error, 1)
			go func() {
				errCh <- server.ListenAndServe()
			}()
			log.Info().Str("address", server.Addr).Msg("Serving metrics")

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides telemetry.metrics.listen_address)")

	return cmd
}
