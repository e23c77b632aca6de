package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/pipejobs/internal/api"
	"github.com/edvin/pipejobs/internal/metrics"
	"github.com/edvin/pipejobs/internal/restart"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the peer API and metrics, and run the restart supervisor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		g, ctx := errgroup.WithContext(cmd.Context())

		g.Go(func() error {
			return api.NewServer(logger, registry).ListenAndServe(ctx, cfg.HTTPListenAddr)
		})
		g.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsListenAddr).Msg("metrics listening")
			return metrics.ListenAndServe(ctx, metrics.NewServer(cfg.MetricsListenAddr))
		})
		g.Go(func() error {
			return restart.NewSupervisor(registry, logger).Run(ctx)
		})

		return g.Wait()
	},
}

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Run only the restart supervisor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return restart.NewSupervisor(registry, logger).Run(cmd.Context())
	},
}
