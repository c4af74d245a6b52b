package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dull-quay940/mcp-supervisor/internal/observability"
)

func newServeCommand(a *app) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor and its metrics endpoint until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := a.startServices()
			if err != nil {
				return err
			}
			metrics := observability.NewMetricsServer(svc.cfg.Observability.Metrics, svc.registry, svc.logger)
			if err := metrics.Start(); err != nil {
				_ = svc.Close(context.Background())
				return err
			}
			svc.logger.Info("supervisor serving",
				"workers", len(svc.catalog.List()),
				"metrics_addr", metrics.Addr())

			<-ctx.Done()
			svc.logger.Info("signal received, shutting down", "timeout", shutdownTimeout)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			g, gctx := errgroup.WithContext(shutdownCtx)
			g.Go(func() error { return svc.Close(gctx) })
			g.Go(func() error { return metrics.Shutdown(gctx) })
			return g.Wait()
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", time.Minute, "how long to wait for workers to stop")
	return cmd
}
