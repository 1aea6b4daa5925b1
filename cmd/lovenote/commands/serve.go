package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lovenote/lovenote/pkg/lovenote/container"
)

// shutdownTimeout bounds the graceful stop of every channel.
const shutdownTimeout = 30 * time.Second

// newServeCmd creates the `lovenote serve` command that runs the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, scheduler and channel registry",
		Long: `Start lovenote as a daemon: the HTTP gateway for channel setup and
deliveries, the scheduled deliveries from the config, and the health sweep.

Channels are started on demand through the gateway; serve does not start
any channel by itself.

Examples:
  lovenote serve
  lovenote serve --config ./lovenote.yaml --verbose`,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "override gateway.address")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Gateway.Address = addr
	}
	logger := newLogger(cmd, cfg, os.Stdout, slog.LevelDebug)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := container.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := c.Init(ctx); err != nil {
		_ = c.Shutdown(context.WithoutCancel(ctx))
		return fmt.Errorf("failed to start: %w", err)
	}

	logger.Info("lovenote running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"gateway", cfg.Gateway.Address,
		"database", cfg.Database.Driver,
		"schedules", len(cfg.Schedules),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Gateway().Run(gctx) })
	runErr := g.Wait()

	logger.Info("shutdown signal received, stopping...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	logger.Info("lovenote stopped")
	return runErr
}
