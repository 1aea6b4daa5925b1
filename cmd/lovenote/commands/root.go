// Package commands implements the lovenote CLI using cobra.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lovenote/lovenote/pkg/lovenote/config"
	"github.com/lovenote/lovenote/pkg/lovenote/store"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lovenote",
		Short: "lovenote - messaging channel manager",
		Long: `lovenote keeps per-user Telegram, WhatsApp and Discord channels
connected and delivers messages through them.

Examples:
  lovenote serve
  lovenote channels add --user alice --platform telegram
  lovenote send --user alice --platform telegram --target 42 "good morning"
  lovenote health`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChannelsCmd(),
		newSendCmd(),
		newHealthCmd(),
		newSecretCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

// resolveConfig loads the config named by --config, or the first standard
// location, or the defaults.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	return config.Load(path)
}

// newLogger builds the slog handler selected by logging.format at
// logging.level, never below floor. --verbose forces debug.
func newLogger(cmd *cobra.Command, cfg *config.Config, w io.Writer, floor slog.Level) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Logging.Level != "" {
		_ = level.UnmarshalText([]byte(cfg.Logging.Level))
	}
	if level < floor {
		level = floor
	}
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Logging.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// openStore opens and migrates the configured channel store.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// commandSetup loads config and a warn-level stderr logger for one-shot
// commands.
func commandSetup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cmd, cfg, cmd.ErrOrStderr(), slog.LevelWarn), nil
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
