package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	slogcontext "github.com/veqryn/slog-context"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tilestitch [sub-command]",
		Short: "Register overlapping microscopy tiles into one global frame",
		Long: `tilestitch estimates the pairwise shifts of overlapping 2D or 3D tiles with
phase correlation and solves for one consistent transform per tile,
rejecting unreliable pairwise links.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := baseLogger(cmd)
			if err != nil {
				return fmt.Errorf("could not create logger: %w", err)
			}
			slog.SetDefault(logger)
			cmd.SetContext(slogcontext.NewCtx(cmd.Context(), logger))
			return nil
		},
		SilenceUsage:      true,
		DisableAutoGenTag: true,
	}
	root.PersistentFlags().String("loglevel", "warn", "set the log level (debug, info, warn, error)")
	root.PersistentFlags().String("logformat", "text", "set the log format (text, json)")

	root.AddCommand(newRunCmd(), newSimulateCmd(), newConfigCmd())
	return root
}

func baseLogger(cmd *cobra.Command) (*slog.Logger, error) {
	level, err := cmd.Flags().GetString("loglevel")
	if err != nil {
		return nil, err
	}
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	format, err := cmd.Flags().GetString("logformat")
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}
