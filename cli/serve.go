package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolrelay/daemon"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the registry scheduler, task worker and HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "", "Listen address (overrides config)")
	cmd.Flags().Bool("no-cron", false, "Disable the sync and health schedulers")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	if noCron, _ := cmd.Flags().GetBool("no-cron"); noCron {
		off := false
		cfg.Cron.Enabled = &off
	}
	logger := newLogger(cmd, cmd.ErrOrStderr(), cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, daemon.Options{Logger: logger})
	if err != nil {
		return exitError(exitRuntime, "starting toolrelay: %v", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn("cli: shutdown", "error", err)
		}
	}()

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("toolrelay stopped: %w", err)
	}
	logger.Info("cli: toolrelay stopped")
	return nil
}
