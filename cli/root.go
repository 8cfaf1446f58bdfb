// Package cli implements the toolrelay command tree.
package cli

import (
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolrelay/daemon"
)

// NewRootCmd builds the toolrelay command with every subcommand attached.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "toolrelay",
		Short: "Tool registry and task relay",
		Long:  "toolrelay discovers tool servers from manifests, keeps their definitions in sync and forwards workflow tasks to them.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
		Version:      version,
	}
	root.SetVersionTemplate("toolrelay version {{.Version}}\n")
	root.PersistentFlags().String("config", "", "Path to toolrelay.yaml (default: ./toolrelay.yaml, then ~/.toolrelay/config.yaml)")
	root.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewSyncCmd())
	root.AddCommand(NewValidateManifestCmd())
	return root
}

// loadConfig resolves the config named by --config and validates it.
func loadConfig(cmd *cobra.Command) (daemon.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, path, err := daemon.LoadConfig(explicit)
	if err != nil {
		return daemon.Config{}, exitError(exitConfig, "loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return daemon.Config{}, exitError(exitConfig, "invalid config %s: %v", displayPath(path), err)
	}
	return cfg, nil
}

func displayPath(path string) string {
	if path == "" {
		return "(defaults)"
	}
	return path
}

// newLogger writes JSON logs at the configured level; --verbose forces debug.
func newLogger(cmd *cobra.Command, w io.Writer, level string) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
