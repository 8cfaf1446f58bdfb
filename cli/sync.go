package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolrelay/coord"
	"github.com/petal-labs/toolrelay/daemon"
	"github.com/petal-labs/toolrelay/tool"
)

// NewSyncCmd creates the "sync" subcommand.
func NewSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [manifest-url...]",
		Short: "Reconcile tool servers now, or queue manifests for a running fleet",
		Long: `Without arguments, sync reconciles every persisted tool server and the
configured sources once. With manifest URLs it registers only those.
--openapi NAMESPACE=URL registers a namespace straight from an OpenAPI
document, without a manifest; it may be repeated and combined with URLs.

With --enqueue the URLs are pushed onto the shared sync-request queue and a
running relay registers them; this requires redis_url.`,
		RunE: runSync,
	}
	cmd.Flags().Bool("enqueue", false, "Queue manifest URLs for a running relay instead of syncing here")
	cmd.Flags().StringArray("openapi", nil, "Register NAMESPACE=URL from an OpenAPI document (repeatable)")
	cmd.Flags().String("team-id", "", "Team stamped onto created tool definitions")
	cmd.Flags().String("creator-user-id", "", "User stamped onto created tool definitions")
	cmd.Flags().Bool("private", false, "Create private tool definitions")
	return cmd
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cmd.ErrOrStderr(), cfg.LogLevel)
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	specs, _ := cmd.Flags().GetStringArray("openapi")
	if enqueue, _ := cmd.Flags().GetBool("enqueue"); enqueue {
		if len(specs) > 0 {
			return exitError(exitValidation, "--enqueue only queues manifest URLs")
		}
		return enqueueSync(ctx, out, cfg, args)
	}
	descs := make([]tool.ServerDescriptor, 0, len(args)+len(specs))
	for _, u := range args {
		descs = append(descs, tool.ServerDescriptor{ManifestURL: u})
	}
	for _, spec := range specs {
		ns, u, ok := strings.Cut(spec, "=")
		if !ok || strings.TrimSpace(ns) == "" || strings.TrimSpace(u) == "" {
			return exitError(exitValidation, "--openapi %q: want NAMESPACE=URL", spec)
		}
		descs = append(descs, tool.ServerDescriptor{
			ImportType:     tool.ImportOpenAPISpec,
			Namespace:      strings.TrimSpace(ns),
			OpenAPISpecURL: strings.TrimSpace(u),
		})
	}

	opts := cfg.RegisterOptions()
	if v, _ := cmd.Flags().GetString("team-id"); v != "" {
		opts.TeamID = v
	}
	if v, _ := cmd.Flags().GetString("creator-user-id"); v != "" {
		opts.CreatorUserID = v
	}
	if v, _ := cmd.Flags().GetBool("private"); v {
		opts.Private = true
	}

	off := false
	cfg.Cron.Enabled = &off
	cfg.Conductor.BaseURL = ""
	d, err := daemon.New(ctx, cfg, daemon.Options{Logger: logger})
	if err != nil {
		return exitError(exitRuntime, "starting toolrelay: %v", err)
	}
	defer func() { _ = d.Close() }()

	var result tool.BatchResult
	if len(descs) > 0 {
		result = d.Registry.RegisterBatch(ctx, descs, opts)
	} else {
		result, err = d.Registry.ReconcileAll(ctx, cfg.Sources, opts)
		if err != nil {
			return exitError(exitRuntime, "listing tool servers: %v", err)
		}
	}

	for _, r := range result.Results {
		fmt.Fprintf(out, "%s: tools +%d ~%d -%d\n", r.Namespace, r.Tools.Created, r.Tools.Updated, r.Tools.Deleted)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(out, "FAILED %s\n", e.Error())
	}
	fmt.Fprintf(out, "Synced %d server(s), %d failed\n", result.Succeeded, result.Failed)
	if result.Failed > 0 {
		return exitError(exitRuntime, "%d source(s) failed to sync", result.Failed)
	}
	return nil
}

func enqueueSync(ctx context.Context, out io.Writer, cfg daemon.Config, urls []string) error {
	if cfg.RedisURL == "" {
		return exitError(exitConfig, "--enqueue requires redis_url: the queue is only shared through redis")
	}
	if len(urls) == 0 {
		return exitError(exitValidation, "--enqueue requires at least one manifest URL")
	}
	backends, err := coord.New(ctx, coord.Config{RedisURL: cfg.RedisURL})
	if err != nil {
		return exitError(exitRuntime, "connecting to redis: %v", err)
	}
	defer func() { _ = backends.Close() }()

	for _, u := range urls {
		if err := tool.EnqueueSync(ctx, backends.Cache, cfg.AppID, u); err != nil {
			return exitError(exitRuntime, "queueing %s: %v", u, err)
		}
		fmt.Fprintf(out, "Queued %s\n", u)
	}
	return nil
}
