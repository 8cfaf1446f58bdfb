// Package daemon loads relay configuration and composes the long-running
// process: store, coordination backends, registry, scheduler, worker pool
// and the operational HTTP server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	otelapi "go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/toolrelay/bus"
	"github.com/petal-labs/toolrelay/conductor"
	"github.com/petal-labs/toolrelay/coord"
	relayotel "github.com/petal-labs/toolrelay/otel"
	"github.com/petal-labs/toolrelay/server"
	"github.com/petal-labs/toolrelay/tool"
	"github.com/petal-labs/toolrelay/vault"
	"github.com/petal-labs/toolrelay/worker"
)

const (
	instrumentationName = "github.com/petal-labs/toolrelay"
	shutdownTimeout     = 15 * time.Second
)

// Options carries process-level collaborators that are not part of Config.
type Options struct {
	Logger *slog.Logger
	// HTTPClient overrides every outbound client. When nil each component
	// builds a pooled client bounded by its Config.HTTP timeout.
	HTTPClient *http.Client
	// Registry receives the Prometheus collectors (default: a new registry
	// with Go and process collectors).
	Registry *prometheus.Registry
}

// Daemon is one composed relay process.
type Daemon struct {
	cfg    Config
	logger *slog.Logger

	Store     tool.Store
	Vault     *vault.Vault
	Backends  *coord.Backends
	Registry  *tool.Registry
	Health    *tool.HealthChecker
	Scheduler *tool.SyncScheduler
	Lookup    *worker.Lookup
	Forwarder *worker.Forwarder
	// Pool is nil when no conductor is configured.
	Pool   *worker.Pool
	Server *server.Server

	metrics   *prometheus.Registry
	tracer    *sdktrace.TracerProvider
	lookupSub bus.Subscription
}

// New validates cfg and builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg Config, opts Options) (_ *Daemon, err error) {
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("daemon: invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, w := range cfg.Warnings() {
		logger.Warn("daemon: " + w)
	}
	client := opts.HTTPClient
	metrics := opts.Registry
	if metrics == nil {
		metrics = prometheus.NewRegistry()
		metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	d := &Daemon{cfg: cfg, logger: logger, metrics: metrics}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	if d.Store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	if d.Vault, err = vault.Open(ctx, d.Store); err != nil {
		return nil, fmt.Errorf("daemon: open vault: %w", err)
	}
	if d.Backends, err = coord.New(ctx, coord.Config{
		RedisURL:  cfg.RedisURL,
		BusDriver: cfg.Bus.Driver,
		NATSURL:   cfg.Bus.NATSURL,
		Logger:    logger,
	}); err != nil {
		return nil, err
	}

	observer, err := d.observers(ctx)
	if err != nil {
		return nil, err
	}

	if d.Registry, err = tool.NewRegistry(tool.RegistryConfig{
		Store:        d.Store,
		Vault:        d.Vault,
		Cache:        d.Backends.Cache,
		Bus:          d.Backends.Bus,
		AppID:        cfg.AppID,
		HTTPClient:   client,
		FetchTimeout: cfg.HTTP.FetchTimeout,
		FetchRate:    cfg.HTTP.FetchRate,
		Observer:     observer,
		Logger:       logger,
	}); err != nil {
		return nil, err
	}
	if d.Health, err = tool.NewHealthChecker(tool.HealthCheckerConfig{
		Store:      d.Store,
		HTTPClient: client,
		Timeout:    cfg.HTTP.HealthTimeout,
		AppID:      cfg.AppID,
		Observer:   observer,
		Logger:     logger,
	}); err != nil {
		return nil, err
	}
	if cfg.CronEnabled() {
		schedCfg := tool.SyncSchedulerConfig{
			Registry:        d.Registry,
			Health:          d.Health,
			Locker:          d.Backends.Locker,
			AppID:           cfg.AppID,
			SyncSchedule:    cfg.Cron.SyncSchedule,
			HealthSchedule:  cfg.Cron.HealthSchedule,
			LockTTL:         cfg.Cron.LockTTL,
			Sources:         cfg.Sources,
			RegisterOptions: cfg.RegisterOptions(),
			Observer:        observer,
			Logger:          logger,
		}
		// The embedded cache cannot block on a pop, so only a shared cache
		// feeds the sync-request queue.
		if d.Backends.Distributed {
			schedCfg.Cache = d.Backends.Cache
		}
		if d.Scheduler, err = tool.NewSyncScheduler(schedCfg); err != nil {
			return nil, err
		}
	}

	if d.Lookup, err = worker.NewLookup(worker.LookupConfig{
		Store:  d.Store,
		Cache:  d.Backends.Cache,
		AppID:  cfg.AppID,
		Logger: logger,
	}); err != nil {
		return nil, err
	}
	if d.Forwarder, err = worker.NewForwarder(worker.ForwarderConfig{
		Lookup:     d.Lookup,
		Store:      d.Store,
		Vault:      d.Vault,
		Bus:        d.Backends.Bus,
		Limiter:    d.Backends.Limiter,
		AppID:      cfg.AppID,
		HTTPClient: client,
		Timeout:    cfg.HTTP.ToolTimeout,
		Observer:   observer,
		Logger:     logger,
	}); err != nil {
		return nil, err
	}
	if cfg.WorkerEnabled() {
		queueClient := client
		if queueClient == nil {
			queueClient = tool.NewHTTPClient(cfg.Conductor.Timeout)
		}
		queue, err := conductor.New(conductor.Config{
			BaseURL:    cfg.Conductor.BaseURL,
			Username:   cfg.Conductor.Username,
			Password:   cfg.Conductor.Password,
			HTTPClient: queueClient,
			Timeout:    cfg.Conductor.Timeout,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		if d.Pool, err = worker.NewPool(worker.PoolConfig{
			Queue:              queue,
			Executor:           d.Forwarder,
			Cache:              d.Backends.Cache,
			AppID:              cfg.AppID,
			TaskPrefix:         cfg.Worker.TaskPrefix,
			WorkerID:           cfg.Worker.ID,
			Concurrency:        cfg.Worker.Concurrency,
			PollInterval:       cfg.Worker.PollInterval,
			TaskTimeoutSeconds: cfg.Worker.TaskTimeoutSeconds,
			Logger:             logger,
		}); err != nil {
			return nil, err
		}
	} else {
		logger.Info("daemon: conductor base_url not set, task worker disabled")
	}

	srvCfg := server.ServerConfig{
		Store:      d.Store,
		Registry:   d.Registry,
		Cache:      d.Backends.Cache,
		AppID:      cfg.AppID,
		Gatherer:   metrics,
		AdminToken: cfg.AdminToken,
		Logger:     logger,
	}
	if d.Pool != nil {
		srvCfg.Pool = d.Pool
	}
	d.Server = server.NewServer(srvCfg)
	return d, nil
}

func (d *Daemon) observers(ctx context.Context) (tool.Observer, error) {
	tp, err := relayotel.NewTracerProvider(ctx, relayotel.TracingConfig{
		Endpoint:    d.cfg.Tracing.Endpoint,
		ServiceName: d.cfg.Tracing.ServiceName,
		SampleRatio: d.cfg.Tracing.SampleRatio,
		Headers:     d.cfg.Tracing.Headers,
	})
	if err != nil {
		return nil, err
	}
	d.tracer = tp
	spans, err := relayotel.NewToolObserver(otelapi.GetMeterProvider().Meter(instrumentationName), tp.Tracer(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("daemon: otel observer: %w", err)
	}
	prom, err := relayotel.NewPrometheusObserver(d.metrics)
	if err != nil {
		return nil, fmt.Errorf("daemon: prometheus observer: %w", err)
	}
	return tool.MultiObserver{spans, prom}, nil
}

func openStore(ctx context.Context, cfg StoreConfig) (tool.Store, error) {
	switch cfg.Driver {
	case StoreMemory:
		return tool.NewMemoryStore(), nil
	case StorePostgres:
		return tool.OpenPostgresStore(ctx, cfg.DSN)
	case StoreSQLite:
		return tool.NewSQLiteStore(tool.SQLiteStoreConfig{DSN: cfg.DSN})
	default:
		return nil, fmt.Errorf("daemon: unsupported store driver %q", cfg.Driver)
	}
}

// Run starts the scheduler, the worker pool and the HTTP server and blocks
// until ctx is cancelled or one of them fails.
func (d *Daemon) Run(ctx context.Context) error {
	sub, err := d.Lookup.Watch(ctx, d.Backends.Bus)
	if err != nil {
		return fmt.Errorf("daemon: watch reconciles: %w", err)
	}
	d.lookupSub = sub

	g, gctx := errgroup.WithContext(ctx)
	if d.Scheduler != nil {
		if err := d.Scheduler.Start(gctx); err != nil {
			return err
		}
	}
	if d.Pool != nil {
		g.Go(func() error { return d.Pool.Run(gctx) })
	}
	g.Go(func() error { return d.Server.Run(gctx, d.cfg.Listen) })

	d.logger.Info("daemon: started",
		"app_id", d.cfg.AppID,
		"listen", d.cfg.Listen,
		"store", d.cfg.Store.Driver,
		"distributed", d.Backends.Distributed,
		"worker", d.Pool != nil,
		"cron", d.Scheduler != nil,
	)
	runErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if d.Scheduler != nil {
		if err := d.Scheduler.Stop(stopCtx); err != nil {
			d.logger.Warn("daemon: scheduler stop", "error", err)
		}
	}
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return runErr
}

// Close releases every component. It is safe to call on a partially built
// daemon.
func (d *Daemon) Close() error {
	var errs []error
	if d.lookupSub != nil {
		errs = append(errs, d.lookupSub.Close())
		d.lookupSub = nil
	}
	if d.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, d.tracer.Shutdown(ctx))
		cancel()
		d.tracer = nil
	}
	if d.Backends != nil {
		errs = append(errs, d.Backends.Close())
		d.Backends = nil
	}
	if d.Store != nil {
		errs = append(errs, d.Store.Close())
		d.Store = nil
	}
	return errors.Join(errs...)
}

// Config returns the effective configuration.
func (d *Daemon) Config() Config {
	return d.cfg
}
