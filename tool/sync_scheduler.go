package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/toolrelay/cache"
	"github.com/petal-labs/toolrelay/lock"
)

const (
	DefaultSyncSchedule   = "@every 10s"
	DefaultHealthSchedule = "@every 30s"

	defaultJobLockTTL   = 2 * time.Minute
	defaultQueueWait    = 5 * time.Second
	lockReleaseTimeout  = 5 * time.Second
	queueErrorBackoff   = time.Second
	jobSyncTools        = "sync-tools"
	jobHealthCheck      = "health-check"
	jobSyncRequestQueue = "sync-requests"
)

var scheduleParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule parses a 5-field cron expression or a descriptor such as
// "@every 10s". Schedules run in UTC; timezone prefixes are rejected.
func ParseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("tool: schedule is required")
	}
	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("tool: schedule must be UTC-only (timezone prefixes are not allowed)")
	}
	schedule, err := scheduleParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("tool: invalid schedule %q: %w", clean, err)
	}
	return schedule, nil
}

// SyncSchedulerConfig configures the reconciliation and health jobs.
type SyncSchedulerConfig struct {
	Registry *Registry
	Health   *HealthChecker
	Locker   lock.Locker
	// Cache feeds the sync-request queue. Without it the queue is not drained.
	Cache cache.Cache
	AppID string

	SyncSchedule   string
	HealthSchedule string
	// LockTTL bounds each job. The job context expires with the lock, so a
	// job never runs on after another replica could take over.
	LockTTL time.Duration
	// QueueWait is the blocking-pop timeout of the sync-request queue.
	QueueWait time.Duration

	Sources         []ServerDescriptor
	RegisterOptions RegisterOptions

	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

// SyncScheduler runs lock-guarded reconciliation and health ticks on a cron.
type SyncScheduler struct {
	registry  *Registry
	health    *HealthChecker
	locker    lock.Locker
	cache     cache.Cache
	appID     string
	syncSpec  cron.Schedule
	healthSpc cron.Schedule
	lockTTL   time.Duration
	queueWait time.Duration
	sources   []ServerDescriptor
	opts      RegisterOptions
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyncScheduler creates a scheduler. It does not start it.
func NewSyncScheduler(cfg SyncSchedulerConfig) (*SyncScheduler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("tool: sync scheduler registry is nil")
	}
	if cfg.Locker == nil {
		return nil, errors.New("tool: sync scheduler locker is nil")
	}
	if cfg.SyncSchedule == "" {
		cfg.SyncSchedule = DefaultSyncSchedule
	}
	if cfg.HealthSchedule == "" {
		cfg.HealthSchedule = DefaultHealthSchedule
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultJobLockTTL
	}
	if cfg.QueueWait <= 0 {
		cfg.QueueWait = defaultQueueWait
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	syncSpec, err := ParseSchedule(cfg.SyncSchedule)
	if err != nil {
		return nil, err
	}
	healthSpec, err := ParseSchedule(cfg.HealthSchedule)
	if err != nil {
		return nil, err
	}

	return &SyncScheduler{
		registry:  cfg.Registry,
		health:    cfg.Health,
		locker:    cfg.Locker,
		cache:     cfg.Cache,
		appID:     cfg.AppID,
		syncSpec:  syncSpec,
		healthSpc: healthSpec,
		lockTTL:   cfg.LockTTL,
		queueWait: cfg.QueueWait,
		sources:   append([]ServerDescriptor(nil), cfg.Sources...),
		opts:      cfg.RegisterOptions,
		observer:  observerOrNoop(cfg.Observer),
		logger:    cfg.Logger,
		now:       cfg.Now,
	}, nil
}

// Start schedules the jobs and the sync-request drain loop. Jobs stop when
// ctx is cancelled or Stop is called.
func (s *SyncScheduler) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("tool: sync scheduler is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	logger := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(s.syncSpec, cron.FuncJob(func() {
		_, _, _ = s.RunSyncOnce(loopCtx)
	}))
	if s.health != nil {
		c.Schedule(s.healthSpc, cron.FuncJob(func() {
			_, _, _ = s.RunHealthOnce(loopCtx)
		}))
	}
	c.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if s.cache == nil {
			<-loopCtx.Done()
			return
		}
		s.drainSyncRequests(loopCtx)
	}()

	s.cron = c
	s.cancel = cancel
	s.done = done
	return nil
}

// Stop cancels running jobs and waits for them to return or ctx to end.
func (s *SyncScheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	c, cancel, done := s.cron, s.cancel, s.done
	s.cron, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	cancel()
	stopped := c.Stop()
	for _, wait := range []<-chan struct{}{stopped.Done(), done} {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RunSyncOnce reconciles every known server and the configured sources if
// the sync lock is free. ran is false when another process holds the lock.
func (s *SyncScheduler) RunSyncOnce(ctx context.Context) (ran bool, result BatchResult, err error) {
	ran, err = s.runLocked(ctx, jobSyncTools, SyncLockResource(s.appID), func(jobCtx context.Context) (int, int, error) {
		result, err = s.registry.ReconcileAll(jobCtx, s.sources, s.opts)
		if err != nil {
			return 0, 0, err
		}
		s.logger.Info("tool: sync tools finished", "succeeded", result.Succeeded, "failed", result.Failed)
		return result.Succeeded, result.Failed, nil
	})
	return ran, result, err
}

// RunHealthOnce probes every server if the health lock is free.
func (s *SyncScheduler) RunHealthOnce(ctx context.Context) (ran bool, summary HealthSummary, err error) {
	if s.health == nil {
		return false, HealthSummary{}, errors.New("tool: health checker is not configured")
	}
	ran, err = s.runLocked(ctx, jobHealthCheck, HealthLockResource(s.appID), func(jobCtx context.Context) (int, int, error) {
		summary, err = s.health.CheckAll(jobCtx)
		if err != nil {
			return 0, 0, err
		}
		s.logger.Debug("tool: health check finished", "up", summary.Up, "down", summary.Down, "skipped", summary.Skipped)
		return summary.Up, summary.Down, nil
	})
	return ran, summary, err
}

func (s *SyncScheduler) runLocked(ctx context.Context, job, resource string, fn func(context.Context) (int, int, error)) (bool, error) {
	start := s.now()
	id, ok, err := s.locker.AcquireLock(ctx, resource, s.lockTTL)
	if err != nil {
		s.logger.Warn("tool: acquire job lock failed", "job", job, "error", err)
		return false, fmt.Errorf("tool: acquire %s lock: %w", job, err)
	}
	if !ok {
		s.logger.Debug("tool: job lock held elsewhere, skipping", "job", job)
		s.observer.ObserveJob(JobObservation{Job: job, Acquired: false})
		return false, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
		defer cancel()
		if _, err := s.locker.ReleaseLock(releaseCtx, resource, id); err != nil {
			s.logger.Warn("tool: release job lock failed", "job", job, "error", err)
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, s.lockTTL)
	defer cancel()
	succeeded, failed, err := fn(jobCtx)
	s.observer.ObserveJob(JobObservation{
		Job:        job,
		Acquired:   true,
		DurationMS: s.now().Sub(start).Milliseconds(),
		Succeeded:  succeeded,
		Failed:     failed,
	})
	if err != nil {
		s.logger.Error("tool: job failed", "job", job, "error", err)
		return true, err
	}
	return true, nil
}

// drainSyncRequests registers manifest URLs pushed onto the request queue.
// The embedded cache cannot block, so an empty pop waits out the remainder
// of QueueWait before polling again.
func (s *SyncScheduler) drainSyncRequests(ctx context.Context) {
	key := SyncRequestsKey(s.appID)
	for ctx.Err() == nil {
		start := time.Now()
		manifestURL, ok, err := s.cache.BRPop(ctx, s.queueWait, key)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("tool: sync request pop failed", "error", err)
			sleepCtx(ctx, queueErrorBackoff)
		case !ok:
			sleepCtx(ctx, s.queueWait-time.Since(start))
		default:
			result := s.registry.RegisterBatch(ctx, []ServerDescriptor{{ManifestURL: manifestURL}}, s.opts)
			s.observer.ObserveJob(JobObservation{Job: jobSyncRequestQueue, Acquired: true, Succeeded: result.Succeeded, Failed: result.Failed})
		}
	}
}

// EnqueueSync pushes a manifest URL onto the sync-request queue consumed by
// running schedulers.
func EnqueueSync(ctx context.Context, c cache.Cache, appID, manifestURL string) error {
	if c == nil {
		return errors.New("tool: cache is nil")
	}
	if strings.TrimSpace(manifestURL) == "" {
		return newValidationError("manifest_url", "is required")
	}
	if _, err := c.LPush(ctx, SyncRequestsKey(appID), manifestURL); err != nil {
		return fmt.Errorf("tool: enqueue sync request: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
