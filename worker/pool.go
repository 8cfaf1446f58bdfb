package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/petal-labs/toolrelay/cache"
	"github.com/petal-labs/toolrelay/conductor"
)

const (
	// DefaultTaskPrefix is prepended to the app ID to form the task type.
	DefaultTaskPrefix = "toolrelay-"

	defaultConcurrency        = 1
	defaultPollInterval       = 500 * time.Millisecond
	defaultPollTimeout        = 100 * time.Millisecond
	defaultTaskTimeoutSeconds = 86400
	reportTimeout             = 30 * time.Second
)

// TaskQueue is the subset of the workflow engine API the pool needs.
type TaskQueue interface {
	WaitHealthy(ctx context.Context, interval time.Duration) error
	RegisterTaskDefs(ctx context.Context, defs ...conductor.TaskDef) error
	PollBatch(ctx context.Context, taskType, workerID string, count int, timeout time.Duration) ([]conductor.Task, error)
	UpdateTask(ctx context.Context, result conductor.TaskResult) error
}

// Executor runs one task to an outcome. It must not panic or block forever.
type Executor interface {
	Execute(ctx context.Context, task conductor.Task) conductor.TaskResult
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Queue    TaskQueue
	Executor Executor
	// Cache records worker membership and in-flight tasks. Optional.
	Cache cache.Cache
	AppID string

	// TaskPrefix + AppID is the task type polled (default prefix: "toolrelay-").
	TaskPrefix string
	// WorkerID identifies this process to the queue (default: hostname).
	WorkerID string
	// Concurrency bounds tasks executing at once (default: 1).
	Concurrency int
	// PollInterval is the pause after an empty or failed poll (default: 500ms).
	PollInterval time.Duration
	// PollTimeout is the long-poll wait passed to the queue (default: 100ms).
	PollTimeout time.Duration
	// TaskTimeoutSeconds is registered on the task definition (default: 86400).
	TaskTimeoutSeconds int64

	Logger *slog.Logger
}

// Pool polls the workflow engine for tool-call tasks and runs them with
// bounded concurrency.
type Pool struct {
	queue        TaskQueue
	exec         Executor
	cache        cache.Cache
	appID        string
	taskType     string
	workerID     string
	concurrency  int64
	pollInterval time.Duration
	pollTimeout  time.Duration
	taskTimeout  int64
	logger       *slog.Logger

	wg sync.WaitGroup
}

// PoolStatus is a point-in-time view of a pool.
type PoolStatus struct {
	WorkerID    string `json:"worker_id"`
	TaskType    string `json:"task_type"`
	Concurrency int    `json:"concurrency"`
	InFlight    int64  `json:"in_flight"`
}

// NewPool creates a pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Queue == nil {
		return nil, errors.New("worker: pool queue is nil")
	}
	if cfg.Executor == nil {
		return nil, errors.New("worker: pool executor is nil")
	}
	if cfg.AppID == "" {
		return nil, errors.New("worker: pool app id is empty")
	}
	if cfg.TaskPrefix == "" {
		cfg.TaskPrefix = DefaultTaskPrefix
	}
	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "toolrelay"
		}
		cfg.WorkerID = host
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = defaultTaskTimeoutSeconds
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		queue:        cfg.Queue,
		exec:         cfg.Executor,
		cache:        cfg.Cache,
		appID:        cfg.AppID,
		taskType:     cfg.TaskPrefix + cfg.AppID,
		workerID:     cfg.WorkerID,
		concurrency:  int64(cfg.Concurrency),
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
		taskTimeout:  cfg.TaskTimeoutSeconds,
		logger:       cfg.Logger,
	}, nil
}

// TaskType returns the queue task type this pool polls.
func (p *Pool) TaskType() string { return p.taskType }

// WorkerID returns the worker identity sent with every poll.
func (p *Pool) WorkerID() string { return p.workerID }

// Run waits for the queue, registers the task definition, then polls until
// ctx is cancelled. Tasks already running are allowed to finish and report
// before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.queue.WaitHealthy(ctx, 0); err != nil {
		return fmt.Errorf("worker: wait for queue: %w", err)
	}
	err := p.queue.RegisterTaskDefs(ctx, conductor.TaskDef{
		Name:           p.taskType,
		Description:    "Tool call forwarded to a registered tool server",
		InputKeys:      []string{},
		OutputKeys:     []string{},
		RetryCount:     0,
		TimeoutSeconds: p.taskTimeout,
	})
	if err != nil {
		return fmt.Errorf("worker: register task definition: %w", err)
	}
	if p.cache != nil {
		if _, err := p.cache.SAdd(ctx, WorkersKey(p.appID), p.workerID); err != nil {
			p.logger.Warn("worker: record worker membership failed", "worker_id", p.workerID, "error", err)
		}
	}

	p.logger.Info("worker: pool started",
		"task_type", p.taskType,
		"worker_id", p.workerID,
		"concurrency", p.concurrency,
	)
	defer func() {
		p.wg.Wait()
		p.logger.Info("worker: pool stopped", "worker_id", p.workerID)
	}()

	sem := semaphore.NewWeighted(p.concurrency)
	for {
		// Block for one slot, then take whatever else is free.
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		slots := 1
		for int64(slots) < p.concurrency && sem.TryAcquire(1) {
			slots++
		}

		tasks, err := p.queue.PollBatch(ctx, p.taskType, p.workerID, slots, p.pollTimeout)
		if err != nil {
			sem.Release(int64(slots))
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("worker: poll failed", "task_type", p.taskType, "error", err)
			if !sleepCtx(ctx, p.pollInterval) {
				return nil
			}
			continue
		}
		if len(tasks) > slots {
			p.logger.Warn("worker: queue returned more tasks than requested", "requested", slots, "returned", len(tasks))
			tasks = tasks[:slots]
		}
		if unused := slots - len(tasks); unused > 0 {
			sem.Release(int64(unused))
		}
		for _, task := range tasks {
			p.wg.Add(1)
			go func(task conductor.Task) {
				defer p.wg.Done()
				defer sem.Release(1)
				p.runTask(ctx, task)
			}(task)
		}
		if len(tasks) == 0 && !sleepCtx(ctx, p.pollInterval) {
			return nil
		}
	}
}

func (p *Pool) runTask(ctx context.Context, task conductor.Task) {
	// Shutdown must not abort a call halfway: the task runs and reports on
	// a context detached from the poll loop.
	taskCtx := context.WithoutCancel(ctx)
	inflight := InFlightKey(p.appID, p.workerID)
	if p.cache != nil {
		if _, err := p.cache.LPush(taskCtx, inflight, task.TaskID); err != nil {
			p.logger.Warn("worker: track in-flight task failed", "task_id", task.TaskID, "error", err)
		}
		defer func() {
			if _, err := p.cache.LRem(taskCtx, inflight, 1, task.TaskID); err != nil {
				p.logger.Warn("worker: untrack in-flight task failed", "task_id", task.TaskID, "error", err)
			}
		}()
	}

	result := p.exec.Execute(taskCtx, task)
	if result.WorkerID == "" {
		result.WorkerID = p.workerID
	}

	reportCtx, cancel := context.WithTimeout(taskCtx, reportTimeout)
	defer cancel()
	if err := p.queue.UpdateTask(reportCtx, result); err != nil {
		p.logger.Error("worker: report task result failed",
			"task_id", task.TaskID,
			"status", result.Status,
			"error", err,
		)
	}
}

// Status reports the pool's identity and in-flight count.
func (p *Pool) Status(ctx context.Context) (PoolStatus, error) {
	st := PoolStatus{
		WorkerID:    p.workerID,
		TaskType:    p.taskType,
		Concurrency: int(p.concurrency),
	}
	if p.cache == nil {
		return st, nil
	}
	n, err := p.cache.LLen(ctx, InFlightKey(p.appID, p.workerID))
	if err != nil {
		return st, fmt.Errorf("worker: read in-flight tasks: %w", err)
	}
	st.InFlight = n
	return st, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ Executor = (*Forwarder)(nil)
var _ TaskQueue = (*conductor.Client)(nil)
