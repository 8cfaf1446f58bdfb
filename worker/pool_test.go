package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/toolrelay/cache"
	"github.com/petal-labs/toolrelay/conductor"
)

type fakeQueue struct {
	mu        sync.Mutex
	pending   []conductor.Task
	defs      []conductor.TaskDef
	results   []conductor.TaskResult
	polls     []int
	pollErr   error
	healthErr error
	reported  chan conductor.TaskResult
}

func newFakeQueue(tasks ...conductor.Task) *fakeQueue {
	return &fakeQueue{pending: tasks, reported: make(chan conductor.TaskResult, 64)}
}

func (q *fakeQueue) WaitHealthy(ctx context.Context, _ time.Duration) error {
	return q.healthErr
}

func (q *fakeQueue) RegisterTaskDefs(_ context.Context, defs ...conductor.TaskDef) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.defs = append(q.defs, defs...)
	return nil
}

func (q *fakeQueue) PollBatch(ctx context.Context, taskType, _ string, count int, _ time.Duration) ([]conductor.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.polls = append(q.polls, count)
	if q.pollErr != nil {
		return nil, q.pollErr
	}
	n := min(count, len(q.pending))
	out := q.pending[:n]
	q.pending = q.pending[n:]
	return out, nil
}

func (q *fakeQueue) UpdateTask(ctx context.Context, result conductor.TaskResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.results = append(q.results, result)
	q.mu.Unlock()
	q.reported <- result
	return nil
}

type blockingExecutor struct {
	release chan struct{}
	running atomic.Int32
	peak    atomic.Int32
}

func (e *blockingExecutor) Execute(ctx context.Context, task conductor.Task) conductor.TaskResult {
	n := e.running.Add(1)
	defer e.running.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	<-e.release
	return conductor.TaskResult{TaskID: task.TaskID, Status: conductor.StatusCompleted, OutputData: map[string]any{"ok": true}}
}

func makeTasks(n int) []conductor.Task {
	tasks := make([]conductor.Task, n)
	for i := range tasks {
		tasks[i] = conductor.Task{TaskID: fmt.Sprintf("t-%d", i)}
	}
	return tasks
}

func waitResults(t *testing.T, q *fakeQueue, n int) []conductor.TaskResult {
	t.Helper()
	var out []conductor.TaskResult
	for len(out) < n {
		select {
		case r := <-q.reported:
			out = append(out, r)
		case <-time.After(5 * time.Second):
			t.Fatalf("got %d results, want %d", len(out), n)
		}
	}
	return out
}

func TestPoolRunsTasksWithBoundedConcurrency(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newFakeQueue(makeTasks(5)...)
	exec := &blockingExecutor{release: make(chan struct{})}
	c := cache.NewMemCache(cache.MemCacheConfig{})

	pool, err := NewPool(PoolConfig{
		Queue:        q,
		Executor:     exec,
		Cache:        c,
		AppID:        "app",
		WorkerID:     "host-1",
		Concurrency:  2,
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for exec.running.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("pool did not start two tasks")
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, err := pool.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.InFlight != 2 || st.WorkerID != "host-1" || st.TaskType != "toolrelay-app" {
		t.Fatalf("Status() = %+v", st)
	}

	close(exec.release)
	results := waitResults(t, q, 5)
	for _, r := range results {
		if r.WorkerID != "host-1" || r.Status != conductor.StatusCompleted {
			t.Fatalf("result = %+v", r)
		}
	}
	if peak := exec.peak.Load(); peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(q.defs) != 1 || q.defs[0].Name != "toolrelay-app" || q.defs[0].RetryCount != 0 || q.defs[0].TimeoutSeconds != 86400 {
		t.Fatalf("task defs = %+v", q.defs)
	}
	q.mu.Lock()
	for _, n := range q.polls {
		if n < 1 || n > 2 {
			t.Fatalf("poll count = %d, want 1..2", n)
		}
	}
	q.mu.Unlock()
	workers, _ := c.SMembers(context.Background(), WorkersKey("app"))
	if len(workers) != 1 || workers[0] != "host-1" {
		t.Fatalf("workers = %v", workers)
	}
	if n, _ := c.LLen(context.Background(), InFlightKey("app", "host-1")); n != 0 {
		t.Fatalf("in-flight after drain = %d", n)
	}
}

func TestPoolShutdownWaitsForInFlightTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := newFakeQueue(makeTasks(1)...)
	exec := &blockingExecutor{release: make(chan struct{})}
	pool, err := NewPool(PoolConfig{Queue: q, Executor: exec, AppID: "app", WorkerID: "w", PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for exec.running.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("task did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
		t.Fatal("Run() returned before the in-flight task finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(exec.release)
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// The result is reported even though the poll context was cancelled.
	if got := waitResults(t, q, 1); got[0].TaskID != "t-0" {
		t.Fatalf("result = %+v", got[0])
	}
}

func TestPoolKeepsPollingAfterErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newFakeQueue()
	q.pollErr = errors.New("queue down")
	exec := &blockingExecutor{release: make(chan struct{})}
	pool, err := NewPool(PoolConfig{Queue: q, Executor: exec, AppID: "app", PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		q.mu.Lock()
		n := len(q.polls)
		q.mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("polled %d times, want >= 3", n)
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestPoolRunFailsWhenQueueUnavailable(t *testing.T) {
	q := newFakeQueue()
	q.healthErr = context.DeadlineExceeded
	pool, err := NewPool(PoolConfig{Queue: q, Executor: &blockingExecutor{}, AppID: "app"})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	if err := pool.Run(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want DeadlineExceeded", err)
	}
}

func TestNewPoolValidates(t *testing.T) {
	q := newFakeQueue()
	exec := &blockingExecutor{}
	for name, cfg := range map[string]PoolConfig{
		"no queue":    {Executor: exec, AppID: "app"},
		"no executor": {Queue: q, AppID: "app"},
		"no app":      {Queue: q, Executor: exec},
	} {
		if _, err := NewPool(cfg); err == nil {
			t.Fatalf("NewPool(%s) error = nil", name)
		}
	}
	pool, err := NewPool(PoolConfig{Queue: q, Executor: exec, AppID: "app", TaskPrefix: "custom-"})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	if pool.TaskType() != "custom-app" || pool.WorkerID() == "" {
		t.Fatalf("TaskType() = %q WorkerID() = %q", pool.TaskType(), pool.WorkerID())
	}
}
