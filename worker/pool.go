package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/id"
	"github.com/xraph/jobboard/job"
)

// QueueManager gates executions by per-task and per-user limits. The
// pool calls Acquire before executing a task and Release afterwards.
type QueueManager interface {
	Acquire(task, userID string) bool
	Release(task, userID string)
}

// Pool is the immediate backend: tasks submitted to it are buffered in
// memory and executed by a fixed set of worker goroutines in this
// process. Buffered tasks are lost if the process exits; their jobs stay
// QUEUED until retried.
type Pool struct {
	executor      *Executor
	concurrency   int
	queueSize     int
	retryInterval time.Duration
	workerID      id.ID
	logger        *slog.Logger

	// Queue manager (optional).
	queueManager QueueManager

	tasks   chan *job.Task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool

	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
	executed   atomic.Int64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithQueueSize sets how many submitted tasks may wait for a worker.
func WithQueueSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithRetryInterval sets how long a worker waits before asking the queue
// manager again for a task it was not allowed to start.
func WithRetryInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.retryInterval = d }
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool.
func NewPool(executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		executor:      executor,
		concurrency:   4,
		queueSize:     1024,
		retryInterval: 250 * time.Millisecond,
		workerID:      id.NewWorkerID(),
		logger:        logger,
		stopCh:        make(chan struct{}),
		activeJobs:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.tasks = make(chan *job.Task, p.queueSize)
	return p
}

// Name identifies this backend in routing tables.
func (p *Pool) Name() string { return jobboard.BackendPool }

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.ID { return p.workerID }

// Submit buffers t for execution. It never blocks: a full buffer returns
// jobboard.ErrBackendFull and a stopped pool returns
// jobboard.ErrBackendStopped.
func (p *Pool) Submit(_ context.Context, t *job.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return jobboard.ErrBackendStopped
	}
	select {
	case p.tasks <- t:
		return nil
	default:
		return fmt.Errorf("jobboard/worker: submit %q (%d waiting): %w", t.Name, len(p.tasks), jobboard.ErrBackendFull)
	}
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.stopped {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Int("queue_size", p.queueSize),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.workLoop()
	}
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If ctx ends first, active tasks are cancelled. Tasks still waiting in
// the buffer are abandoned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	wasRunning := p.running
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	if !wasRunning {
		return nil
	}

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active tasks")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	if n := len(p.tasks); n > 0 {
		p.logger.Warn("abandoning buffered tasks", slog.Int("count", n))
	}
	return nil
}

// Pending returns the number of buffered tasks.
func (p *Pool) Pending() int { return len(p.tasks) }

// Active returns the number of tasks currently executing.
func (p *Pool) Active() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeJobs)
}

// Executed returns how many tasks this pool has finished.
func (p *Pool) Executed() int64 { return p.executed.Load() }

func (p *Pool) workLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case t := <-p.tasks:
			if !p.acquire(t) {
				return
			}
			p.run(t)
		}
	}
}

// acquire waits until the queue manager admits t. It returns false if
// the pool stops first.
func (p *Pool) acquire(t *job.Task) bool {
	if p.queueManager == nil {
		return true
	}
	for !p.queueManager.Acquire(t.Name, t.UserID) {
		select {
		case <-p.stopCh:
			return false
		case <-time.After(p.retryInterval):
		}
	}
	return true
}

func (p *Pool) run(t *job.Task) {
	ctx, cancel := context.WithCancel(context.Background())
	p.trackJob(t.JobID, cancel)

	if err := p.executor.Execute(ctx, t); err != nil {
		p.logger.Debug("task execution failed",
			slog.String("job_id", t.JobID),
			slog.String("task", t.Name),
			slog.String("error", err.Error()),
		)
	}

	p.untrackJob(t.JobID)
	cancel()
	p.executed.Add(1)

	if p.queueManager != nil {
		p.queueManager.Release(t.Name, t.UserID)
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active task", slog.String("job_id", jobID))
		cancel()
	}
}
