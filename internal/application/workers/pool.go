package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/pipeorch/internal/application/engine"
	"github.com/aescanero/pipeorch/pkg/ports"
	"go.uber.org/zap"
)

// ErrPoolClosed is returned when scheduling on a pool that was shut down
var ErrPoolClosed = errors.New("worker pool closed")

// Pool manages a pool of worker goroutines
type Pool struct {
	size     int
	executor engine.Executor
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	health   *HealthMonitor

	jobs     chan engine.Job
	workers  []*worker
	wg       sync.WaitGroup
	overflow sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	// pending counts jobs from Schedule until a worker has finished them
	pending    atomic.Int64
	deferred   atomic.Int64
	startJobs  atomic.Int64
	resumeJobs atomic.Int64
	failed     atomic.Int64

	mu      sync.RWMutex
	started bool
	closed  bool
}

// worker represents a single worker goroutine
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	mu      sync.RWMutex
	lastJob time.Time
	jobs    int64
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

var _ engine.Scheduler = (*Pool)(nil)

// NewPool creates a new worker pool
func NewPool(
	size int,
	queueSize int,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	healthCheckInterval time.Duration,
) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		size:    size,
		metrics: metrics,
		logger:  logger,
		jobs:    make(chan engine.Job, queueSize),
		workers: make([]*worker, size),
		ctx:     ctx,
		cancel:  cancel,
	}

	pool.health = newHealthMonitor(pool, healthCheckInterval, logger)

	return pool
}

// Health returns the pool's health monitor
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

// Start starts the worker pool with the executor that runs its jobs
func (p *Pool) Start(executor engine.Executor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	p.executor = executor
	p.started = true

	p.logger.Info("starting worker pool",
		zap.Int("size", p.size),
		zap.Int("queue_size", cap(p.jobs)))

	for i := 0; i < p.size; i++ {
		w := &worker{
			id:      fmt.Sprintf("worker-%d", i),
			pool:    p,
			status:  WorkerStatusIdle,
			lastJob: time.Now(),
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(p.ctx)
	}

	p.health.start(p.ctx)

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Schedule queues a job. When the queue is full the job is handed over in
// the background so that a worker scheduling follow-up work never waits on
// itself.
func (p *Pool) Schedule(ctx context.Context, job engine.Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.pending.Add(1)

	select {
	case p.jobs <- job:
		p.metrics.SetQueueDepth(len(p.jobs))
		return nil
	default:
	}

	p.logger.Debug("job queue full, deferring job",
		zap.String("kind", string(job.Kind)),
		zap.String("node_execution_id", job.NodeExecutionID))

	p.overflow.Add(1)
	p.deferred.Add(1)
	go func() {
		defer p.overflow.Done()
		defer p.deferred.Add(-1)
		select {
		case p.jobs <- job:
			p.metrics.SetQueueDepth(len(p.jobs))
		case <-p.ctx.Done():
			p.pending.Add(-1)
			p.logger.Warn("dropping queued job on shutdown",
				zap.String("kind", string(job.Kind)),
				zap.String("node_execution_id", job.NodeExecutionID))
		}
	}()
	return nil
}

// QueueDepth returns the number of jobs waiting for a worker
func (p *Pool) QueueDepth() int {
	return len(p.jobs)
}

// Shutdown gracefully shuts down the worker pool. Queued jobs, and the
// jobs they schedule, are drained before the workers stop.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.mu.Lock()
	if p.closed || !p.started {
		p.closed = true
		p.mu.Unlock()
		p.cancel()
		return nil
	}
	p.mu.Unlock()

	p.health.stop()

	// Wait for all workers to finish with timeout
	done := make(chan struct{})
	go func() {
		p.drain()
		p.wg.Wait()
		p.overflow.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.cancel()
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}

// drain waits until the pool has been idle for two consecutive checks,
// then closes it and stops the workers.
func (p *Pool) drain() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	idle := 0
	for idle < 2 {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
		if p.idle() {
			idle++
		} else {
			idle = 0
		}
	}

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
}

// idle reports whether no scheduled job is queued, deferred or running.
// A job taken off the queue still counts until its worker is done with it.
func (p *Pool) idle() bool {
	return p.pending.Load() == 0
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus)
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Debug("worker started", zap.String("worker_id", w.id))

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.status = WorkerStatusStopped
			w.mu.Unlock()
			w.pool.logger.Debug("worker stopped",
				zap.String("worker_id", w.id),
				zap.Int64("jobs", w.jobs))
			return
		case job := <-w.pool.jobs:
			w.pool.metrics.SetQueueDepth(len(w.pool.jobs))
			w.execute(job)
		}
	}
}

// execute runs one job. Jobs outlive pool cancellation so that a job in
// progress is never cut off between two store writes.
func (w *worker) execute(job engine.Job) {
	w.mu.Lock()
	w.status = WorkerStatusBusy
	w.lastJob = time.Now()
	w.jobs++
	w.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("job panicked",
				zap.String("worker_id", w.id),
				zap.String("kind", string(job.Kind)),
				zap.String("node_execution_id", job.NodeExecutionID),
				zap.Any("panic", r))
			w.pool.failed.Add(1)
		}
		w.mu.Lock()
		w.status = WorkerStatusIdle
		w.mu.Unlock()
		w.pool.pending.Add(-1)
	}()

	start := time.Now()
	err := w.pool.executor.Execute(context.WithoutCancel(w.pool.ctx), job)
	if err != nil {
		w.pool.logger.Error("job failed",
			zap.String("worker_id", w.id),
			zap.String("kind", string(job.Kind)),
			zap.String("plan_execution_id", job.PlanExecutionID),
			zap.String("node_execution_id", job.NodeExecutionID),
			zap.Error(err))
		w.pool.failed.Add(1)
		return
	}

	switch job.Kind {
	case engine.JobKindStart:
		w.pool.startJobs.Add(1)
	case engine.JobKindResume:
		w.pool.resumeJobs.Add(1)
	}
	w.pool.logger.Debug("job completed",
		zap.String("worker_id", w.id),
		zap.String("kind", string(job.Kind)),
		zap.String("node_execution_id", job.NodeExecutionID),
		zap.Duration("duration", time.Since(start)))
}
