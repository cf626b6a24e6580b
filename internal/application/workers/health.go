package workers

import (
	"context"
	"time"

	"github.com/aescanero/pipeorch/internal/application/engine"
	"go.uber.org/zap"
)

const defaultHealthInterval = 30 * time.Second

// HealthStatus is a snapshot of the worker pool
type HealthStatus struct {
	Workers        int                      `json:"workers"`
	IdleWorkers    int                      `json:"idle_workers"`
	BusyWorkers    int                      `json:"busy_workers"`
	StoppedWorkers int                      `json:"stopped_workers"`
	QueueDepth     int                      `json:"queue_depth"`
	DeferredJobs   int64                    `json:"deferred_jobs"`
	Completed      map[engine.JobKind]int64 `json:"completed"`
	Failed         int64                    `json:"failed"`
	// Saturated is set when every worker is busy and jobs are backing up
	Saturated bool      `json:"saturated"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthMonitor periodically publishes pool gauges and reports health
// changes.
type HealthMonitor struct {
	pool     *Pool
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newHealthMonitor(pool *Pool, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	return &HealthMonitor{pool: pool, interval: interval, logger: logger}
}

func (h *HealthMonitor) start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.watch(ctx)
}

func (h *HealthMonitor) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (h *HealthMonitor) watch(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status := h.GetStatus()
		h.pool.metrics.RecordWorkerPoolStatus(status.IdleWorkers, status.BusyWorkers, status.StoppedWorkers)
		h.pool.metrics.SetQueueDepth(status.QueueDepth)

		if status.Healthy != healthy {
			healthy = status.Healthy
			if healthy {
				h.logger.Info("worker pool recovered", zap.Int("workers", status.Workers))
			} else {
				h.logger.Warn("worker pool is unhealthy",
					zap.Int("stopped", status.StoppedWorkers),
					zap.Int("workers", status.Workers))
			}
		}
		if status.Saturated {
			h.logger.Warn("worker pool saturated",
				zap.Int("queue_depth", status.QueueDepth),
				zap.Int64("deferred_jobs", status.DeferredJobs))
		}
	}
}

// GetStatus returns the current health status. A started pool is healthy
// while none of its workers has stopped.
func (h *HealthMonitor) GetStatus() *HealthStatus {
	status := &HealthStatus{
		QueueDepth:   h.pool.QueueDepth(),
		DeferredJobs: h.pool.deferred.Load(),
		Completed: map[engine.JobKind]int64{
			engine.JobKindStart:  h.pool.startJobs.Load(),
			engine.JobKindResume: h.pool.resumeJobs.Load(),
		},
		Failed:    h.pool.failed.Load(),
		CheckedAt: time.Now(),
	}
	for _, ws := range h.pool.GetStatus() {
		status.Workers++
		switch ws {
		case WorkerStatusIdle:
			status.IdleWorkers++
		case WorkerStatusBusy:
			status.BusyWorkers++
		case WorkerStatusStopped:
			status.StoppedWorkers++
		}
	}
	status.Saturated = status.Workers > 0 && status.BusyWorkers == status.Workers &&
		(status.QueueDepth > 0 || status.DeferredJobs > 0)
	status.Healthy = status.Workers > 0 && status.StoppedWorkers == 0
	return status
}

// IsHealthy reports whether the worker pool is healthy
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
