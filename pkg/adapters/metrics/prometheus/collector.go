package prometheus

import (
	"strconv"
	"time"

	"github.com/aescanero/pipeorch/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	transitions        *prometheus.CounterVec
	illegalTransitions *prometheus.CounterVec
	nodeDuration       *prometheus.HistogramVec
	planExecutions     *prometheus.CounterVec
	interrupts         *prometheus.CounterVec
	nodesDiscontinued  prometheus.Counter
	taskAborts         *prometheus.CounterVec
	barrierDown        prometheus.Histogram
	lockAcquisitions   *prometheus.CounterVec
	workerPoolIdle     prometheus.Gauge
	workerPoolBusy     prometheus.Gauge
	workerPoolStopped  prometheus.Gauge
	queueDepth         prometheus.Gauge
}

var _ ports.MetricsCollector = (*Collector)(nil)

// NewCollector creates a new Prometheus metrics collector registered on reg.
// A nil reg registers on the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeorch_node_transitions_total",
				Help: "Total number of node status transitions",
			},
			[]string{"step_type", "status"},
		),
		illegalTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeorch_illegal_transitions_total",
				Help: "Total number of rejected node status transitions",
			},
			[]string{"requested"},
		),
		nodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeorch_node_duration_seconds",
				Help:    "Node execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"step_type", "status"},
		),
		planExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeorch_plan_executions_total",
				Help: "Total number of plan executions by status",
			},
			[]string{"status"},
		),
		interrupts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeorch_interrupts_total",
				Help: "Total number of processed interrupts",
			},
			[]string{"type", "result"},
		),
		nodesDiscontinued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeorch_nodes_discontinued_total",
				Help: "Total number of node executions marked discontinuing",
			},
		),
		taskAborts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeorch_task_aborts_total",
				Help: "Total number of task abort requests",
			},
			[]string{"success"},
		),
		barrierDown: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeorch_barrier_standing_seconds",
				Help:    "Time a barrier stood before dropping",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			},
		),
		lockAcquisitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeorch_lock_acquisitions_total",
				Help: "Total number of lock acquisition attempts",
			},
			[]string{"lock", "acquired"},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeorch_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeorch_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeorch_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeorch_queue_depth",
				Help: "Current depth of the job queue",
			},
		),
	}
}

// RecordTransition counts a successful status transition
func (c *Collector) RecordTransition(stepType string, status string) {
	c.transitions.WithLabelValues(stepType, status).Inc()
}

// RecordIllegalTransition counts a transition rejected by the status machine
func (c *Collector) RecordIllegalTransition(requested string) {
	c.illegalTransitions.WithLabelValues(requested).Inc()
}

// RecordNodeDuration records how long a node took to reach a terminal status
func (c *Collector) RecordNodeDuration(stepType string, status string, duration time.Duration) {
	c.nodeDuration.WithLabelValues(stepType, status).Observe(duration.Seconds())
}

// RecordPlanExecution counts a plan execution reaching status
func (c *Collector) RecordPlanExecution(status string) {
	c.planExecutions.WithLabelValues(status).Inc()
}

// RecordInterrupt counts a processed interrupt
func (c *Collector) RecordInterrupt(interruptType string, result string) {
	c.interrupts.WithLabelValues(interruptType, result).Inc()
}

// RecordNodesDiscontinued adds to the discontinued node count
func (c *Collector) RecordNodesDiscontinued(count int) {
	c.nodesDiscontinued.Add(float64(count))
}

// RecordTaskAbort counts a task abort request
func (c *Collector) RecordTaskAbort(success bool) {
	c.taskAborts.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// RecordBarrierDown records how long a barrier stood
func (c *Collector) RecordBarrierDown(duration time.Duration) {
	c.barrierDown.Observe(duration.Seconds())
}

// RecordLockAcquisition counts a lock acquisition attempt
func (c *Collector) RecordLockAcquisition(name string, acquired bool) {
	c.lockAcquisitions.WithLabelValues(name, strconv.FormatBool(acquired)).Inc()
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}

// SetQueueDepth sets the current depth of the job queue
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}
