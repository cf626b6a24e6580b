package ports

import "time"

// MetricsCollector records engine, interrupt, barrier and worker metrics.
type MetricsCollector interface {
	RecordTransition(stepType string, status string)
	RecordIllegalTransition(requested string)
	RecordNodeDuration(stepType string, status string, duration time.Duration)
	RecordPlanExecution(status string)
	RecordInterrupt(interruptType string, result string)
	RecordNodesDiscontinued(count int)
	RecordTaskAbort(success bool)
	RecordBarrierDown(duration time.Duration)
	RecordLockAcquisition(name string, acquired bool)
	RecordWorkerPoolStatus(idle, busy, stopped int)
	SetQueueDepth(depth int)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) RecordTransition(string, string)                  {}
func (NopMetrics) RecordIllegalTransition(string)                   {}
func (NopMetrics) RecordNodeDuration(string, string, time.Duration) {}
func (NopMetrics) RecordPlanExecution(string)                       {}
func (NopMetrics) RecordInterrupt(string, string)                   {}
func (NopMetrics) RecordNodesDiscontinued(int)                      {}
func (NopMetrics) RecordTaskAbort(bool)                             {}
func (NopMetrics) RecordBarrierDown(time.Duration)                  {}
func (NopMetrics) RecordLockAcquisition(string, bool)               {}
func (NopMetrics) RecordWorkerPoolStatus(int, int, int)             {}
func (NopMetrics) SetQueueDepth(int)                                {}
