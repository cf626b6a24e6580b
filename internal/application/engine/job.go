package engine

import "context"

// JobKind selects what the engine does with a job
type JobKind string

const (
	JobKindStart  JobKind = "start"
	JobKindResume JobKind = "resume"
)

// Job is a unit of engine work queued for a worker
type Job struct {
	Kind            JobKind                `json:"kind"`
	PlanExecutionID string                 `json:"plan_execution_id"`
	NodeExecutionID string                 `json:"node_execution_id"`
	Data            map[string]interface{} `json:"data,omitempty"`
}

// Scheduler queues jobs for asynchronous execution
type Scheduler interface {
	Schedule(ctx context.Context, job Job) error
}

// Executor runs a job to its next suspension point
type Executor interface {
	Execute(ctx context.Context, job Job) error
}
