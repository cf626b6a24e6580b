package domain

import "time"

// TaskStatus is the state of an out-of-process task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "QUEUED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusAborted   TaskStatus = "ABORTED"
)

// IsAbortable reports whether a task in this status can still be aborted.
func (s TaskStatus) IsAbortable() bool {
	return s == TaskStatusQueued || s == TaskStatusRunning
}

// TaskRequest is a unit of work handed to external workers.
type TaskRequest struct {
	PlanExecutionID string                 `json:"plan_execution_id"`
	NodeExecutionID string                 `json:"node_execution_id"`
	TaskType        string                 `json:"task_type"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	Tags            map[string]string      `json:"tags,omitempty"`
	Timeout         time.Duration          `json:"timeout,omitempty"`
}

// Task is the record of a dispatched task.
type Task struct {
	ID        string      `json:"id"`
	Request   TaskRequest `json:"request"`
	Status    TaskStatus  `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
