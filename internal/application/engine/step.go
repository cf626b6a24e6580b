package engine

import (
	"context"

	"github.com/aescanero/pipeorch/pkg/domain"
)

// Ambiance is what a step sees of the execution it runs in.
type Ambiance struct {
	NodeExecution *domain.NodeExecution
	PlanNode      *domain.PlanNode
	Plan          *domain.PlanGraph
}

// StepResult is the outcome a step reports for a node execution.
type StepResult struct {
	Status         domain.Status
	FailureMessage string
}

// Succeeded is the result of a step that finished without incident.
func Succeeded() StepResult {
	return StepResult{Status: domain.StatusSucceeded}
}

// Step is the business logic attached to a step type. A step supports a
// facilitation mode by implementing the matching capability interface.
type Step interface {
	Type() string
}

// SyncExecutable runs to completion on the engine goroutine.
type SyncExecutable interface {
	Step
	ExecuteSync(ctx context.Context, a Ambiance, params map[string]interface{}) (StepResult, error)
}

// AsyncExecutable suspends the node in ASYNC_WAITING until a callback resumes it.
type AsyncExecutable interface {
	Step
	ExecuteAsync(ctx context.Context, a Ambiance, params map[string]interface{}) (domain.ExecutableResponse, error)
	HandleAsyncResponse(ctx context.Context, a Ambiance, params map[string]interface{}, data map[string]interface{}) (StepResult, error)
}

// TaskExecutable hands the work to an external worker and suspends the
// node in TASK_WAITING until the worker reports back.
type TaskExecutable interface {
	Step
	ObtainTask(ctx context.Context, a Ambiance, params map[string]interface{}) (domain.TaskRequest, error)
	HandleTaskResult(ctx context.Context, a Ambiance, params map[string]interface{}, data map[string]interface{}) (StepResult, error)
}

// ChildExecutable chooses the plan nodes spawned as children. Steps that
// do not implement it spawn the children listed on the plan node.
type ChildExecutable interface {
	Step
	ObtainChildren(ctx context.Context, a Ambiance, params map[string]interface{}) ([]string, error)
}

// Abortable is invoked when a node execution of the step is discontinued
// by an abort interrupt.
type Abortable interface {
	HandleAbort(ctx context.Context, ne *domain.NodeExecution, params map[string]interface{}, resp *domain.ExecutableResponse) error
}
