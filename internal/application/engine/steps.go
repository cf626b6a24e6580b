package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/aescanero/pipeorch/pkg/domain"
	"go.uber.org/zap"
)

// Built-in step types
const (
	StepTypeNoop    = "NOOP"
	StepTypeSection = "SECTION"
	StepTypeWait    = "WAIT"
	StepTypeTask    = "TASK"
	StepTypeBarrier = domain.BarrierStepType
)

// OutcomeParameter lets a plan force the status a NOOP step ends with.
const OutcomeParameter = "outcome"

// NoopStep succeeds immediately, or ends with the status named by its
// outcome parameter.
type NoopStep struct{}

func (NoopStep) Type() string { return StepTypeNoop }

func (NoopStep) ExecuteSync(_ context.Context, _ Ambiance, params map[string]interface{}) (StepResult, error) {
	raw, _ := params[OutcomeParameter].(string)
	if raw == "" {
		return Succeeded(), nil
	}
	status, err := domain.ParseStatus(raw)
	if err != nil {
		return StepResult{}, fmt.Errorf("invalid outcome: %w", err)
	}
	return StepResult{Status: status, FailureMessage: outcomeMessage(status)}, nil
}

// SectionStep groups children into a stage or step group.
type SectionStep struct{}

func (SectionStep) Type() string { return StepTypeSection }

func (SectionStep) ObtainChildren(_ context.Context, a Ambiance, _ map[string]interface{}) ([]string, error) {
	return a.PlanNode.Children, nil
}

// WaitStep parks the node in ASYNC_WAITING until an external caller resumes
// it. The resume data may carry a "status" to end with.
type WaitStep struct {
	Logger *zap.Logger
}

func (WaitStep) Type() string { return StepTypeWait }

func (WaitStep) ExecuteAsync(_ context.Context, a Ambiance, _ map[string]interface{}) (domain.ExecutableResponse, error) {
	return domain.ExecutableResponse{
		Mode:        domain.ExecutionModeAsync,
		CallbackIDs: []string{a.NodeExecution.ID},
	}, nil
}

func (WaitStep) HandleAsyncResponse(_ context.Context, _ Ambiance, _ map[string]interface{}, data map[string]interface{}) (StepResult, error) {
	return resultFromData(data)
}

func (s WaitStep) HandleAbort(_ context.Context, ne *domain.NodeExecution, _ map[string]interface{}, _ *domain.ExecutableResponse) error {
	if s.Logger != nil {
		s.Logger.Info("wait step aborted", zap.String("node_execution_id", ne.ID))
	}
	return nil
}

// TaskStep submits its parameters as a task for external workers. The
// task type comes from the "task_type" parameter, defaulting to the node
// identifier.
type TaskStep struct{}

func (TaskStep) Type() string { return StepTypeTask }

func (TaskStep) ObtainTask(_ context.Context, a Ambiance, params map[string]interface{}) (domain.TaskRequest, error) {
	taskType, _ := params["task_type"].(string)
	if taskType == "" {
		taskType = a.PlanNode.Identifier
	}
	return domain.TaskRequest{
		TaskType:   taskType,
		Parameters: params,
		Tags: map[string]string{
			"plan_node_id": a.PlanNode.ID,
			"identifier":   a.PlanNode.Identifier,
		},
	}, nil
}

func (TaskStep) HandleTaskResult(_ context.Context, _ Ambiance, _ map[string]interface{}, data map[string]interface{}) (StepResult, error) {
	return resultFromData(data)
}

// BarrierStep suspends the node until the barrier named by its barrier_ref
// parameter drops.
type BarrierStep struct{}

func (BarrierStep) Type() string { return StepTypeBarrier }

func (BarrierStep) ExecuteAsync(_ context.Context, a Ambiance, params map[string]interface{}) (domain.ExecutableResponse, error) {
	ref, _ := params[domain.BarrierRefParameter].(string)
	if ref == "" {
		return domain.ExecutableResponse{}, fmt.Errorf("barrier step %s has no %s", a.PlanNode.ID, domain.BarrierRefParameter)
	}
	return domain.ExecutableResponse{
		Mode:        domain.ExecutionModeAsync,
		CallbackIDs: []string{ref},
	}, nil
}

func (BarrierStep) HandleAsyncResponse(_ context.Context, _ Ambiance, _ map[string]interface{}, _ map[string]interface{}) (StepResult, error) {
	return Succeeded(), nil
}

// BuiltinSteps returns the steps every engine knows about
func BuiltinSteps(logger *zap.Logger) []Step {
	return []Step{
		NoopStep{},
		SectionStep{},
		WaitStep{Logger: logger},
		TaskStep{},
		BarrierStep{},
	}
}

func resultFromData(data map[string]interface{}) (StepResult, error) {
	raw, _ := data["status"].(string)
	if raw == "" {
		return Succeeded(), nil
	}
	status, err := domain.ParseStatus(raw)
	if err != nil {
		return StepResult{}, fmt.Errorf("invalid status in response: %w", err)
	}
	msg, _ := data["message"].(string)
	if msg == "" {
		msg = outcomeMessage(status)
	}
	return StepResult{Status: status, FailureMessage: msg}, nil
}

func outcomeMessage(status domain.Status) string {
	if status.IsBroke() {
		return "step reported " + strings.ToLower(string(status))
	}
	return ""
}
