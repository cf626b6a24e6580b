package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// completedStatuses are the statuses a node execution ends in. A parent
// resumes once every child is in one of them.
var completedStatuses = domain.NewStatusSet(
	domain.StatusSkipped,
	domain.StatusAborted,
	domain.StatusErrored,
	domain.StatusFailed,
	domain.StatusExpired,
	domain.StatusSucceeded,
)

// waitingStatuses are the suspension statuses a resume can leave.
var waitingStatuses = domain.NewStatusSet(
	domain.StatusAsyncWaiting,
	domain.StatusTaskWaiting,
	domain.StatusTimedWaiting,
	domain.StatusInterventionWaiting,
)

// CompletedStatuses returns the statuses a node execution ends in
func CompletedStatuses() domain.StatusSet {
	return completedStatuses
}

// Engine advances node executions through their lifecycle
type Engine struct {
	nodes     ports.NodeExecutionStore
	plans     ports.PlanExecutionStore
	tasks     ports.TaskDispatcher
	events    ports.EventBus
	registry  *StepRegistry
	scheduler Scheduler
	metrics   ports.MetricsCollector
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a new engine
func New(
	nodes ports.NodeExecutionStore,
	plans ports.PlanExecutionStore,
	tasks ports.TaskDispatcher,
	events ports.EventBus,
	registry *StepRegistry,
	scheduler Scheduler,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *Engine {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Engine{
		nodes:     nodes,
		plans:     plans,
		tasks:     tasks,
		events:    events,
		registry:  registry,
		scheduler: scheduler,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Registry returns the step registry
func (e *Engine) Registry() *StepRegistry {
	return e.registry
}

// Execute runs a queued job
func (e *Engine) Execute(ctx context.Context, job Job) error {
	switch job.Kind {
	case JobKindStart:
		return e.StartNode(ctx, job.NodeExecutionID)
	case JobKindResume:
		return e.ResumeNode(ctx, job.NodeExecutionID, job.Data)
	default:
		return fmt.Errorf("unknown job kind: %s", job.Kind)
	}
}

// Resume schedules a resume of a suspended node execution
func (e *Engine) Resume(ctx context.Context, planExecutionID, nodeExecutionID string, data map[string]interface{}) error {
	return e.scheduler.Schedule(ctx, Job{
		Kind:            JobKindResume,
		PlanExecutionID: planExecutionID,
		NodeExecutionID: nodeExecutionID,
		Data:            data,
	})
}

// TriggerNode creates a QUEUED node execution for a plan node and schedules
// its start. parent is nil for the plan root.
func (e *Engine) TriggerNode(ctx context.Context, planExecutionID, planNodeID string, parent *domain.NodeExecution, previousID string) (*domain.NodeExecution, error) {
	pe, err := e.plans.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan execution: %w", err)
	}
	var parentID string
	var parentLevels []domain.Level
	if parent != nil {
		parentID = parent.ID
		parentLevels = parent.Levels
	}
	ne, err := e.createNode(ctx, pe, planNodeID, parentID, parentLevels, previousID)
	if err != nil {
		return nil, err
	}
	if err := e.scheduleStart(ctx, ne); err != nil {
		return nil, err
	}
	return ne, nil
}

func (e *Engine) createNode(ctx context.Context, pe *domain.PlanExecution, planNodeID, parentID string, parentLevels []domain.Level, previousID string) (*domain.NodeExecution, error) {
	planNode, err := pe.Plan.Node(planNodeID)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	levels := make([]domain.Level, 0, len(parentLevels)+1)
	levels = append(levels, parentLevels...)
	levels = append(levels, domain.Level{
		SetupID:    planNode.ID,
		RuntimeID:  id,
		Identifier: planNode.Identifier,
		Group:      planNode.Group,
		StepType:   planNode.StepType,
	})

	ne := &domain.NodeExecution{
		ID:              id,
		PlanExecutionID: pe.ID,
		ParentID:        parentID,
		PreviousID:      previousID,
		PlanNodeID:      planNode.ID,
		Identifier:      planNode.Identifier,
		Name:            planNode.Name,
		StepType:        planNode.StepType,
		Levels:          levels,
		Status:          domain.StatusQueued,
		CreatedAt:       e.now(),
	}
	if err := e.nodes.Create(ctx, ne); err != nil {
		return nil, fmt.Errorf("failed to create node execution: %w", err)
	}

	e.logger.Debug("node execution queued",
		zap.String("plan_execution_id", pe.ID),
		zap.String("node_execution_id", id),
		zap.String("plan_node_id", planNode.ID),
		zap.String("step_type", planNode.StepType))

	e.PublishStatus(ctx, ne)
	return ne, nil
}

func (e *Engine) scheduleStart(ctx context.Context, ne *domain.NodeExecution) error {
	err := e.scheduler.Schedule(ctx, Job{
		Kind:            JobKindStart,
		PlanExecutionID: ne.PlanExecutionID,
		NodeExecutionID: ne.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to schedule node execution: %w", err)
	}
	return nil
}

// StartNode moves a QUEUED node execution to RUNNING (or SKIPPED) and
// facilitates it according to its mode.
func (e *Engine) StartNode(ctx context.Context, id string) error {
	ne, err := e.nodes.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get node execution: %w", err)
	}
	if ne.Status != domain.StatusQueued {
		e.logger.Debug("node execution already started",
			zap.String("node_execution_id", id),
			zap.String("status", string(ne.Status)))
		return nil
	}

	pe, err := e.plans.GetPlanExecution(ctx, ne.PlanExecutionID)
	if err != nil {
		return fmt.Errorf("failed to get plan execution: %w", err)
	}
	planNode, err := pe.Plan.Node(ne.PlanNodeID)
	if err != nil {
		return err
	}

	// queued before an abort went through
	if pe.Status == domain.StatusDiscontinuing || pe.Status == domain.StatusAborted {
		return e.finish(ctx, ne, StepResult{Status: domain.StatusAborted})
	}

	if shouldSkip(planNode) {
		return e.finish(ctx, ne, StepResult{Status: domain.StatusSkipped})
	}

	mode := planNode.Mode()
	params := copyParams(planNode.StepParameters)
	started := e.now()
	ne, err = e.transition(ctx, id, domain.StatusRunning, func(n *domain.NodeExecution) error {
		n.Mode = mode
		n.ResolvedStepParameters = params
		n.StartedAt = &started
		return nil
	})
	if err != nil {
		return e.benign(err)
	}

	return e.facilitate(ctx, ne, planNode, pe.Plan)
}

// ResumeNode moves a suspended node execution back to RUNNING and lets its
// step interpret the response data. Resuming a node that is no longer
// waiting is a no-op.
func (e *Engine) ResumeNode(ctx context.Context, id string, data map[string]interface{}) error {
	ne, err := e.nodes.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get node execution: %w", err)
	}
	if !waitingStatuses.Contains(ne.Status) {
		e.logger.Debug("node execution not waiting, resume ignored",
			zap.String("node_execution_id", id),
			zap.String("status", string(ne.Status)))
		return nil
	}

	ne, err = e.transition(ctx, id, domain.StatusRunning, nil)
	if err != nil {
		return e.benign(err)
	}

	pe, err := e.plans.GetPlanExecution(ctx, ne.PlanExecutionID)
	if err != nil {
		return fmt.Errorf("failed to get plan execution: %w", err)
	}
	planNode, err := pe.Plan.Node(ne.PlanNodeID)
	if err != nil {
		return err
	}

	step, err := e.registry.Step(ne.StepType)
	if err != nil {
		return e.finish(ctx, ne, errored(err))
	}

	a := Ambiance{NodeExecution: ne, PlanNode: planNode, Plan: pe.Plan}
	var result StepResult
	switch ne.Mode {
	case domain.ExecutionModeAsync:
		async, ok := step.(AsyncExecutable)
		if !ok {
			return e.finish(ctx, ne, errored(fmt.Errorf("step %s cannot handle async responses", ne.StepType)))
		}
		result, err = async.HandleAsyncResponse(ctx, a, ne.ResolvedStepParameters, data)
	case domain.ExecutionModeTask:
		task, ok := step.(TaskExecutable)
		if !ok {
			return e.finish(ctx, ne, errored(fmt.Errorf("step %s cannot handle task results", ne.StepType)))
		}
		result, err = task.HandleTaskResult(ctx, a, ne.ResolvedStepParameters, data)
	default:
		result, err = resultFromData(data)
	}
	if err != nil {
		result = errored(err)
	}

	return e.finish(ctx, ne, result)
}

func (e *Engine) facilitate(ctx context.Context, ne *domain.NodeExecution, planNode *domain.PlanNode, plan *domain.PlanGraph) error {
	step, err := e.registry.Step(ne.StepType)
	if err != nil {
		return e.finish(ctx, ne, errored(err))
	}

	a := Ambiance{NodeExecution: ne, PlanNode: planNode, Plan: plan}
	params := ne.ResolvedStepParameters

	switch ne.Mode {
	case domain.ExecutionModeSync:
		sync, ok := step.(SyncExecutable)
		if !ok {
			return e.finish(ctx, ne, errored(fmt.Errorf("step %s does not support %s", ne.StepType, ne.Mode)))
		}
		result, err := sync.ExecuteSync(ctx, a, params)
		if err != nil {
			result = errored(err)
		}
		return e.finish(ctx, ne, result)

	case domain.ExecutionModeAsync:
		async, ok := step.(AsyncExecutable)
		if !ok {
			return e.finish(ctx, ne, errored(fmt.Errorf("step %s does not support %s", ne.StepType, ne.Mode)))
		}
		resp, err := async.ExecuteAsync(ctx, a, params)
		if err != nil {
			return e.finish(ctx, ne, errored(err))
		}
		resp.Mode = domain.ExecutionModeAsync
		_, err = e.transition(ctx, ne.ID, domain.StatusAsyncWaiting, appendResponse(resp))
		return e.benign(err)

	case domain.ExecutionModeTask:
		return e.dispatchTask(ctx, ne, step, a)

	case domain.ExecutionModeChild, domain.ExecutionModeChildren:
		return e.spawnChildren(ctx, ne, step, a)
	}

	return e.finish(ctx, ne, errored(fmt.Errorf("unknown execution mode: %s", ne.Mode)))
}

func (e *Engine) dispatchTask(ctx context.Context, ne *domain.NodeExecution, step Step, a Ambiance) error {
	taskStep, ok := step.(TaskExecutable)
	if !ok {
		return e.finish(ctx, ne, errored(fmt.Errorf("step %s does not support %s", ne.StepType, ne.Mode)))
	}
	req, err := taskStep.ObtainTask(ctx, a, ne.ResolvedStepParameters)
	if err != nil {
		return e.finish(ctx, ne, errored(err))
	}
	req.PlanExecutionID = ne.PlanExecutionID
	req.NodeExecutionID = ne.ID

	taskID, err := e.tasks.Submit(ctx, req)
	if err != nil {
		return e.finish(ctx, ne, errored(fmt.Errorf("failed to submit task: %w", err)))
	}

	resp := domain.ExecutableResponse{Mode: domain.ExecutionModeTask, TaskID: taskID, TaskMode: req.TaskType}
	_, err = e.transition(ctx, ne.ID, domain.StatusTaskWaiting, appendResponse(resp))
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrIllegalStateTransition) {
		return err
	}

	// The node was discontinued while the task was being submitted, so
	// the abort could not see the task id.
	if _, abortErr := e.tasks.Abort(ctx, taskID, req.Tags); abortErr != nil {
		e.logger.Warn("failed to abort orphaned task",
			zap.String("node_execution_id", ne.ID),
			zap.String("task_id", taskID),
			zap.Error(abortErr))
	}
	return e.benign(err)
}

func (e *Engine) spawnChildren(ctx context.Context, ne *domain.NodeExecution, step Step, a Ambiance) error {
	children := a.PlanNode.Children
	if childStep, ok := step.(ChildExecutable); ok {
		var err error
		children, err = childStep.ObtainChildren(ctx, a, ne.ResolvedStepParameters)
		if err != nil {
			return e.finish(ctx, ne, errored(err))
		}
	}
	if len(children) == 0 {
		return e.finish(ctx, ne, Succeeded())
	}
	// CHILD starts the first child only; its siblings follow through advisers
	if ne.Mode == domain.ExecutionModeChild {
		children = children[:1]
	}

	pe, err := e.plans.GetPlanExecution(ctx, ne.PlanExecutionID)
	if err != nil {
		return fmt.Errorf("failed to get plan execution: %w", err)
	}

	// Every child exists and is recorded on the parent before any of them
	// starts, so that a fast child cannot finalize the parent early.
	created := make([]*domain.NodeExecution, 0, len(children))
	childIDs := make([]string, 0, len(children))
	for _, planNodeID := range children {
		child, err := e.createNode(ctx, pe, planNodeID, ne.ID, ne.Levels, "")
		if err != nil {
			return fmt.Errorf("failed to create child %s: %w", planNodeID, err)
		}
		created = append(created, child)
		childIDs = append(childIDs, child.ID)
	}

	resp := domain.ExecutableResponse{Mode: ne.Mode, ChildIDs: childIDs}
	_, err = e.nodes.ConditionalUpdate(ctx, ne.ID,
		domain.NewStatusSet(domain.StatusRunning, domain.StatusDiscontinuing), "", appendResponse(resp))
	if err != nil {
		return e.benign(err)
	}

	for _, child := range created {
		if err := e.scheduleStart(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

// finish moves a running node execution to the step's result status and
// runs the end transition.
func (e *Engine) finish(ctx context.Context, ne *domain.NodeExecution, result StepResult) error {
	status := result.Status
	if !completedStatuses.Contains(status) {
		e.logger.Warn("step returned a non terminal status",
			zap.String("node_execution_id", ne.ID),
			zap.String("status", string(status)))
		status = domain.StatusErrored
		if result.FailureMessage == "" {
			result.FailureMessage = fmt.Sprintf("step returned non terminal status %q", result.Status)
		}
	}

	ended, err := e.transition(ctx, ne.ID, status, func(n *domain.NodeExecution) error {
		if result.FailureMessage != "" {
			n.FailureMessage = result.FailureMessage
		}
		return nil
	})
	if err != nil {
		return e.benign(err)
	}
	return e.EndTransition(ctx, ended)
}

// benign swallows a lost race on a node's status: the writer that got
// there first owns the node's fate.
func (e *Engine) benign(err error) error {
	if err == nil {
		return nil
	}
	var illegal *domain.IllegalStateTransitionError
	if errors.As(err, &illegal) {
		e.logger.Debug("transition dropped, node moved concurrently",
			zap.String("node_execution_id", illegal.NodeExecutionID),
			zap.String("current", string(illegal.Current)),
			zap.String("requested", string(illegal.Requested)))
		return nil
	}
	return err
}

func shouldSkip(node *domain.PlanNode) bool {
	if strings.EqualFold(strings.TrimSpace(node.SkipCondition), "true") {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(node.WhenCondition), "false")
}

func errored(err error) StepResult {
	return StepResult{Status: domain.StatusErrored, FailureMessage: err.Error()}
}

func appendResponse(resp domain.ExecutableResponse) ports.NodeMutation {
	return func(n *domain.NodeExecution) error {
		n.ExecutableResponses = append(n.ExecutableResponses, resp)
		return nil
	}
}

func copyParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
