package interrupts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aescanero/pipeorch/internal/application/engine"
	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultAbortConcurrency bounds how many nodes are discontinued at once
const DefaultAbortConcurrency = 16

// Transitioner is the part of the engine the abort handler drives
type Transitioner interface {
	UpdateStatus(ctx context.Context, id string, target domain.Status, mutate ports.NodeMutation) (*domain.NodeExecution, error)
	EndTransition(ctx context.Context, ne *domain.NodeExecution) error
	PublishStatus(ctx context.Context, ne *domain.NodeExecution)
}

// StepResolver finds the step implementation of a step type
type StepResolver interface {
	Step(stepType string) (engine.Step, error)
}

// Result is the outcome of handling an interrupt
type Result struct {
	// Aborted is false when nothing was eligible for the interrupt
	Aborted bool
	// Matched counts the node executions whose status matched the filter
	Matched int
	// Marked counts the leaves marked DISCONTINUING
	Marked int
	// Failures holds one *domain.InterruptProcessingFailedError per node
	// that did not reach its end status
	Failures []error
}

// AbortAllHandler processes ABORT_ALL interrupts
type AbortAllHandler struct {
	nodes       ports.NodeExecutionStore
	plans       ports.PlanExecutionStore
	tasks       ports.TaskDispatcher
	steps       StepResolver
	engine      Transitioner
	metrics     ports.MetricsCollector
	logger      *zap.Logger
	concurrency int
}

// NewAbortAllHandler creates a new ABORT_ALL handler
func NewAbortAllHandler(
	nodes ports.NodeExecutionStore,
	plans ports.PlanExecutionStore,
	tasks ports.TaskDispatcher,
	steps StepResolver,
	eng Transitioner,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	concurrency int,
) *AbortAllHandler {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if concurrency <= 0 {
		concurrency = DefaultAbortConcurrency
	}
	return &AbortAllHandler{
		nodes:       nodes,
		plans:       plans,
		tasks:       tasks,
		steps:       steps,
		engine:      eng,
		metrics:     metrics,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Handle aborts every in-flight leaf of the interrupt's plan execution whose
// status is in statuses. An empty filter means every finalizable status.
func (h *AbortAllHandler) Handle(ctx context.Context, interrupt *domain.Interrupt, statuses domain.StatusSet) (Result, error) {
	if statuses.IsEmpty() {
		statuses = domain.FinalizableStatuses()
	}

	matched, marked, err := h.MarkAbortingState(ctx, interrupt, statuses)
	if err != nil {
		return Result{}, err
	}
	result := Result{Matched: matched, Marked: marked}
	if marked == 0 {
		return result, nil
	}
	result.Aborted = true

	// Nodes queued from now on abort themselves when they start
	_, err = h.plans.UpdatePlanExecutionStatus(ctx, interrupt.PlanExecutionID,
		domain.NewStatusSet(domain.StatusRunning), domain.StatusDiscontinuing)
	if err != nil && !errors.Is(err, domain.ErrIllegalStateTransition) {
		h.logger.Warn("failed to mark plan execution discontinuing",
			zap.String("plan_execution_id", interrupt.PlanExecutionID),
			zap.Error(err))
	}

	discontinuing, err := h.markedBy(ctx, interrupt)
	if err != nil {
		return result, err
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(h.concurrency)
	for _, ne := range discontinuing {
		g.Go(func() error {
			if err := h.DiscontinueMarkedInstance(ctx, interrupt, ne); err != nil {
				h.logger.Error("failed to discontinue node execution",
					zap.String("plan_execution_id", interrupt.PlanExecutionID),
					zap.String("node_execution_id", ne.ID),
					zap.Error(err))
				mu.Lock()
				result.Failures = append(result.Failures, err)
				mu.Unlock()
			}
			// never cancel the siblings
			return nil
		})
	}
	_ = g.Wait()

	return result, nil
}

// MarkAbortingState marks the leaf node executions matching statuses
// DISCONTINUING. It returns how many matched and how many were marked.
func (h *AbortAllHandler) MarkAbortingState(ctx context.Context, interrupt *domain.Interrupt, statuses domain.StatusSet) (int, int, error) {
	matched, err := h.nodes.ListByStatuses(ctx, interrupt.PlanExecutionID, statuses)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list node executions: %w", err)
	}
	if len(matched) == 0 {
		h.logger.Info("no node executions to abort",
			zap.String("plan_execution_id", interrupt.PlanExecutionID),
			zap.String("interrupt_id", interrupt.ID))
		return 0, 0, nil
	}

	leaves, err := h.LeafInstanceIDs(ctx, interrupt.PlanExecutionID, statuses, matched)
	if err != nil {
		return len(matched), 0, err
	}

	marked, err := h.nodes.MarkLeavesDiscontinuing(ctx, interrupt.ID, interrupt.Type, interrupt.PlanExecutionID, leaves)
	if err != nil {
		return len(matched), 0, fmt.Errorf("failed to mark node executions discontinuing: %w", err)
	}
	if marked == 0 {
		h.logger.Warn("no node execution could be marked discontinuing",
			zap.String("plan_execution_id", interrupt.PlanExecutionID),
			zap.String("interrupt_id", interrupt.ID),
			zap.Int("leaves", len(leaves)))
		return len(matched), 0, nil
	}

	h.metrics.RecordNodesDiscontinued(marked)

	discontinuing, err := h.markedBy(ctx, interrupt)
	if err != nil {
		return len(matched), marked, err
	}
	for _, ne := range discontinuing {
		h.engine.PublishStatus(ctx, ne)
	}

	h.logger.Info("node executions marked discontinuing",
		zap.String("plan_execution_id", interrupt.PlanExecutionID),
		zap.String("interrupt_id", interrupt.ID),
		zap.Int("matched", len(matched)),
		zap.Int("marked", marked))

	return len(matched), marked, nil
}

// markedBy lists the DISCONTINUING node executions carrying the interrupt
func (h *AbortAllHandler) markedBy(ctx context.Context, interrupt *domain.Interrupt) ([]*domain.NodeExecution, error) {
	discontinuing, err := h.nodes.ListByStatuses(ctx, interrupt.PlanExecutionID,
		domain.NewStatusSet(domain.StatusDiscontinuing))
	if err != nil {
		return nil, fmt.Errorf("failed to list discontinuing node executions: %w", err)
	}
	marked := discontinuing[:0]
	for _, ne := range discontinuing {
		if ne.HasInterrupt(interrupt.ID) {
			marked = append(marked, ne)
		}
	}
	return marked, nil
}

// LeafInstanceIDs drops from matched every child-spawning node that has a
// child in statuses, so that a subtree is only discontinued from its leaves.
// A child-spawning node without matched children stays a leaf.
func (h *AbortAllHandler) LeafInstanceIDs(ctx context.Context, planExecutionID string, statuses domain.StatusSet, matched []*domain.NodeExecution) ([]string, error) {
	var parentIDs []string
	for _, ne := range matched {
		if ne.IsChildSpawningMode() {
			parentIDs = append(parentIDs, ne.ID)
		}
	}

	withChildren := make(map[string]struct{})
	if len(parentIDs) > 0 {
		children, err := h.nodes.ListChildrenByStatuses(ctx, planExecutionID, parentIDs, statuses)
		if err != nil {
			return nil, fmt.Errorf("failed to list children: %w", err)
		}
		for _, child := range children {
			withChildren[child.ParentID] = struct{}{}
		}
	}

	leaves := make([]string, 0, len(matched))
	for _, ne := range matched {
		if _, ok := withChildren[ne.ID]; ok {
			continue
		}
		leaves = append(leaves, ne.ID)
	}
	return leaves, nil
}

// DiscontinueMarkedInstance cancels the task of a marked node, runs its
// step's abort hook, moves it to ABORTED and lets the engine notify its
// parent. Task cancellation and the hook are best effort.
func (h *AbortAllHandler) DiscontinueMarkedInstance(ctx context.Context, interrupt *domain.Interrupt, ne *domain.NodeExecution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.InterruptProcessingFailedError{
				InterruptType:   interrupt.Type,
				PlanExecutionID: interrupt.PlanExecutionID,
				NodeExecutionID: ne.ID,
				Err:             fmt.Errorf("panic: %v", r),
			}
		}
	}()

	resp := ne.LatestExecutableResponse()
	if ne.IsTaskSpawningMode() && resp != nil && resp.TaskID != "" {
		h.abortTask(ctx, interrupt, ne, resp.TaskID)
	}

	step, stepErr := h.steps.Step(ne.StepType)
	if stepErr != nil {
		h.logger.Warn("no step for discontinued node execution",
			zap.String("node_execution_id", ne.ID),
			zap.String("step_type", ne.StepType))
	} else if abortable, ok := step.(engine.Abortable); ok {
		if hookErr := abortable.HandleAbort(ctx, ne, ne.ResolvedStepParameters, resp); hookErr != nil {
			h.logger.Warn("abort hook failed",
				zap.String("node_execution_id", ne.ID),
				zap.String("step_type", ne.StepType),
				zap.Error(hookErr))
		}
	}

	aborted, updateErr := h.engine.UpdateStatus(ctx, ne.ID, domain.StatusAborted, nil)
	if updateErr != nil {
		return &domain.InterruptProcessingFailedError{
			InterruptType:   interrupt.Type,
			PlanExecutionID: interrupt.PlanExecutionID,
			NodeExecutionID: ne.ID,
			Err:             updateErr,
		}
	}

	if endErr := h.engine.EndTransition(ctx, aborted); endErr != nil {
		h.logger.Error("end transition failed after abort",
			zap.String("node_execution_id", ne.ID),
			zap.Error(endErr))
	}
	return nil
}

func (h *AbortAllHandler) abortTask(ctx context.Context, interrupt *domain.Interrupt, ne *domain.NodeExecution, taskID string) {
	tags := map[string]string{
		"plan_execution_id": ne.PlanExecutionID,
		"node_execution_id": ne.ID,
		"interrupt_id":      interrupt.ID,
	}
	ok, err := h.tasks.Abort(ctx, taskID, tags)
	h.metrics.RecordTaskAbort(ok && err == nil)
	if err != nil || !ok {
		if err == nil {
			err = domain.ErrTaskAbortFailed
		}
		h.logger.Warn("delegate task could not be aborted",
			zap.String("node_execution_id", ne.ID),
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}
