package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UpdateStatus moves a node execution to target when its current status is
// an allowed predecessor of target, applying mutate in the same write. A
// node status event is published after the write succeeds.
func (e *Engine) UpdateStatus(ctx context.Context, id string, target domain.Status, mutate ports.NodeMutation) (*domain.NodeExecution, error) {
	return e.apply(ctx, id, target, domain.AllowedPredecessors(target), mutate)
}

// transition is UpdateStatus for the engine's own progress. A node marked
// DISCONTINUING belongs to the interrupt processor, so the engine never
// moves it.
func (e *Engine) transition(ctx context.Context, id string, target domain.Status, mutate ports.NodeMutation) (*domain.NodeExecution, error) {
	expected := domain.AllowedPredecessors(target).Without(domain.StatusDiscontinuing)
	return e.apply(ctx, id, target, expected, mutate)
}

func (e *Engine) apply(ctx context.Context, id string, target domain.Status, expected domain.StatusSet, mutate ports.NodeMutation) (*domain.NodeExecution, error) {
	now := e.now()
	updated, err := e.nodes.ConditionalUpdate(ctx, id, expected, target, func(n *domain.NodeExecution) error {
		if completedStatuses.Contains(target) && n.EndedAt == nil {
			n.EndedAt = &now
		}
		if mutate != nil {
			return mutate(n)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrIllegalStateTransition) {
			e.metrics.RecordIllegalTransition(string(target))
		}
		return nil, err
	}

	e.metrics.RecordTransition(updated.StepType, string(target))
	if completedStatuses.Contains(target) && updated.EndedAt != nil {
		start := updated.CreatedAt
		if updated.StartedAt != nil {
			start = *updated.StartedAt
		}
		e.metrics.RecordNodeDuration(updated.StepType, string(target), updated.EndedAt.Sub(start))
	}

	e.logger.Debug("node execution status updated",
		zap.String("plan_execution_id", updated.PlanExecutionID),
		zap.String("node_execution_id", id),
		zap.String("status", string(target)))

	e.PublishStatus(ctx, updated)
	return updated, nil
}

// EndTransition runs after a node execution reached its end status. The
// first adviser matching the status queues the next sibling; otherwise the
// parent is resumed, and at the root the plan execution is finalized.
func (e *Engine) EndTransition(ctx context.Context, ne *domain.NodeExecution) error {
	pe, err := e.plans.GetPlanExecution(ctx, ne.PlanExecutionID)
	if err != nil {
		return fmt.Errorf("failed to get plan execution: %w", err)
	}

	if next := nextPlanNode(pe.Plan, ne); next != "" && ne.NextID == "" {
		return e.advance(ctx, pe, ne, next)
	}
	return e.resumeParent(ctx, pe, ne)
}

func (e *Engine) advance(ctx context.Context, pe *domain.PlanExecution, ne *domain.NodeExecution, next string) error {
	var parentLevels []domain.Level
	if len(ne.Levels) > 0 {
		parentLevels = ne.Levels[:len(ne.Levels)-1]
	}
	successor, err := e.createNode(ctx, pe, next, ne.ParentID, parentLevels, ne.ID)
	if err != nil {
		return fmt.Errorf("failed to create next node %s: %w", next, err)
	}

	_, err = e.nodes.ConditionalUpdate(ctx, ne.ID, domain.NewStatusSet(ne.Status), "", func(n *domain.NodeExecution) error {
		n.NextID = successor.ID
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to link next node execution: %w", err)
	}

	e.logger.Debug("advised next node",
		zap.String("plan_execution_id", pe.ID),
		zap.String("node_execution_id", ne.ID),
		zap.String("next_node_execution_id", successor.ID),
		zap.String("next_plan_node_id", next))

	return e.scheduleStart(ctx, successor)
}

// resumeParent finalizes the parent once every child has completed. Only
// the chain tails count towards its status: a child whose outcome was
// handled by an adviser passes its result on to its successor.
func (e *Engine) resumeParent(ctx context.Context, pe *domain.PlanExecution, ne *domain.NodeExecution) error {
	if ne.ParentID == "" {
		return e.finalizePlan(ctx, pe.ID, ne.Status)
	}

	parent, err := e.nodes.Get(ctx, ne.ParentID)
	if err != nil {
		return fmt.Errorf("failed to get parent node execution: %w", err)
	}
	if resp := parent.LatestExecutableResponse(); resp == nil || !resp.Mode.IsChildSpawning() {
		e.logger.Debug("parent has not recorded its children yet",
			zap.String("node_execution_id", parent.ID))
		return nil
	}

	children, err := e.nodes.ListChildren(ctx, pe.ID, parent.ID)
	if err != nil {
		return fmt.Errorf("failed to list children: %w", err)
	}

	var tails []domain.Status
	for _, child := range children {
		if !completedStatuses.Contains(child.Status) {
			return nil
		}
		if child.NextID != "" {
			continue
		}
		if nextPlanNode(pe.Plan, child) != "" {
			// successor not linked yet
			return nil
		}
		tails = append(tails, child.Status)
	}

	status := aggregate(tails)
	updated, err := e.transition(ctx, parent.ID, status, nil)
	if err != nil {
		return e.benign(err)
	}

	e.logger.Debug("parent resumed on child completion",
		zap.String("plan_execution_id", pe.ID),
		zap.String("node_execution_id", parent.ID),
		zap.String("status", string(status)))

	return e.EndTransition(ctx, updated)
}

func (e *Engine) finalizePlan(ctx context.Context, planExecutionID string, rootStatus domain.Status) error {
	status := rootStatus
	if status == domain.StatusSkipped {
		status = domain.StatusSucceeded
	}

	expected := domain.NewStatusSet(domain.StatusRunning, domain.StatusDiscontinuing)
	pe, err := e.plans.UpdatePlanExecutionStatus(ctx, planExecutionID, expected, status)
	if err != nil {
		if errors.Is(err, domain.ErrIllegalStateTransition) {
			e.logger.Debug("plan execution already finalized",
				zap.String("plan_execution_id", planExecutionID))
			return nil
		}
		return fmt.Errorf("failed to finalize plan execution: %w", err)
	}

	e.metrics.RecordPlanExecution(string(status))
	e.logger.Info("plan execution ended",
		zap.String("plan_execution_id", planExecutionID),
		zap.String("status", string(status)))

	event := domain.Event{
		ID:              uuid.New().String(),
		Type:            domain.EventTypePlanExecutionEnded,
		PlanExecutionID: planExecutionID,
		Status:          pe.Status,
		Timestamp:       e.now(),
	}
	if err := e.events.Publish(ctx, domain.TopicPlan, event); err != nil {
		e.logger.Warn("failed to publish plan ended event",
			zap.String("plan_execution_id", planExecutionID),
			zap.Error(err))
	}
	return nil
}

// PublishStatus publishes a node status event for ne. Transitions made
// through the engine publish on their own; callers that change statuses in
// bulk through the store publish with it afterwards.
func (e *Engine) PublishStatus(ctx context.Context, ne *domain.NodeExecution) {
	event := domain.Event{
		ID:              uuid.New().String(),
		Type:            domain.EventTypeNodeStatusUpdate,
		PlanExecutionID: ne.PlanExecutionID,
		NodeExecutionID: ne.ID,
		StepType:        ne.StepType,
		Status:          ne.Status,
		Timestamp:       e.now(),
		Data: map[string]interface{}{
			"identifier":   ne.Identifier,
			"plan_node_id": ne.PlanNodeID,
		},
	}
	if err := e.events.Publish(ctx, domain.TopicNodeStatus, event); err != nil {
		e.logger.Warn("failed to publish node status event",
			zap.String("node_execution_id", ne.ID),
			zap.String("status", string(ne.Status)),
			zap.Error(err))
	}
}

func nextPlanNode(plan *domain.PlanGraph, ne *domain.NodeExecution) string {
	node, err := plan.Node(ne.PlanNodeID)
	if err != nil {
		return ""
	}
	for _, adviser := range node.AdviserObtainments {
		if adviser.Applies(ne.Status) {
			return adviser.NextNodeID
		}
	}
	return ""
}

// aggregate folds the end statuses of a parent's children into its own.
func aggregate(statuses []domain.Status) domain.Status {
	set := domain.NewStatusSet(statuses...)
	for _, s := range []domain.Status{
		domain.StatusAborted,
		domain.StatusErrored,
		domain.StatusFailed,
		domain.StatusExpired,
	} {
		if set.Contains(s) {
			return s
		}
	}
	return domain.StatusSucceeded
}
