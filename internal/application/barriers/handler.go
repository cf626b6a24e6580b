package barriers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
	"go.uber.org/zap"
)

const lockPrefix = "barrier-update:"

// EventHandler keeps barrier instances in step with node status events
type EventHandler struct {
	service  *Service
	nodes    ports.NodeExecutionStore
	locker   ports.Locker
	lockWait time.Duration
	lockTTL  time.Duration
	logger   *zap.Logger
}

// NewEventHandler creates a new barrier event handler
func NewEventHandler(service *Service, nodes ports.NodeExecutionStore, locker ports.Locker,
	lockWait, lockTTL time.Duration, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		service:  service,
		nodes:    nodes,
		locker:   locker,
		lockWait: lockWait,
		lockTTL:  lockTTL,
		logger:   logger,
	}
}

// Subscribe registers the handler for node status events
func (h *EventHandler) Subscribe(ctx context.Context, bus ports.EventBus) error {
	return bus.Subscribe(ctx, domain.TopicNodeStatus, h.OnNodeStatusUpdate)
}

// OnNodeStatusUpdate registers the node's barrier position and, for a
// barrier step that started waiting, records its arrival. All barrier
// updates of a plan execution are serialized by a lock; when the lock
// cannot be acquired in time the event is skipped.
func (h *EventHandler) OnNodeStatusUpdate(ctx context.Context, event domain.Event) error {
	if event.Type != domain.EventTypeNodeStatusUpdate || event.NodeExecutionID == "" {
		return nil
	}

	ne, err := h.nodes.Get(ctx, event.NodeExecutionID)
	if err != nil {
		return fmt.Errorf("failed to get node execution: %w", err)
	}

	positionType, tracked := positionTypeOf(ne)
	arriving := ne.StepType == domain.BarrierStepType && event.Status == domain.StatusAsyncWaiting
	if !tracked && !arriving {
		return nil
	}

	lock, err := h.locker.WaitToAcquire(ctx, lockPrefix+ne.PlanExecutionID, h.lockWait, h.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockNotAcquired) {
			h.logger.Warn("barrier lock not acquired, skipping update",
				zap.String("plan_execution_id", ne.PlanExecutionID),
				zap.String("node_execution_id", ne.ID),
				zap.Duration("wait", h.lockWait))
			return nil
		}
		return fmt.Errorf("failed to acquire barrier lock: %w", err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			h.logger.Warn("failed to release barrier lock",
				zap.String("plan_execution_id", ne.PlanExecutionID),
				zap.Error(err))
		}
	}()

	var ref string
	if arriving {
		ref, _ = ne.ResolvedStepParameters[domain.BarrierRefParameter].(string)
		if ref == "" {
			return fmt.Errorf("barrier step %s has no %s", ne.ID, domain.BarrierRefParameter)
		}
		// the instance must exist before the position can be bound
		if _, err := h.service.FindByIdentifierAndPlanExecutionID(ctx, ref, ne.PlanExecutionID); err != nil {
			return fmt.Errorf("failed to find barrier %s: %w", ref, err)
		}
	}

	if tracked {
		var stageRuntimeID, stepGroupRuntimeID string
		if lvl := outerLevel(ne, domain.LevelGroupStage); lvl != nil {
			stageRuntimeID = lvl.RuntimeID
		}
		if lvl := outerLevel(ne, domain.LevelGroupStepGroup); lvl != nil {
			stepGroupRuntimeID = lvl.RuntimeID
		}
		if err := h.service.UpdatePosition(ctx, ne.PlanExecutionID, positionType, ne.PlanNodeID,
			ne.ID, stageRuntimeID, stepGroupRuntimeID); err != nil {
			return err
		}
	}

	if arriving {
		return h.dropBarrier(ctx, ref, ne)
	}
	return nil
}

func (h *EventHandler) dropBarrier(ctx context.Context, ref string, ne *domain.NodeExecution) error {
	b, err := h.service.Get(ctx, ref, ne.PlanExecutionID)
	if err != nil {
		return fmt.Errorf("failed to get barrier %s: %w", ref, err)
	}

	if b.IsDown() {
		if b.HasArrived(ne.ID) {
			return nil
		}
		h.logger.Info("late arrival at dropped barrier",
			zap.String("plan_execution_id", ne.PlanExecutionID),
			zap.String("barrier", ref),
			zap.String("node_execution_id", ne.ID))
		return h.service.resume(ctx, b, ne.ID)
	}

	b, err = h.service.Arrive(ctx, b, ne)
	if err != nil {
		return fmt.Errorf("failed to record arrival: %w", err)
	}

	_, err = h.service.Update(ctx, b)
	return err
}

// positionTypeOf returns the position type tracked for the node. Barrier
// steps are always tracked as steps.
func positionTypeOf(ne *domain.NodeExecution) (domain.BarrierPositionType, bool) {
	if ne.StepType == domain.BarrierStepType {
		return domain.BarrierPositionStep, true
	}
	lvl := ne.CurrentLevel()
	if lvl == nil {
		return "", false
	}
	return domain.PositionTypeForGroup(lvl.Group)
}
