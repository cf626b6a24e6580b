package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/pipeorch/internal/application/interrupts"
	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Trigger starts and resumes node executions
type Trigger interface {
	TriggerNode(ctx context.Context, planExecutionID, planNodeID string, parent *domain.NodeExecution, previousID string) (*domain.NodeExecution, error)
	Resume(ctx context.Context, planExecutionID, nodeExecutionID string, data map[string]interface{}) error
}

// BarrierRegistry declares and reads barrier instances
type BarrierRegistry interface {
	CreateDeclared(ctx context.Context, pe *domain.PlanExecution) error
	Get(ctx context.Context, identifier, planExecutionID string) (*domain.BarrierExecutionInstance, error)
	List(ctx context.Context, planExecutionID string) ([]*domain.BarrierExecutionInstance, error)
}

// InterruptRegistrar registers and reads interrupts
type InterruptRegistrar interface {
	Register(ctx context.Context, interrupt *domain.Interrupt, statuses domain.StatusSet) (*interrupts.Outcome, error)
	List(ctx context.Context, planExecutionID string) ([]*domain.Interrupt, error)
}

// Manager coordinates plan execution
type Manager struct {
	plans      ports.PlanExecutionStore
	nodes      ports.NodeExecutionStore
	trigger    Trigger
	barriers   BarrierRegistry
	interrupts InterruptRegistrar
	eventBus   ports.EventBus
	validator  *Validator
	logger     *zap.Logger

	// Track active executions
	executions sync.Map // map[string]time.Time
}

// NewManager creates a new orchestrator manager
func NewManager(
	plans ports.PlanExecutionStore,
	nodes ports.NodeExecutionStore,
	trigger Trigger,
	barriers BarrierRegistry,
	interrupts InterruptRegistrar,
	eventBus ports.EventBus,
	validator *Validator,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		plans:      plans,
		nodes:      nodes,
		trigger:    trigger,
		barriers:   barriers,
		interrupts: interrupts,
		eventBus:   eventBus,
		validator:  validator,
		logger:     logger,
	}
}

// Subscribe stops tracking plan executions once they end
func (m *Manager) Subscribe(ctx context.Context) error {
	return m.eventBus.Subscribe(ctx, domain.TopicPlan, func(_ context.Context, event domain.Event) error {
		if event.Type == domain.EventTypePlanExecutionEnded {
			m.executions.Delete(event.PlanExecutionID)
		}
		return nil
	})
}

// SubmitPlan validates a plan, creates its execution and triggers the root
func (m *Manager) SubmitPlan(ctx context.Context, plan *domain.PlanGraph, inputs map[string]interface{}) (*domain.PlanExecution, error) {
	if err := m.validator.Validate(plan); err != nil {
		planID := ""
		if plan != nil {
			planID = plan.ID
		}
		m.logger.Error("plan validation failed",
			zap.String("plan_id", planID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	now := time.Now()
	pe := &domain.PlanExecution{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		Plan:      plan,
		Status:    domain.StatusRunning,
		Inputs:    inputs,
		CreatedAt: now,
	}

	if err := m.plans.CreatePlanExecution(ctx, pe); err != nil {
		m.logger.Error("failed to save plan execution",
			zap.String("plan_execution_id", pe.ID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to save plan execution: %w", err)
	}

	if err := m.barriers.CreateDeclared(ctx, pe); err != nil {
		return nil, fmt.Errorf("failed to declare barriers: %w", err)
	}

	m.executions.Store(pe.ID, now)

	event := domain.Event{
		ID:              uuid.New().String(),
		Type:            domain.EventTypePlanExecutionStarted,
		PlanExecutionID: pe.ID,
		Status:          pe.Status,
		Timestamp:       now,
		Data: map[string]interface{}{
			"plan_id": plan.ID,
		},
	}
	if err := m.eventBus.Publish(ctx, domain.TopicPlan, event); err != nil {
		m.logger.Warn("failed to publish plan started event",
			zap.String("plan_execution_id", pe.ID),
			zap.Error(err))
	}

	m.logger.Info("plan submitted",
		zap.String("plan_execution_id", pe.ID),
		zap.String("plan_id", plan.ID),
		zap.Int("nodes", len(plan.Nodes)))

	if _, err := m.trigger.TriggerNode(ctx, pe.ID, plan.RootNodeID, nil, ""); err != nil {
		return nil, fmt.Errorf("failed to trigger root node: %w", err)
	}

	return pe, nil
}

// GetStatus retrieves the current state of a plan execution
func (m *Manager) GetStatus(ctx context.Context, planExecutionID string) (*domain.PlanExecution, error) {
	pe, err := m.plans.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan execution: %w", err)
	}
	return pe, nil
}

// ListNodes returns the node executions of a plan execution
func (m *Manager) ListNodes(ctx context.Context, planExecutionID string) ([]*domain.NodeExecution, error) {
	if _, err := m.GetStatus(ctx, planExecutionID); err != nil {
		return nil, err
	}
	return m.nodes.ListByPlanExecution(ctx, planExecutionID)
}

// GetNode returns one node execution of a plan execution
func (m *Manager) GetNode(ctx context.Context, planExecutionID, nodeExecutionID string) (*domain.NodeExecution, error) {
	ne, err := m.nodes.Get(ctx, nodeExecutionID)
	if err != nil {
		return nil, err
	}
	if ne.PlanExecutionID != planExecutionID {
		return nil, fmt.Errorf("%w: %s", domain.ErrNodeExecutionNotFound, nodeExecutionID)
	}
	return ne, nil
}

// ResumeNode hands a callback or task result to a suspended node execution
func (m *Manager) ResumeNode(ctx context.Context, planExecutionID, nodeExecutionID string, data map[string]interface{}) error {
	if _, err := m.GetNode(ctx, planExecutionID, nodeExecutionID); err != nil {
		return err
	}
	m.logger.Debug("resuming node execution",
		zap.String("plan_execution_id", planExecutionID),
		zap.String("node_execution_id", nodeExecutionID))
	return m.trigger.Resume(ctx, planExecutionID, nodeExecutionID, data)
}

// Abort registers an ABORT_ALL interrupt for a plan execution. An empty
// statuses set aborts every finalizable node execution.
func (m *Manager) Abort(ctx context.Context, planExecutionID, createdBy string, statuses domain.StatusSet) (*interrupts.Outcome, error) {
	return m.RegisterInterrupt(ctx, &domain.Interrupt{
		Type:            domain.InterruptTypeAbortAll,
		PlanExecutionID: planExecutionID,
		CreatedBy:       createdBy,
	}, statuses)
}

// RegisterInterrupt registers and processes an interrupt
func (m *Manager) RegisterInterrupt(ctx context.Context, interrupt *domain.Interrupt, statuses domain.StatusSet) (*interrupts.Outcome, error) {
	return m.interrupts.Register(ctx, interrupt, statuses)
}

// ListInterrupts returns the interrupts registered for a plan execution
func (m *Manager) ListInterrupts(ctx context.Context, planExecutionID string) ([]*domain.Interrupt, error) {
	return m.interrupts.List(ctx, planExecutionID)
}

// GetBarrier returns a barrier instance of a plan execution
func (m *Manager) GetBarrier(ctx context.Context, planExecutionID, identifier string) (*domain.BarrierExecutionInstance, error) {
	return m.barriers.Get(ctx, identifier, planExecutionID)
}

// ListBarriers returns the barrier instances of a plan execution
func (m *Manager) ListBarriers(ctx context.Context, planExecutionID string) ([]*domain.BarrierExecutionInstance, error) {
	return m.barriers.List(ctx, planExecutionID)
}

// ActiveExecutions returns the number of plan executions started by this
// manager that have not ended yet
func (m *Manager) ActiveExecutions() int {
	n := 0
	m.executions.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager",
		zap.Int("active_executions", m.ActiveExecutions()))
	m.executions.Range(func(key, _ interface{}) bool {
		m.executions.Delete(key)
		return true
	})
	m.logger.Info("orchestrator manager shut down complete")
	return nil
}
