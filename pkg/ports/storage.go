package ports

import (
	"context"

	"github.com/aescanero/pipeorch/pkg/domain"
)

// NodeMutation mutates a node execution inside a conditional update. It
// runs against a private copy that already carries the target status;
// returning an error cancels the update.
type NodeMutation func(ne *domain.NodeExecution) error

// NodeExecutionStore is the durable record of node executions.
//
// ConditionalUpdate is the only way to change a node execution. It reads
// the current status and checks it against expected before anything else
// runs; only then is the status set to target and mutate applied, in one
// atomic step. An empty target keeps the current status. When the current
// status is not in expected it returns an *domain.IllegalStateTransitionError
// and mutate is never called.
type NodeExecutionStore interface {
	Create(ctx context.Context, ne *domain.NodeExecution) error
	Get(ctx context.Context, id string) (*domain.NodeExecution, error)
	ListByPlanExecution(ctx context.Context, planExecutionID string) ([]*domain.NodeExecution, error)
	ListByStatuses(ctx context.Context, planExecutionID string, statuses domain.StatusSet) ([]*domain.NodeExecution, error)
	ListChildren(ctx context.Context, planExecutionID, parentID string) ([]*domain.NodeExecution, error)
	ListChildrenByStatuses(ctx context.Context, planExecutionID string, parentIDs []string, statuses domain.StatusSet) ([]*domain.NodeExecution, error)
	ConditionalUpdate(ctx context.Context, id string, expected domain.StatusSet, target domain.Status, mutate NodeMutation) (*domain.NodeExecution, error)

	// MarkLeavesDiscontinuing moves every listed node execution whose status
	// is finalizable to DISCONTINUING and records the interrupt on it, as a
	// single operation. It returns the number of records changed.
	MarkLeavesDiscontinuing(ctx context.Context, interruptID string, interruptType domain.InterruptType,
		planExecutionID string, ids []string) (int, error)
}

// PlanExecutionStore is the durable record of plan executions.
type PlanExecutionStore interface {
	CreatePlanExecution(ctx context.Context, pe *domain.PlanExecution) error
	GetPlanExecution(ctx context.Context, id string) (*domain.PlanExecution, error)
	UpdatePlanExecutionStatus(ctx context.Context, id string, expected domain.StatusSet, status domain.Status) (*domain.PlanExecution, error)
}

// InterruptStore persists interrupts so that each is consumed once.
type InterruptStore interface {
	// CreateInterrupt stores a new interrupt. It fails with
	// domain.ErrInterruptExists when the ID is already taken.
	CreateInterrupt(ctx context.Context, interrupt *domain.Interrupt) error
	GetInterrupt(ctx context.Context, id string) (*domain.Interrupt, error)
	ListInterrupts(ctx context.Context, planExecutionID string) ([]*domain.Interrupt, error)

	// TransitionInterrupt moves an interrupt from one state to another and
	// reports false when it was not in the from state.
	TransitionInterrupt(ctx context.Context, id string, from, to domain.InterruptState) (bool, error)
}

// BarrierMutation mutates a barrier instance inside an update.
type BarrierMutation func(b *domain.BarrierExecutionInstance) error

// BarrierStore persists barrier execution instances.
type BarrierStore interface {
	SaveBarrier(ctx context.Context, b *domain.BarrierExecutionInstance) error
	FindBarrier(ctx context.Context, identifier, planExecutionID string) (*domain.BarrierExecutionInstance, error)
	ListBarriers(ctx context.Context, planExecutionID string) ([]*domain.BarrierExecutionInstance, error)
	UpdateBarrier(ctx context.Context, identifier, planExecutionID string, mutate BarrierMutation) (*domain.BarrierExecutionInstance, error)

	// CompareAndSetState flips the barrier state only if it currently equals
	// from, and reports whether this call performed the flip.
	CompareAndSetState(ctx context.Context, identifier, planExecutionID string, from, to domain.BarrierState) (bool, error)
}
