// Package enginetest wires an engine onto in-memory adapters for tests.
package enginetest

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/pipeorch/internal/application/engine"
	eventsmemory "github.com/aescanero/pipeorch/pkg/adapters/events/memory"
	storagememory "github.com/aescanero/pipeorch/pkg/adapters/storage/memory"
	tasksmemory "github.com/aescanero/pipeorch/pkg/adapters/tasks/memory"
	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InlineScheduler runs every job on the scheduling goroutine.
type InlineScheduler struct {
	Executor engine.Executor
}

// Schedule executes the job immediately
func (s *InlineScheduler) Schedule(ctx context.Context, job engine.Job) error {
	return s.Executor.Execute(ctx, job)
}

// Harness is an engine backed by in-memory storage, events and tasks.
type Harness struct {
	Store    *storagememory.Storage
	Bus      *eventsmemory.InMemoryEventBus
	Tasks    *tasksmemory.Dispatcher
	Registry *engine.StepRegistry
	Engine   *engine.Engine
	Logger   *zap.Logger
}

// New builds a harness with the built-in steps plus steps.
func New(t testing.TB, steps ...engine.Step) *Harness {
	t.Helper()

	logger := zap.NewNop()
	registry := engine.NewStepRegistry(engine.BuiltinSteps(logger)...)
	for _, s := range steps {
		registry.Register(s)
	}

	h := &Harness{
		Store:    storagememory.NewStorage(),
		Bus:      eventsmemory.NewInMemoryEventBus(logger),
		Tasks:    tasksmemory.NewDispatcher(),
		Registry: registry,
		Logger:   logger,
	}
	scheduler := &InlineScheduler{}
	h.Engine = engine.New(h.Store, h.Store, h.Tasks, h.Bus, registry, scheduler, nil, logger)
	scheduler.Executor = h.Engine

	t.Cleanup(func() { _ = h.Bus.Close() })
	return h
}

// CreatePlan stores a RUNNING plan execution for graph without starting it.
func (h *Harness) CreatePlan(t testing.TB, graph *domain.PlanGraph) *domain.PlanExecution {
	t.Helper()

	pe := &domain.PlanExecution{
		ID:        uuid.New().String(),
		PlanID:    graph.ID,
		Plan:      graph,
		Status:    domain.StatusRunning,
		CreatedAt: time.Now(),
	}
	if err := h.Store.CreatePlanExecution(context.Background(), pe); err != nil {
		t.Fatalf("create plan execution: %v", err)
	}
	return pe
}

// StartPlan creates a plan execution and triggers its root node.
func (h *Harness) StartPlan(t testing.TB, graph *domain.PlanGraph) *domain.PlanExecution {
	t.Helper()

	pe := h.CreatePlan(t, graph)
	if _, err := h.Engine.TriggerNode(context.Background(), pe.ID, graph.RootNodeID, nil, ""); err != nil {
		t.Fatalf("trigger root: %v", err)
	}
	return pe
}

// Nodes returns the node executions of a plan execution keyed by plan node
// id. When a plan node ran more than once the latest run wins.
func (h *Harness) Nodes(t testing.TB, planExecutionID string) map[string]*domain.NodeExecution {
	t.Helper()

	nodes, err := h.Store.ListByPlanExecution(context.Background(), planExecutionID)
	if err != nil {
		t.Fatalf("list node executions: %v", err)
	}
	out := make(map[string]*domain.NodeExecution, len(nodes))
	for _, ne := range nodes {
		out[ne.PlanNodeID] = ne
	}
	return out
}

// PlanStatus returns the current status of a plan execution.
func (h *Harness) PlanStatus(t testing.TB, planExecutionID string) domain.Status {
	t.Helper()

	pe, err := h.Store.GetPlanExecution(context.Background(), planExecutionID)
	if err != nil {
		t.Fatalf("get plan execution: %v", err)
	}
	return pe.Status
}
