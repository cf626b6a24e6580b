package interrupts_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aescanero/pipeorch/internal/application/engine"
	"github.com/aescanero/pipeorch/internal/application/engine/enginetest"
	"github.com/aescanero/pipeorch/internal/application/interrupts"
	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hookedStepType = "HOOKED"

// hookedStep waits for a callback and counts abort hook calls.
type hookedStep struct {
	engine.WaitStep
	aborts  atomic.Int32
	panicOn string
}

func (s *hookedStep) Type() string { return hookedStepType }

func (s *hookedStep) HandleAbort(_ context.Context, ne *domain.NodeExecution, _ map[string]interface{}, _ *domain.ExecutableResponse) error {
	if ne.Identifier == s.panicOn {
		panic("hook exploded")
	}
	s.aborts.Add(1)
	return nil
}

// countingEngine counts end transitions and can fail one node's update.
type countingEngine struct {
	*engine.Engine
	mu         sync.Mutex
	ends       map[string]int
	failUpdate string
}

func (c *countingEngine) UpdateStatus(ctx context.Context, id string, target domain.Status, mutate ports.NodeMutation) (*domain.NodeExecution, error) {
	if id == c.failUpdate {
		return nil, errors.New("store unavailable")
	}
	return c.Engine.UpdateStatus(ctx, id, target, mutate)
}

func (c *countingEngine) EndTransition(ctx context.Context, ne *domain.NodeExecution) error {
	c.mu.Lock()
	c.ends[ne.ID]++
	c.mu.Unlock()
	return c.Engine.EndTransition(ctx, ne)
}

type fixture struct {
	h         *enginetest.Harness
	hooked    *hookedStep
	counting  *countingEngine
	handler   *interrupts.AbortAllHandler
	processor *interrupts.Processor
}

func newFixture(t *testing.T) *fixture {
	hooked := &hookedStep{}
	h := enginetest.New(t, hooked)
	counting := &countingEngine{Engine: h.Engine, ends: map[string]int{}}
	handler := interrupts.NewAbortAllHandler(h.Store, h.Store, h.Tasks, h.Registry, counting, nil, h.Logger, 4)
	processor := interrupts.NewProcessor(h.Store, h.Store, h.Bus, nil, h.Logger)
	processor.RegisterHandler(domain.InterruptTypeAbortAll, handler)
	return &fixture{h: h, hooked: hooked, counting: counting, handler: handler, processor: processor}
}

func parallelPlan(stepType string, mode domain.ExecutionMode, children ...string) *domain.PlanGraph {
	g := &domain.PlanGraph{
		ID:         "plan",
		RootNodeID: "root",
		Nodes: map[string]*domain.PlanNode{
			"root": {
				ID:                     "root",
				Identifier:             "root",
				StepType:               engine.StepTypeSection,
				Group:                  domain.LevelGroupStage,
				FacilitatorObtainments: []domain.FacilitatorObtainment{{Mode: domain.ExecutionModeChildren}},
				Children:               children,
			},
		},
	}
	for _, id := range children {
		g.Nodes[id] = &domain.PlanNode{
			ID:                     id,
			Identifier:             id,
			StepType:               stepType,
			Group:                  domain.LevelGroupStep,
			FacilitatorObtainments: []domain.FacilitatorObtainment{{Mode: mode}},
		}
	}
	return g
}

func abortAll(planExecutionID string) *domain.Interrupt {
	return &domain.Interrupt{Type: domain.InterruptTypeAbortAll, PlanExecutionID: planExecutionID, CreatedBy: "test"}
}

func TestAbortAll_SiblingLeaves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pe := f.h.StartPlan(t, parallelPlan(hookedStepType, domain.ExecutionModeAsync, "a", "b", "c"))
	before := f.h.Nodes(t, pe.ID)
	for _, id := range []string{"a", "b", "c"} {
		require.Equal(t, domain.StatusAsyncWaiting, before[id].Status)
	}
	require.Equal(t, domain.StatusRunning, before["root"].Status)

	outcome, err := f.processor.Register(ctx, abortAll(pe.ID), domain.StatusSet{})
	require.NoError(t, err)
	assert.True(t, outcome.Aborted)
	assert.Equal(t, 4, outcome.Matched)
	assert.Equal(t, 3, outcome.Marked)
	assert.Empty(t, outcome.Failures)
	assert.Equal(t, domain.InterruptStateProcessedSuccessfully, outcome.Interrupt.State)

	after := f.h.Nodes(t, pe.ID)
	for _, id := range []string{"a", "b", "c"} {
		ne := after[id]
		assert.Equal(t, domain.StatusAborted, ne.Status, id)
		assert.NotNil(t, ne.EndedAt, id)
		assert.True(t, ne.HasInterrupt(outcome.Interrupt.ID), id)
		assert.Equal(t, 1, f.counting.ends[ne.ID], id)
	}
	assert.Len(t, f.counting.ends, 3)
	assert.False(t, after["root"].HasInterrupt(outcome.Interrupt.ID))
	assert.Equal(t, domain.StatusAborted, after["root"].Status)
	assert.Equal(t, int32(3), f.hooked.aborts.Load())
	assert.Equal(t, domain.StatusAborted, f.h.PlanStatus(t, pe.ID))

	stored, err := f.processor.Get(ctx, outcome.Interrupt.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InterruptStateProcessedSuccessfully, stored.State)
}

func TestAbortAll_PublishesDiscontinuingForMarkedLeaves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pe := f.h.StartPlan(t, parallelPlan(hookedStepType, domain.ExecutionModeAsync, "a", "b", "c"))
	f.h.Bus.Wait()

	var (
		mu             sync.Mutex
		discontinuing  = map[string]int{}
		statusesByNode = map[string][]domain.Status{}
	)
	require.NoError(t, f.h.Bus.Subscribe(ctx, domain.TopicNodeStatus, func(_ context.Context, ev domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		statusesByNode[ev.NodeExecutionID] = append(statusesByNode[ev.NodeExecutionID], ev.Status)
		if ev.Status == domain.StatusDiscontinuing {
			discontinuing[ev.NodeExecutionID]++
		}
		return nil
	}))

	outcome, err := f.processor.Register(ctx, abortAll(pe.ID), domain.StatusSet{})
	require.NoError(t, err)
	require.Equal(t, 3, outcome.Marked)
	f.h.Bus.Wait()

	nodes := f.h.Nodes(t, pe.ID)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, discontinuing, 3)
	for _, id := range []string{"a", "b", "c"} {
		neID := nodes[id].ID
		assert.Equal(t, 1, discontinuing[neID], id)
		assert.Contains(t, statusesByNode[neID], domain.StatusAborted, id)
	}
	assert.Zero(t, discontinuing[nodes["root"].ID])
}

func seed(t *testing.T, store ports.NodeExecutionStore, planExecutionID string, nodes ...*domain.NodeExecution) {
	t.Helper()
	for _, ne := range nodes {
		ne.PlanExecutionID = planExecutionID
		require.NoError(t, store.Create(context.Background(), ne))
	}
}

func TestAbortAll_ParentWithMatchedChildIsNotALeaf(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pe := f.h.CreatePlan(t, parallelPlan(engine.StepTypeNoop, domain.ExecutionModeSync, "c1", "c2"))

	seed(t, f.h.Store, pe.ID,
		&domain.NodeExecution{ID: "p", PlanNodeID: "root", StepType: engine.StepTypeSection, Status: domain.StatusRunning, Mode: domain.ExecutionModeChildren},
		&domain.NodeExecution{ID: "c1", ParentID: "p", PlanNodeID: "c1", StepType: engine.StepTypeNoop, Status: domain.StatusRunning, Mode: domain.ExecutionModeSync},
		&domain.NodeExecution{ID: "c2", ParentID: "p", PlanNodeID: "c2", StepType: engine.StepTypeNoop, Status: domain.StatusSucceeded, Mode: domain.ExecutionModeSync},
	)

	filter := domain.NewStatusSet(domain.StatusRunning, domain.StatusAsyncWaiting, domain.StatusTaskWaiting)
	matched, err := f.h.Store.ListByStatuses(ctx, pe.ID, filter)
	require.NoError(t, err)
	require.Len(t, matched, 2)

	leaves, err := f.handler.LeafInstanceIDs(ctx, pe.ID, filter, matched)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, leaves)

	interrupt := abortAll(pe.ID)
	interrupt.ID = "i-b"
	nMatched, nMarked, err := f.handler.MarkAbortingState(ctx, interrupt, filter)
	require.NoError(t, err)
	assert.Equal(t, 2, nMatched)
	assert.Equal(t, 1, nMarked)

	nodes := f.h.Nodes(t, pe.ID)
	assert.Equal(t, domain.StatusDiscontinuing, nodes["c1"].Status)
	assert.True(t, nodes["c1"].HasInterrupt("i-b"))
	assert.Equal(t, domain.StatusRunning, nodes["root"].Status)
	assert.Equal(t, domain.StatusSucceeded, nodes["c2"].Status)
}

func TestAbortAll_ChildSpawningParentWithoutMatchedChildrenIsALeaf(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pe := f.h.CreatePlan(t, parallelPlan(engine.StepTypeNoop, domain.ExecutionModeSync, "c1"))

	seed(t, f.h.Store, pe.ID,
		&domain.NodeExecution{ID: "p", PlanNodeID: "root", StepType: engine.StepTypeSection, Status: domain.StatusRunning, Mode: domain.ExecutionModeChildren},
	)

	matched, err := f.h.Store.ListByStatuses(ctx, pe.ID, domain.FinalizableStatuses())
	require.NoError(t, err)

	leaves, err := f.handler.LeafInstanceIDs(ctx, pe.ID, domain.FinalizableStatuses(), matched)
	require.NoError(t, err)
	assert.Equal(t, []string{"p"}, leaves)
}

func TestAbortAll_LeafCountProperty(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	statuses := domain.AllStatuses()

	for round := 0; round < 25; round++ {
		f := newFixture(t)
		pe := f.h.CreatePlan(t, parallelPlan(engine.StepTypeNoop, domain.ExecutionModeSync, "x"))

		var nodes []*domain.NodeExecution
		var grow func(parentID string, depth int)
		grow = func(parentID string, depth int) {
			ne := &domain.NodeExecution{
				ID:         fmt.Sprintf("n%d", len(nodes)),
				ParentID:   parentID,
				PlanNodeID: "x",
				StepType:   engine.StepTypeNoop,
				Status:     statuses[rng.Intn(len(statuses))],
				Mode:       domain.ExecutionModeSync,
			}
			nodes = append(nodes, ne)
			if depth < 3 && rng.Intn(2) == 0 {
				ne.Mode = domain.ExecutionModeChildren
				for i := 0; i < 1+rng.Intn(3); i++ {
					grow(ne.ID, depth+1)
				}
			}
		}
		for i := 0; i < 1+rng.Intn(4); i++ {
			grow("", 0)
		}
		seed(t, f.h.Store, pe.ID, nodes...)

		finalizable := domain.FinalizableStatuses()
		matchedIDs := map[string]bool{}
		for _, ne := range nodes {
			if finalizable.Contains(ne.Status) {
				matchedIDs[ne.ID] = true
			}
		}
		parentsWithMatchedChildren := map[string]bool{}
		for _, ne := range nodes {
			if matchedIDs[ne.ID] && ne.ParentID != "" && matchedIDs[ne.ParentID] {
				parentsWithMatchedChildren[ne.ParentID] = true
			}
		}
		expectedMarked := 0
		for _, ne := range nodes {
			if matchedIDs[ne.ID] && !parentsWithMatchedChildren[ne.ID] && ne.Status != domain.StatusDiscontinuing {
				expectedMarked++
			}
		}

		matched, err := f.h.Store.ListByStatuses(ctx, pe.ID, finalizable)
		require.NoError(t, err)
		leaves, err := f.handler.LeafInstanceIDs(ctx, pe.ID, finalizable, matched)
		require.NoError(t, err)
		assert.Equal(t, len(matchedIDs)-len(parentsWithMatchedChildren), len(leaves), "round %d", round)

		interrupt := abortAll(pe.ID)
		interrupt.ID = fmt.Sprintf("i-%d", round)
		_, marked, err := f.handler.MarkAbortingState(ctx, interrupt, finalizable)
		require.NoError(t, err)
		assert.Equal(t, expectedMarked, marked, "round %d", round)
	}
}

func TestAbortAll_FailedUpdateIsIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pe := f.h.StartPlan(t, parallelPlan(hookedStepType, domain.ExecutionModeAsync, "a", "b", "c"))
	f.counting.failUpdate = f.h.Nodes(t, pe.ID)["b"].ID

	outcome, err := f.processor.Register(ctx, abortAll(pe.ID), domain.StatusSet{})
	require.NoError(t, err)
	assert.True(t, outcome.Aborted)
	require.Len(t, outcome.Failures, 1)
	assert.Contains(t, outcome.Failures[0], f.counting.failUpdate)
	assert.Equal(t, domain.InterruptStateProcessedUnsuccessfully, outcome.Interrupt.State)

	nodes := f.h.Nodes(t, pe.ID)
	assert.Equal(t, domain.StatusAborted, nodes["a"].Status)
	assert.Equal(t, domain.StatusDiscontinuing, nodes["b"].Status)
	assert.Equal(t, domain.StatusAborted, nodes["c"].Status)
	assert.Equal(t, domain.StatusRunning, nodes["root"].Status)
}

func TestAbortAll_FailureCarriesNodeAndPlan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pe := f.h.StartPlan(t, parallelPlan(hookedStepType, domain.ExecutionModeAsync, "a"))
	target := f.h.Nodes(t, pe.ID)["a"]
	f.counting.failUpdate = target.ID

	interrupt := abortAll(pe.ID)
	interrupt.ID = "i-fail"
	err := f.handler.DiscontinueMarkedInstance(ctx, interrupt, target)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInterruptProcessingFailed))

	var failed *domain.InterruptProcessingFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, pe.ID, failed.PlanExecutionID)
	assert.Equal(t, target.ID, failed.NodeExecutionID)
	assert.Equal(t, domain.InterruptTypeAbortAll, failed.InterruptType)
}

func TestAbortAll_PanickingHookIsIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.hooked.panicOn = "b"

	pe := f.h.StartPlan(t, parallelPlan(hookedStepType, domain.ExecutionModeAsync, "a", "b", "c"))

	outcome, err := f.processor.Register(ctx, abortAll(pe.ID), domain.StatusSet{})
	require.NoError(t, err)
	require.Len(t, outcome.Failures, 1)
	assert.Contains(t, outcome.Failures[0], "hook exploded")

	nodes := f.h.Nodes(t, pe.ID)
	assert.Equal(t, domain.StatusAborted, nodes["a"].Status)
	assert.Equal(t, domain.StatusDiscontinuing, nodes["b"].Status)
	assert.Equal(t, domain.StatusAborted, nodes["c"].Status)
	assert.Equal(t, int32(2), f.hooked.aborts.Load())
}

func TestAbortAll_AbortsDispatchedTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pe := f.h.StartPlan(t, parallelPlan(engine.StepTypeTask, domain.ExecutionModeTask, "build"))
	ne := f.h.Nodes(t, pe.ID)["build"]
	require.Equal(t, domain.StatusTaskWaiting, ne.Status)
	taskID := ne.LatestExecutableResponse().TaskID

	outcome, err := f.processor.Register(ctx, abortAll(pe.ID), domain.StatusSet{})
	require.NoError(t, err)
	assert.True(t, outcome.Aborted)

	task, err := f.h.Tasks.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusAborted, task.Status)
	assert.Equal(t, domain.StatusAborted, f.h.Nodes(t, pe.ID)["build"].Status)
}

func TestAbortAll_TaskAbortFailureDoesNotBlockNode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.h.Tasks.FailAborts = true

	pe := f.h.StartPlan(t, parallelPlan(engine.StepTypeTask, domain.ExecutionModeTask, "build"))

	outcome, err := f.processor.Register(ctx, abortAll(pe.ID), domain.StatusSet{})
	require.NoError(t, err)
	assert.True(t, outcome.Aborted)
	assert.Empty(t, outcome.Failures)
	assert.Equal(t, domain.StatusAborted, f.h.Nodes(t, pe.ID)["build"].Status)
	assert.Equal(t, domain.StatusAborted, f.h.PlanStatus(t, pe.ID))
}

func TestAbortAll_NothingToAbort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pe := f.h.StartPlan(t, parallelPlan(engine.StepTypeNoop, domain.ExecutionModeSync, "a"))
	require.Equal(t, domain.StatusSucceeded, f.h.PlanStatus(t, pe.ID))

	outcome, err := f.processor.Register(ctx, abortAll(pe.ID), domain.StatusSet{})
	require.NoError(t, err)
	assert.False(t, outcome.Aborted)
	assert.Zero(t, outcome.Marked)
	assert.Equal(t, domain.InterruptStateDiscarded, outcome.Interrupt.State)
	assert.Equal(t, domain.StatusSucceeded, f.h.PlanStatus(t, pe.ID))
}
