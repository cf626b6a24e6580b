// Package storagetest holds the behavior every storage adapter must share.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Store is the full set of record stores an adapter provides.
type Store interface {
	ports.NodeExecutionStore
	ports.PlanExecutionStore
	ports.InterruptStore
	ports.BarrierStore
}

// Run exercises a storage adapter. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("NodeCreateAndGet", func(t *testing.T) { testNodeCreateAndGet(t, newStore(t)) })
	t.Run("ConditionalUpdate", func(t *testing.T) { testConditionalUpdate(t, newStore(t)) })
	t.Run("ConcurrentConditionalUpdate", func(t *testing.T) { testConcurrentConditionalUpdate(t, newStore(t)) })
	t.Run("NodeQueries", func(t *testing.T) { testNodeQueries(t, newStore(t)) })
	t.Run("MarkLeavesDiscontinuing", func(t *testing.T) { testMarkLeavesDiscontinuing(t, newStore(t)) })
	t.Run("PlanExecutions", func(t *testing.T) { testPlanExecutions(t, newStore(t)) })
	t.Run("Interrupts", func(t *testing.T) { testInterrupts(t, newStore(t)) })
	t.Run("ConcurrentCreateInterrupt", func(t *testing.T) { testConcurrentCreateInterrupt(t, newStore(t)) })
	t.Run("Barriers", func(t *testing.T) { testBarriers(t, newStore(t)) })
	t.Run("ConcurrentCompareAndSetState", func(t *testing.T) { testConcurrentCompareAndSet(t, newStore(t)) })
}

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func nodeExecution(id, planExecutionID, parentID string, status domain.Status, offset int) *domain.NodeExecution {
	return &domain.NodeExecution{
		ID:              id,
		PlanExecutionID: planExecutionID,
		ParentID:        parentID,
		PlanNodeID:      "node-" + id,
		Identifier:      id,
		StepType:        "NOOP",
		Status:          status,
		Levels:          []domain.Level{{SetupID: "node-" + id, RuntimeID: id, Group: domain.LevelGroupStep}},
		ResolvedStepParameters: map[string]interface{}{
			"outcome": "SUCCEEDED",
		},
		CreatedAt: base.Add(time.Duration(offset) * time.Second),
	}
}

func ids(nodes []*domain.NodeExecution) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func testNodeCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, nodeExecution("ne-1", "pe-1", "", domain.StatusQueued, 0)))
	assert.Error(t, s.Create(ctx, nodeExecution("ne-1", "pe-1", "", domain.StatusQueued, 0)))
	assert.Error(t, s.Create(ctx, &domain.NodeExecution{}))

	got, err := s.Get(ctx, "ne-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, "SUCCEEDED", got.ResolvedStepParameters["outcome"])
	assert.True(t, base.Equal(got.CreatedAt))

	got.Status = domain.StatusFailed
	again, err := s.Get(ctx, "ne-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, again.Status, "reads must not alias stored records")

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNodeExecutionNotFound)
}

func testConditionalUpdate(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, nodeExecution("ne-1", "pe-1", "", domain.StatusQueued, 0)))

	updated, err := s.ConditionalUpdate(ctx, "ne-1", domain.AllowedPredecessors(domain.StatusRunning), domain.StatusRunning,
		func(ne *domain.NodeExecution) error {
			assert.Equal(t, domain.StatusRunning, ne.Status)
			ne.FailureMessage = "none"
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, updated.Status)
	assert.Equal(t, int64(1), updated.Version)

	mutated := false
	_, err = s.ConditionalUpdate(ctx, "ne-1", domain.AllowedPredecessors(domain.StatusSkipped), domain.StatusSkipped,
		func(ne *domain.NodeExecution) error {
			mutated = true
			return nil
		})
	var illegal *domain.IllegalStateTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, domain.StatusRunning, illegal.Current)
	assert.Equal(t, domain.StatusSkipped, illegal.Requested)
	assert.Equal(t, "ne-1", illegal.NodeExecutionID)
	assert.False(t, mutated, "mutation ran before the legality check")

	boom := errors.New("boom")
	_, err = s.ConditionalUpdate(ctx, "ne-1", domain.NewStatusSet(domain.StatusRunning), domain.StatusFailed,
		func(ne *domain.NodeExecution) error {
			ne.FailureMessage = "changed"
			return boom
		})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, "ne-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, "none", got.FailureMessage)
	assert.Equal(t, int64(1), got.Version)

	kept, err := s.ConditionalUpdate(ctx, "ne-1", domain.NewStatusSet(domain.StatusRunning), "",
		func(ne *domain.NodeExecution) error {
			ne.NextID = "ne-2"
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, kept.Status)
	assert.Equal(t, "ne-2", kept.NextID)

	_, err = s.ConditionalUpdate(ctx, "missing", domain.FinalizableStatuses(), domain.StatusAborted, nil)
	assert.ErrorIs(t, err, domain.ErrNodeExecutionNotFound)
}

func testConcurrentConditionalUpdate(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, nodeExecution("ne-1", "pe-1", "", domain.StatusQueued, 0)))

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		illegal atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConditionalUpdate(ctx, "ne-1", domain.NewStatusSet(domain.StatusQueued), domain.StatusRunning, nil)
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, domain.ErrIllegalStateTransition):
				illegal.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(7), illegal.Load())
}

func testNodeQueries(t *testing.T, s Store) {
	ctx := context.Background()
	for _, ne := range []*domain.NodeExecution{
		nodeExecution("root", "pe-1", "", domain.StatusRunning, 0),
		nodeExecution("a", "pe-1", "root", domain.StatusAsyncWaiting, 1),
		nodeExecution("b", "pe-1", "root", domain.StatusSucceeded, 2),
		nodeExecution("c", "pe-1", "a", domain.StatusRunning, 3),
		nodeExecution("other", "pe-2", "", domain.StatusRunning, 0),
	} {
		require.NoError(t, s.Create(ctx, ne))
	}

	all, err := s.ListByPlanExecution(ctx, "pe-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "a", "b", "c"}, ids(all))

	running, err := s.ListByStatuses(ctx, "pe-1", domain.NewStatusSet(domain.StatusRunning))
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "c"}, ids(running))

	children, err := s.ListChildren(ctx, "pe-1", "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(children))

	matched, err := s.ListChildrenByStatuses(ctx, "pe-1", []string{"root", "a"}, domain.FinalizableStatuses())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(matched))

	empty, err := s.ListByPlanExecution(ctx, "pe-none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testMarkLeavesDiscontinuing(t *testing.T, s Store) {
	ctx := context.Background()
	for _, ne := range []*domain.NodeExecution{
		nodeExecution("a", "pe-1", "", domain.StatusAsyncWaiting, 0),
		nodeExecution("b", "pe-1", "", domain.StatusSucceeded, 1),
		nodeExecution("c", "pe-1", "", domain.StatusTaskWaiting, 2),
		nodeExecution("foreign", "pe-2", "", domain.StatusRunning, 0),
	} {
		require.NoError(t, s.Create(ctx, ne))
	}

	marked, err := s.MarkLeavesDiscontinuing(ctx, "int-1", domain.InterruptTypeAbortAll, "pe-1",
		[]string{"a", "b", "c", "foreign", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, marked)

	for id, want := range map[string]domain.Status{
		"a":       domain.StatusDiscontinuing,
		"b":       domain.StatusSucceeded,
		"c":       domain.StatusDiscontinuing,
		"foreign": domain.StatusRunning,
	} {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
		assert.Equal(t, want == domain.StatusDiscontinuing, got.HasInterrupt("int-1"), id)
	}

	none, err := s.MarkLeavesDiscontinuing(ctx, "int-2", domain.InterruptTypeAbortAll, "pe-1", nil)
	require.NoError(t, err)
	assert.Zero(t, none)
}

func testPlanExecutions(t *testing.T, s Store) {
	ctx := context.Background()
	pe := &domain.PlanExecution{
		ID:     "pe-1",
		PlanID: "release",
		Plan: &domain.PlanGraph{ID: "release", RootNodeID: "root", Nodes: map[string]*domain.PlanNode{
			"root": {ID: "root", Identifier: "root", StepType: "NOOP"},
		}},
		Status: domain.StatusRunning,
		Inputs: map[string]interface{}{"branch": "main"},
	}
	require.NoError(t, s.CreatePlanExecution(ctx, pe))
	assert.Error(t, s.CreatePlanExecution(ctx, pe))

	got, err := s.GetPlanExecution(ctx, "pe-1")
	require.NoError(t, err)
	assert.Equal(t, "release", got.Plan.ID)
	assert.Equal(t, "main", got.Inputs["branch"])
	assert.Nil(t, got.EndedAt)

	running := domain.NewStatusSet(domain.StatusRunning)
	discontinuing, err := s.UpdatePlanExecutionStatus(ctx, "pe-1", running, domain.StatusDiscontinuing)
	require.NoError(t, err)
	assert.Nil(t, discontinuing.EndedAt)

	_, err = s.UpdatePlanExecutionStatus(ctx, "pe-1", running, domain.StatusSucceeded)
	assert.ErrorIs(t, err, domain.ErrIllegalStateTransition)

	aborted, err := s.UpdatePlanExecutionStatus(ctx, "pe-1",
		domain.NewStatusSet(domain.StatusRunning, domain.StatusDiscontinuing), domain.StatusAborted)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAborted, aborted.Status)
	assert.NotNil(t, aborted.EndedAt)

	_, err = s.GetPlanExecution(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrPlanExecutionNotFound)
	_, err = s.UpdatePlanExecutionStatus(ctx, "missing", running, domain.StatusFailed)
	assert.ErrorIs(t, err, domain.ErrPlanExecutionNotFound)
}

func testInterrupts(t *testing.T, s Store) {
	ctx := context.Background()
	for i, id := range []string{"int-2", "int-1"} {
		require.NoError(t, s.CreateInterrupt(ctx, &domain.Interrupt{
			ID:              id,
			Type:            domain.InterruptTypeAbortAll,
			PlanExecutionID: "pe-1",
			State:           domain.InterruptStateRegistered,
			CreatedAt:       base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.CreateInterrupt(ctx, &domain.Interrupt{ID: "int-3", PlanExecutionID: "pe-2"}))

	list, err := s.ListInterrupts(ctx, "pe-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "int-2", list[0].ID)
	assert.Equal(t, "int-1", list[1].ID)

	moved, err := s.TransitionInterrupt(ctx, "int-1", domain.InterruptStateRegistered, domain.InterruptStateProcessing)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.TransitionInterrupt(ctx, "int-1", domain.InterruptStateRegistered, domain.InterruptStateProcessing)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := s.GetInterrupt(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InterruptStateProcessing, got.State)

	err = s.CreateInterrupt(ctx, &domain.Interrupt{ID: "int-1", PlanExecutionID: "pe-1", State: domain.InterruptStateRegistered})
	assert.ErrorIs(t, err, domain.ErrInterruptExists)
	got, err = s.GetInterrupt(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InterruptStateProcessing, got.State, "a second create must not reset the state")

	_, err = s.GetInterrupt(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrInterruptNotFound)
	_, err = s.TransitionInterrupt(ctx, "missing", domain.InterruptStateRegistered, domain.InterruptStateProcessing)
	assert.ErrorIs(t, err, domain.ErrInterruptNotFound)
}

func testConcurrentCreateInterrupt(t *testing.T, s Store) {
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		created atomic.Int32
		exists  atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CreateInterrupt(ctx, &domain.Interrupt{
				ID:              "int-1",
				Type:            domain.InterruptTypeAbortAll,
				PlanExecutionID: "pe-1",
				State:           domain.InterruptStateRegistered,
			})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, domain.ErrInterruptExists):
				exists.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(7), exists.Load())

	list, err := s.ListInterrupts(ctx, "pe-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testBarriers(t *testing.T, s Store) {
	ctx := context.Background()
	for _, identifier := range []string{"ship", "build"} {
		require.NoError(t, s.SaveBarrier(ctx, &domain.BarrierExecutionInstance{
			Identifier:      identifier,
			PlanExecutionID: "pe-1",
			State:           domain.BarrierStateStanding,
			Positions:       []domain.BarrierPosition{{StepSetupID: "gate"}},
		}))
	}
	assert.Error(t, s.SaveBarrier(ctx, &domain.BarrierExecutionInstance{Identifier: "x"}))

	list, err := s.ListBarriers(ctx, "pe-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "build", list[0].Identifier)
	assert.Equal(t, "ship", list[1].Identifier)

	updated, err := s.UpdateBarrier(ctx, "ship", "pe-1", func(b *domain.BarrierExecutionInstance) error {
		b.Arrivals = append(b.Arrivals, domain.BarrierArrival{NodeExecutionID: "ne-1", ArrivedAt: base})
		return nil
	})
	require.NoError(t, err)
	assert.True(t, updated.HasArrived("ne-1"))

	boom := errors.New("boom")
	_, err = s.UpdateBarrier(ctx, "ship", "pe-1", func(b *domain.BarrierExecutionInstance) error {
		b.Arrivals = nil
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.FindBarrier(ctx, "ship", "pe-1")
	require.NoError(t, err)
	assert.Len(t, got.Arrivals, 1)

	flipped, err := s.CompareAndSetState(ctx, "ship", "pe-1", domain.BarrierStateStanding, domain.BarrierStateDown)
	require.NoError(t, err)
	assert.True(t, flipped)
	flipped, err = s.CompareAndSetState(ctx, "ship", "pe-1", domain.BarrierStateStanding, domain.BarrierStateDown)
	require.NoError(t, err)
	assert.False(t, flipped)

	_, err = s.FindBarrier(ctx, "ship", "pe-2")
	assert.ErrorIs(t, err, domain.ErrBarrierNotFound)
	_, err = s.UpdateBarrier(ctx, "missing", "pe-1", func(*domain.BarrierExecutionInstance) error { return nil })
	assert.ErrorIs(t, err, domain.ErrBarrierNotFound)
	_, err = s.CompareAndSetState(ctx, "missing", "pe-1", domain.BarrierStateStanding, domain.BarrierStateDown)
	assert.ErrorIs(t, err, domain.ErrBarrierNotFound)
}

func testConcurrentCompareAndSet(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveBarrier(ctx, &domain.BarrierExecutionInstance{
		Identifier:      "ship",
		PlanExecutionID: "pe-1",
		State:           domain.BarrierStateStanding,
	}))

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		errs    = make(chan error, 8)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			flipped, err := s.CompareAndSetState(ctx, "ship", "pe-1", domain.BarrierStateStanding, domain.BarrierStateDown)
			if err != nil {
				errs <- fmt.Errorf("compare and set: %w", err)
				return
			}
			if flipped {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, int32(1), winners.Load())
}
