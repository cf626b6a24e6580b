package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aescanero/pipeorch/internal/application/engine"
	eventsmemory "github.com/aescanero/pipeorch/pkg/adapters/events/memory"
	storagememory "github.com/aescanero/pipeorch/pkg/adapters/storage/memory"
	tasksmemory "github.com/aescanero/pipeorch/pkg/adapters/tasks/memory"
	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type executorFunc func(ctx context.Context, job engine.Job) error

func (f executorFunc) Execute(ctx context.Context, job engine.Job) error { return f(ctx, job) }

func newTestPool(t *testing.T, size, queue int) *Pool {
	t.Helper()
	p := NewPool(size, queue, nil, zap.NewNop(), time.Hour)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestPool_ExecutesScheduledJobs(t *testing.T) {
	p := newTestPool(t, 3, 10)

	var mu sync.Mutex
	seen := map[string]bool{}
	require.NoError(t, p.Start(executorFunc(func(_ context.Context, job engine.Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen[job.NodeExecutionID] = true
		return nil
	})))

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, p.Schedule(context.Background(), engine.Job{Kind: engine.JobKindStart, NodeExecutionID: id}))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, time.Second, 5*time.Millisecond)
}

func TestPool_FullQueueDoesNotBlock(t *testing.T) {
	p := newTestPool(t, 1, 1)

	release := make(chan struct{})
	var done atomic.Int32
	require.NoError(t, p.Start(executorFunc(func(_ context.Context, _ engine.Job) error {
		<-release
		done.Add(1)
		return nil
	})))

	scheduled := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = p.Schedule(context.Background(), engine.Job{Kind: engine.JobKindStart})
		}
		close(scheduled)
	}()

	select {
	case <-scheduled:
	case <-time.After(time.Second):
		t.Fatal("Schedule blocked on a full queue")
	}

	assert.Eventually(t, func() bool {
		status := p.Health().GetStatus()
		return status.Saturated && status.DeferredJobs > 0
	}, time.Second, 5*time.Millisecond)

	close(release)
	assert.Eventually(t, func() bool { return done.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return p.Health().GetStatus().DeferredJobs == 0 }, time.Second, 5*time.Millisecond)
}

func TestPool_HealthCountsJobs(t *testing.T) {
	p := newTestPool(t, 2, 8)

	require.NoError(t, p.Start(executorFunc(func(_ context.Context, job engine.Job) error {
		if job.NodeExecutionID == "bad" {
			return assert.AnError
		}
		return nil
	})))

	jobs := []engine.Job{
		{Kind: engine.JobKindStart, NodeExecutionID: "a"},
		{Kind: engine.JobKindStart, NodeExecutionID: "b"},
		{Kind: engine.JobKindResume, NodeExecutionID: "a"},
		{Kind: engine.JobKindResume, NodeExecutionID: "bad"},
	}
	for _, job := range jobs {
		require.NoError(t, p.Schedule(context.Background(), job))
	}

	assert.Eventually(t, func() bool {
		status := p.Health().GetStatus()
		return status.Completed[engine.JobKindStart] == 2 &&
			status.Completed[engine.JobKindResume] == 1 &&
			status.Failed == 1
	}, time.Second, 5*time.Millisecond)

	status := p.Health().GetStatus()
	assert.Equal(t, 2, status.Workers)
	assert.True(t, status.Healthy)
	assert.False(t, status.Saturated)
}

func TestPool_SurvivesPanickingJob(t *testing.T) {
	p := newTestPool(t, 1, 4)

	var ran atomic.Int32
	require.NoError(t, p.Start(executorFunc(func(_ context.Context, job engine.Job) error {
		ran.Add(1)
		if job.NodeExecutionID == "boom" {
			panic("boom")
		}
		return nil
	})))

	require.NoError(t, p.Schedule(context.Background(), engine.Job{NodeExecutionID: "boom"}))
	require.NoError(t, p.Schedule(context.Background(), engine.Job{NodeExecutionID: "ok"}))

	assert.Eventually(t, func() bool { return ran.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, p.Health().IsHealthy())
}

func TestPool_ShutdownDrainsQueue(t *testing.T) {
	p := NewPool(2, 16, nil, zap.NewNop(), time.Hour)

	var ran atomic.Int32
	require.NoError(t, p.Start(executorFunc(func(_ context.Context, _ engine.Job) error {
		time.Sleep(2 * time.Millisecond)
		ran.Add(1)
		return nil
	})))

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Schedule(context.Background(), engine.Job{Kind: engine.JobKindStart}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	assert.Equal(t, int32(10), ran.Load())
	assert.ErrorIs(t, p.Schedule(context.Background(), engine.Job{}), ErrPoolClosed)

	status := p.Health().GetStatus()
	assert.Equal(t, 2, status.StoppedWorkers)
	assert.False(t, status.Healthy)
}

func TestPool_DequeuedJobKeepsPoolBusy(t *testing.T) {
	p := newTestPool(t, 1, 4)
	assert.True(t, p.idle())

	require.NoError(t, p.Schedule(context.Background(), engine.Job{Kind: engine.JobKindStart, NodeExecutionID: "a"}))
	assert.False(t, p.idle())

	// a worker that has received the job but not yet marked itself busy
	job := <-p.jobs
	assert.Equal(t, "a", job.NodeExecutionID)
	assert.Zero(t, p.QueueDepth())
	for _, status := range p.GetStatus() {
		assert.NotEqual(t, WorkerStatusBusy, status)
	}
	assert.False(t, p.idle(), "a dequeued job must keep the pool from draining")

	w := &worker{id: "worker-test", pool: p, status: WorkerStatusIdle}
	p.executor = executorFunc(func(context.Context, engine.Job) error { return nil })
	w.execute(job)
	assert.True(t, p.idle())
}

func TestPool_ShutdownWaitsForFollowUpJobs(t *testing.T) {
	p := NewPool(1, 0, nil, zap.NewNop(), time.Hour)

	var ran atomic.Int32
	require.NoError(t, p.Start(executorFunc(func(ctx context.Context, job engine.Job) error {
		ran.Add(1)
		if job.Kind == engine.JobKindStart {
			return p.Schedule(ctx, engine.Job{Kind: engine.JobKindResume, NodeExecutionID: job.NodeExecutionID})
		}
		return nil
	})))

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, p.Schedule(context.Background(), engine.Job{Kind: engine.JobKindStart, NodeExecutionID: id}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, int32(6), ran.Load())
}

func TestPool_StartTwice(t *testing.T) {
	p := newTestPool(t, 1, 1)
	exec := executorFunc(func(context.Context, engine.Job) error { return nil })

	require.NoError(t, p.Start(exec))
	assert.Error(t, p.Start(exec))
}

func TestPool_RunsEnginePlans(t *testing.T) {
	logger := zap.NewNop()
	store := storagememory.NewStorage()
	bus := eventsmemory.NewInMemoryEventBus(logger)
	t.Cleanup(func() { _ = bus.Close() })

	p := newTestPool(t, 4, 8)
	registry := engine.NewStepRegistry(engine.BuiltinSteps(logger)...)
	eng := engine.New(store, store, tasksmemory.NewDispatcher(), bus, registry, p, nil, logger)
	require.NoError(t, p.Start(eng))

	children := []string{"a", "b", "c", "d", "e", "f"}
	g := &domain.PlanGraph{
		ID:         "plan",
		RootNodeID: "root",
		Nodes: map[string]*domain.PlanNode{
			"root": {
				ID: "root", Identifier: "root", StepType: engine.StepTypeSection,
				FacilitatorObtainments: []domain.FacilitatorObtainment{{Mode: domain.ExecutionModeChildren}},
				Children:               children,
			},
		},
	}
	for _, id := range children {
		g.Nodes[id] = &domain.PlanNode{ID: id, Identifier: id, StepType: engine.StepTypeNoop}
	}

	pe := &domain.PlanExecution{ID: "pe-1", PlanID: g.ID, Plan: g, Status: domain.StatusRunning, CreatedAt: time.Now()}
	require.NoError(t, store.CreatePlanExecution(context.Background(), pe))
	_, err := eng.TriggerNode(context.Background(), pe.ID, g.RootNodeID, nil, "")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := store.GetPlanExecution(context.Background(), pe.ID)
		return err == nil && got.Status == domain.StatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)
}
