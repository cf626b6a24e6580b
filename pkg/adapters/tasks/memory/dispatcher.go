package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
	"github.com/google/uuid"
)

// Dispatcher keeps tasks in memory. Nothing consumes them; callers move
// them along with SetStatus.
type Dispatcher struct {
	mu    sync.RWMutex
	tasks map[string]*domain.Task
	// FailAborts makes every Abort report false
	FailAborts bool
}

var _ ports.TaskDispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a new in-memory dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{tasks: make(map[string]*domain.Task)}
}

// Submit records a queued task
func (d *Dispatcher) Submit(_ context.Context, req domain.TaskRequest) (string, error) {
	now := time.Now()
	task := &domain.Task{
		ID:        uuid.New().String(),
		Request:   req,
		Status:    domain.TaskStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	d.mu.Lock()
	d.tasks[task.ID] = task
	d.mu.Unlock()

	return task.ID, nil
}

// Abort moves a queued or running task to ABORTED
func (d *Dispatcher) Abort(_ context.Context, taskID string, _ map[string]string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.tasks[taskID]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	if d.FailAborts || !task.Status.IsAbortable() {
		return false, nil
	}
	task.Status = domain.TaskStatusAborted
	task.UpdatedAt = time.Now()
	return true, nil
}

// Get returns a copy of the task
func (d *Dispatcher) Get(_ context.Context, taskID string) (*domain.Task, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, ok := d.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	cp := *task
	return &cp, nil
}

// SetStatus records a status reported by a worker
func (d *Dispatcher) SetStatus(_ context.Context, taskID string, status domain.TaskStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	task.Status = status
	task.UpdatedAt = time.Now()
	return nil
}
