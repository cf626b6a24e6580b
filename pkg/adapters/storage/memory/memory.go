package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
)

// Storage implements the node execution, plan execution, interrupt and
// barrier stores in memory. Every read returns a copy, so callers never
// alias stored records.
type Storage struct {
	mu sync.RWMutex

	nodes      map[string]*domain.NodeExecution
	plans      map[string]*domain.PlanExecution
	interrupts map[string]*domain.Interrupt
	barriers   map[string]*domain.BarrierExecutionInstance

	now func() time.Time
}

var (
	_ ports.NodeExecutionStore = (*Storage)(nil)
	_ ports.PlanExecutionStore = (*Storage)(nil)
	_ ports.InterruptStore     = (*Storage)(nil)
	_ ports.BarrierStore       = (*Storage)(nil)
)

// NewStorage creates an empty in-memory storage
func NewStorage() *Storage {
	return &Storage{
		nodes:      make(map[string]*domain.NodeExecution),
		plans:      make(map[string]*domain.PlanExecution),
		interrupts: make(map[string]*domain.Interrupt),
		barriers:   make(map[string]*domain.BarrierExecutionInstance),
		now:        time.Now,
	}
}

// Create stores a new node execution
func (s *Storage) Create(ctx context.Context, ne *domain.NodeExecution) error {
	if ne == nil || ne.ID == "" {
		return fmt.Errorf("node execution ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[ne.ID]; exists {
		return fmt.Errorf("node execution already exists: %s", ne.ID)
	}
	stored := ne.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.UpdatedAt = stored.CreatedAt
	s.nodes[ne.ID] = stored
	return nil
}

// Get retrieves a node execution by ID
func (s *Storage) Get(ctx context.Context, id string) (*domain.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ne, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNodeExecutionNotFound, id)
	}
	return ne.Clone(), nil
}

// ListByPlanExecution returns every node execution of a plan execution
func (s *Storage) ListByPlanExecution(ctx context.Context, planExecutionID string) ([]*domain.NodeExecution, error) {
	return s.filterNodes(func(ne *domain.NodeExecution) bool {
		return ne.PlanExecutionID == planExecutionID
	}), nil
}

// ListByStatuses returns the node executions of a plan execution whose status is in statuses
func (s *Storage) ListByStatuses(ctx context.Context, planExecutionID string, statuses domain.StatusSet) ([]*domain.NodeExecution, error) {
	return s.filterNodes(func(ne *domain.NodeExecution) bool {
		return ne.PlanExecutionID == planExecutionID && statuses.Contains(ne.Status)
	}), nil
}

// ListChildren returns the direct children of a node execution
func (s *Storage) ListChildren(ctx context.Context, planExecutionID, parentID string) ([]*domain.NodeExecution, error) {
	return s.filterNodes(func(ne *domain.NodeExecution) bool {
		return ne.PlanExecutionID == planExecutionID && ne.ParentID == parentID
	}), nil
}

// ListChildrenByStatuses returns children of any of parentIDs whose status is in statuses
func (s *Storage) ListChildrenByStatuses(ctx context.Context, planExecutionID string, parentIDs []string, statuses domain.StatusSet) ([]*domain.NodeExecution, error) {
	parents := make(map[string]struct{}, len(parentIDs))
	for _, id := range parentIDs {
		parents[id] = struct{}{}
	}
	return s.filterNodes(func(ne *domain.NodeExecution) bool {
		if ne.PlanExecutionID != planExecutionID || ne.ParentID == "" {
			return false
		}
		_, ok := parents[ne.ParentID]
		return ok && statuses.Contains(ne.Status)
	}), nil
}

// ConditionalUpdate moves a node execution to target and applies mutate
// when the current status is in expected
func (s *Storage) ConditionalUpdate(ctx context.Context, id string, expected domain.StatusSet, target domain.Status, mutate ports.NodeMutation) (*domain.NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNodeExecutionNotFound, id)
	}
	if !expected.Contains(current.Status) {
		return nil, &domain.IllegalStateTransitionError{
			NodeExecutionID: id,
			Current:         current.Status,
			Requested:       target,
		}
	}

	updated := current.Clone()
	if target != "" {
		updated.Status = target
	}
	if mutate != nil {
		if err := mutate(updated); err != nil {
			return nil, err
		}
	}

	updated.Version = current.Version + 1
	updated.UpdatedAt = s.now()
	s.nodes[id] = updated
	return updated.Clone(), nil
}

// MarkLeavesDiscontinuing marks the listed node executions DISCONTINUING in one step
func (s *Storage) MarkLeavesDiscontinuing(ctx context.Context, interruptID string, interruptType domain.InterruptType, planExecutionID string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	allowed := domain.AllowedPredecessors(domain.StatusDiscontinuing)
	changed := 0
	for _, id := range ids {
		ne, ok := s.nodes[id]
		if !ok || ne.PlanExecutionID != planExecutionID || !allowed.Contains(ne.Status) {
			continue
		}
		updated := ne.Clone()
		updated.Status = domain.StatusDiscontinuing
		updated.InterruptHistories = append(updated.InterruptHistories, domain.InterruptEffect{
			InterruptID:   interruptID,
			InterruptType: interruptType,
			AppliedAt:     now,
		})
		updated.Version = ne.Version + 1
		updated.UpdatedAt = now
		s.nodes[id] = updated
		changed++
	}
	return changed, nil
}

func (s *Storage) filterNodes(keep func(*domain.NodeExecution) bool) []*domain.NodeExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.NodeExecution, 0)
	for _, ne := range s.nodes {
		if keep(ne) {
			out = append(out, ne.Clone())
		}
	}
	sortNodes(out)
	return out
}

func sortNodes(nodes []*domain.NodeExecution) {
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
}

// CreatePlanExecution stores a new plan execution
func (s *Storage) CreatePlanExecution(ctx context.Context, pe *domain.PlanExecution) error {
	if pe == nil || pe.ID == "" {
		return fmt.Errorf("plan execution ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[pe.ID]; exists {
		return fmt.Errorf("plan execution already exists: %s", pe.ID)
	}
	stored := *pe
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.UpdatedAt = stored.CreatedAt
	s.plans[pe.ID] = &stored
	return nil
}

// GetPlanExecution retrieves a plan execution by ID
func (s *Storage) GetPlanExecution(ctx context.Context, id string) (*domain.PlanExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pe, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPlanExecutionNotFound, id)
	}
	c := *pe
	return &c, nil
}

// UpdatePlanExecutionStatus sets the plan execution status when the current one is in expected
func (s *Storage) UpdatePlanExecutionStatus(ctx context.Context, id string, expected domain.StatusSet, status domain.Status) (*domain.PlanExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pe, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPlanExecutionNotFound, id)
	}
	if !expected.Contains(pe.Status) {
		return nil, &domain.IllegalStateTransitionError{Current: pe.Status, Requested: status}
	}

	updated := *pe
	now := s.now()
	updated.Status = status
	updated.UpdatedAt = now
	updated.Version++
	if status.IsFinal() {
		updated.EndedAt = &now
	}
	s.plans[id] = &updated
	c := updated
	return &c, nil
}

// CreateInterrupt stores a new interrupt
func (s *Storage) CreateInterrupt(ctx context.Context, interrupt *domain.Interrupt) error {
	if interrupt == nil || interrupt.ID == "" {
		return fmt.Errorf("interrupt ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.interrupts[interrupt.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrInterruptExists, interrupt.ID)
	}
	c := *interrupt
	s.interrupts[interrupt.ID] = &c
	return nil
}

// GetInterrupt retrieves an interrupt by ID
func (s *Storage) GetInterrupt(ctx context.Context, id string) (*domain.Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	interrupt, ok := s.interrupts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrInterruptNotFound, id)
	}
	c := *interrupt
	return &c, nil
}

// ListInterrupts returns the interrupts registered for a plan execution, oldest first
func (s *Storage) ListInterrupts(ctx context.Context, planExecutionID string) ([]*domain.Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Interrupt, 0)
	for _, interrupt := range s.interrupts {
		if interrupt.PlanExecutionID == planExecutionID {
			c := *interrupt
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// TransitionInterrupt moves an interrupt between states
func (s *Storage) TransitionInterrupt(ctx context.Context, id string, from, to domain.InterruptState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	interrupt, ok := s.interrupts[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrInterruptNotFound, id)
	}
	if interrupt.State != from {
		return false, nil
	}
	interrupt.State = to
	interrupt.UpdatedAt = s.now()
	return true, nil
}

// SaveBarrier stores a barrier instance, replacing any previous one
func (s *Storage) SaveBarrier(ctx context.Context, b *domain.BarrierExecutionInstance) error {
	if b == nil || b.Identifier == "" || b.PlanExecutionID == "" {
		return fmt.Errorf("barrier identifier and plan execution ID are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := b.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.UpdatedAt = s.now()
	s.barriers[barrierKey(b.Identifier, b.PlanExecutionID)] = stored
	return nil
}

// FindBarrier retrieves a barrier instance
func (s *Storage) FindBarrier(ctx context.Context, identifier, planExecutionID string) (*domain.BarrierExecutionInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.barriers[barrierKey(identifier, planExecutionID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrBarrierNotFound, identifier)
	}
	return b.Clone(), nil
}

// ListBarriers returns every barrier instance of a plan execution
func (s *Storage) ListBarriers(ctx context.Context, planExecutionID string) ([]*domain.BarrierExecutionInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.BarrierExecutionInstance, 0)
	for _, b := range s.barriers {
		if b.PlanExecutionID == planExecutionID {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

// UpdateBarrier applies mutate to a barrier instance atomically
func (s *Storage) UpdateBarrier(ctx context.Context, identifier, planExecutionID string, mutate ports.BarrierMutation) (*domain.BarrierExecutionInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := barrierKey(identifier, planExecutionID)
	b, ok := s.barriers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrBarrierNotFound, identifier)
	}
	updated := b.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	updated.Version = b.Version + 1
	updated.UpdatedAt = s.now()
	s.barriers[key] = updated
	return updated.Clone(), nil
}

// CompareAndSetState flips the barrier state from -> to
func (s *Storage) CompareAndSetState(ctx context.Context, identifier, planExecutionID string, from, to domain.BarrierState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.barriers[barrierKey(identifier, planExecutionID)]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrBarrierNotFound, identifier)
	}
	if b.State != from {
		return false, nil
	}
	b.State = to
	b.Version++
	b.UpdatedAt = s.now()
	return true, nil
}

func barrierKey(identifier, planExecutionID string) string {
	return planExecutionID + "/" + identifier
}
