package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aescanero/pipeorch/pkg/codec"
	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// maxTxRetries bounds how often an optimistic transaction is replayed after
// a watched key changed underneath it.
const maxTxRetries = 16

// Storage implements the node execution, plan execution, interrupt and
// barrier stores on Redis. Records are CBOR blobs; updates run inside
// WATCH/MULTI transactions so that each record is linearized without an
// external lock.
type Storage struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

var (
	_ ports.NodeExecutionStore = (*Storage)(nil)
	_ ports.PlanExecutionStore = (*Storage)(nil)
	_ ports.InterruptStore     = (*Storage)(nil)
	_ ports.BarrierStore       = (*Storage)(nil)
)

// NewStorage creates a new Redis storage. A zero ttl keeps records forever.
func NewStorage(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Storage {
	return &Storage{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Create stores a new node execution and indexes it under its plan execution
func (s *Storage) Create(ctx context.Context, ne *domain.NodeExecution) error {
	if ne == nil || ne.ID == "" {
		return fmt.Errorf("node execution ID is required")
	}

	stored := ne.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = stored.CreatedAt

	data, err := codec.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal node execution: %w", err)
	}

	created, err := s.client.SetNX(ctx, nodeKey(ne.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save node execution: %w", err)
	}
	if !created {
		return fmt.Errorf("node execution already exists: %s", ne.ID)
	}

	if err := s.index(ctx, planNodesKey(ne.PlanExecutionID), ne.ID); err != nil {
		return err
	}

	s.logger.Debug("node execution created",
		zap.String("plan_execution_id", ne.PlanExecutionID),
		zap.String("node_execution_id", ne.ID),
		zap.String("status", string(ne.Status)))

	return nil
}

// Get retrieves a node execution by ID
func (s *Storage) Get(ctx context.Context, id string) (*domain.NodeExecution, error) {
	data, err := s.client.Get(ctx, nodeKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrNodeExecutionNotFound, id)
		}
		return nil, fmt.Errorf("failed to get node execution: %w", err)
	}
	return decodeNode(data)
}

// ListByPlanExecution returns every node execution of a plan execution
func (s *Storage) ListByPlanExecution(ctx context.Context, planExecutionID string) ([]*domain.NodeExecution, error) {
	return s.listNodes(ctx, planExecutionID, func(*domain.NodeExecution) bool { return true })
}

// ListByStatuses returns the node executions of a plan execution whose status is in statuses
func (s *Storage) ListByStatuses(ctx context.Context, planExecutionID string, statuses domain.StatusSet) ([]*domain.NodeExecution, error) {
	return s.listNodes(ctx, planExecutionID, func(ne *domain.NodeExecution) bool {
		return statuses.Contains(ne.Status)
	})
}

// ListChildren returns the direct children of a node execution
func (s *Storage) ListChildren(ctx context.Context, planExecutionID, parentID string) ([]*domain.NodeExecution, error) {
	return s.listNodes(ctx, planExecutionID, func(ne *domain.NodeExecution) bool {
		return ne.ParentID == parentID
	})
}

// ListChildrenByStatuses returns children of any of parentIDs whose status is in statuses
func (s *Storage) ListChildrenByStatuses(ctx context.Context, planExecutionID string, parentIDs []string, statuses domain.StatusSet) ([]*domain.NodeExecution, error) {
	parents := make(map[string]struct{}, len(parentIDs))
	for _, id := range parentIDs {
		parents[id] = struct{}{}
	}
	return s.listNodes(ctx, planExecutionID, func(ne *domain.NodeExecution) bool {
		if ne.ParentID == "" {
			return false
		}
		_, ok := parents[ne.ParentID]
		return ok && statuses.Contains(ne.Status)
	})
}

// ConditionalUpdate moves a node execution to target and applies mutate
// when the current status is in expected
func (s *Storage) ConditionalUpdate(ctx context.Context, id string, expected domain.StatusSet, target domain.Status, mutate ports.NodeMutation) (*domain.NodeExecution, error) {
	key := nodeKey(id)
	var result *domain.NodeExecution

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("%w: %s", domain.ErrNodeExecutionNotFound, id)
			}
			return fmt.Errorf("failed to get node execution: %w", err)
		}
		current, err := decodeNode(data)
		if err != nil {
			return err
		}

		if !expected.Contains(current.Status) {
			return &domain.IllegalStateTransitionError{
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
				return err
			}
		}

		updated.Version = current.Version + 1
		updated.UpdatedAt = time.Now()
		encoded, err := codec.Marshal(updated)
		if err != nil {
			return fmt.Errorf("failed to marshal node execution: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		result = updated
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkLeavesDiscontinuing marks the listed node executions DISCONTINUING in one transaction
func (s *Storage) MarkLeavesDiscontinuing(ctx context.Context, interruptID string, interruptType domain.InterruptType, planExecutionID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = nodeKey(id)
	}

	allowed := domain.AllowedPredecessors(domain.StatusDiscontinuing)
	var changed int

	txf := func(tx *redis.Tx) error {
		values, err := tx.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("failed to get node executions: %w", err)
		}

		now := time.Now()
		updates := make(map[string][]byte)
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			ne, err := decodeNode([]byte(raw))
			if err != nil {
				return err
			}
			if ne.PlanExecutionID != planExecutionID || !allowed.Contains(ne.Status) {
				continue
			}
			ne.Status = domain.StatusDiscontinuing
			ne.InterruptHistories = append(ne.InterruptHistories, domain.InterruptEffect{
				InterruptID:   interruptID,
				InterruptType: interruptType,
				AppliedAt:     now,
			})
			ne.Version++
			ne.UpdatedAt = now
			encoded, err := codec.Marshal(ne)
			if err != nil {
				return fmt.Errorf("failed to marshal node execution: %w", err)
			}
			updates[keys[i]] = encoded
		}

		if len(updates) == 0 {
			changed = 0
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for key, encoded := range updates {
				pipe.Set(ctx, key, encoded, s.ttl)
			}
			return nil
		})
		if err != nil {
			return err
		}
		changed = len(updates)
		return nil
	}

	if err := s.watch(ctx, txf, keys...); err != nil {
		return 0, err
	}

	s.logger.Debug("node executions marked discontinuing",
		zap.String("plan_execution_id", planExecutionID),
		zap.String("interrupt_id", interruptID),
		zap.Int("count", changed))

	return changed, nil
}

func (s *Storage) listNodes(ctx context.Context, planExecutionID string, keep func(*domain.NodeExecution) bool) ([]*domain.NodeExecution, error) {
	ids, err := s.client.SMembers(ctx, planNodesKey(planExecutionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list node executions: %w", err)
	}
	out := make([]*domain.NodeExecution, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = nodeKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get node executions: %w", err)
	}

	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// expired or missing
			continue
		}
		ne, err := decodeNode([]byte(raw))
		if err != nil {
			return nil, err
		}
		if keep(ne) {
			out = append(out, ne)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CreatePlanExecution stores a new plan execution
func (s *Storage) CreatePlanExecution(ctx context.Context, pe *domain.PlanExecution) error {
	if pe == nil || pe.ID == "" {
		return fmt.Errorf("plan execution ID is required")
	}

	stored := *pe
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = stored.CreatedAt

	data, err := codec.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal plan execution: %w", err)
	}
	created, err := s.client.SetNX(ctx, planKey(pe.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save plan execution: %w", err)
	}
	if !created {
		return fmt.Errorf("plan execution already exists: %s", pe.ID)
	}

	s.logger.Debug("plan execution created",
		zap.String("plan_execution_id", pe.ID),
		zap.String("status", string(pe.Status)))

	return nil
}

// GetPlanExecution retrieves a plan execution by ID
func (s *Storage) GetPlanExecution(ctx context.Context, id string) (*domain.PlanExecution, error) {
	data, err := s.client.Get(ctx, planKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrPlanExecutionNotFound, id)
		}
		return nil, fmt.Errorf("failed to get plan execution: %w", err)
	}
	var pe domain.PlanExecution
	if err := codec.Unmarshal(data, &pe); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan execution: %w", err)
	}
	return &pe, nil
}

// UpdatePlanExecutionStatus sets the plan execution status when the current one is in expected
func (s *Storage) UpdatePlanExecutionStatus(ctx context.Context, id string, expected domain.StatusSet, status domain.Status) (*domain.PlanExecution, error) {
	key := planKey(id)
	var result *domain.PlanExecution

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("%w: %s", domain.ErrPlanExecutionNotFound, id)
			}
			return fmt.Errorf("failed to get plan execution: %w", err)
		}
		var pe domain.PlanExecution
		if err := codec.Unmarshal(data, &pe); err != nil {
			return fmt.Errorf("failed to unmarshal plan execution: %w", err)
		}
		if !expected.Contains(pe.Status) {
			return &domain.IllegalStateTransitionError{Current: pe.Status, Requested: status}
		}

		now := time.Now()
		pe.Status = status
		pe.UpdatedAt = now
		pe.Version++
		if status.IsFinal() {
			pe.EndedAt = &now
		}
		encoded, err := codec.Marshal(&pe)
		if err != nil {
			return fmt.Errorf("failed to marshal plan execution: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		result = &pe
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return result, nil
}

// CreateInterrupt stores a new interrupt with SET NX
func (s *Storage) CreateInterrupt(ctx context.Context, interrupt *domain.Interrupt) error {
	if interrupt == nil || interrupt.ID == "" {
		return fmt.Errorf("interrupt ID is required")
	}
	data, err := codec.Marshal(interrupt)
	if err != nil {
		return fmt.Errorf("failed to marshal interrupt: %w", err)
	}
	created, err := s.client.SetNX(ctx, interruptKey(interrupt.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save interrupt: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", domain.ErrInterruptExists, interrupt.ID)
	}
	return s.index(ctx, planInterruptsKey(interrupt.PlanExecutionID), interrupt.ID)
}

// GetInterrupt retrieves an interrupt by ID
func (s *Storage) GetInterrupt(ctx context.Context, id string) (*domain.Interrupt, error) {
	data, err := s.client.Get(ctx, interruptKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrInterruptNotFound, id)
		}
		return nil, fmt.Errorf("failed to get interrupt: %w", err)
	}
	var interrupt domain.Interrupt
	if err := codec.Unmarshal(data, &interrupt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal interrupt: %w", err)
	}
	return &interrupt, nil
}

// ListInterrupts returns the interrupts registered for a plan execution, oldest first
func (s *Storage) ListInterrupts(ctx context.Context, planExecutionID string) ([]*domain.Interrupt, error) {
	ids, err := s.client.SMembers(ctx, planInterruptsKey(planExecutionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list interrupts: %w", err)
	}
	out := make([]*domain.Interrupt, 0, len(ids))
	for _, id := range ids {
		interrupt, err := s.GetInterrupt(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrInterruptNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, interrupt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// TransitionInterrupt moves an interrupt between states
func (s *Storage) TransitionInterrupt(ctx context.Context, id string, from, to domain.InterruptState) (bool, error) {
	key := interruptKey(id)
	var moved bool

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("%w: %s", domain.ErrInterruptNotFound, id)
			}
			return fmt.Errorf("failed to get interrupt: %w", err)
		}
		var interrupt domain.Interrupt
		if err := codec.Unmarshal(data, &interrupt); err != nil {
			return fmt.Errorf("failed to unmarshal interrupt: %w", err)
		}
		if interrupt.State != from {
			moved = false
			return nil
		}
		interrupt.State = to
		interrupt.UpdatedAt = time.Now()
		encoded, err := codec.Marshal(&interrupt)
		if err != nil {
			return fmt.Errorf("failed to marshal interrupt: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		moved = true
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return false, err
	}
	return moved, nil
}

// SaveBarrier stores a barrier instance, replacing any previous one
func (s *Storage) SaveBarrier(ctx context.Context, b *domain.BarrierExecutionInstance) error {
	if b == nil || b.Identifier == "" || b.PlanExecutionID == "" {
		return fmt.Errorf("barrier identifier and plan execution ID are required")
	}
	stored := b.Clone()
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	data, err := codec.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal barrier: %w", err)
	}
	if err := s.client.Set(ctx, barrierKey(b.PlanExecutionID, b.Identifier), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save barrier: %w", err)
	}
	return s.index(ctx, planBarriersKey(b.PlanExecutionID), b.Identifier)
}

// FindBarrier retrieves a barrier instance
func (s *Storage) FindBarrier(ctx context.Context, identifier, planExecutionID string) (*domain.BarrierExecutionInstance, error) {
	data, err := s.client.Get(ctx, barrierKey(planExecutionID, identifier)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrBarrierNotFound, identifier)
		}
		return nil, fmt.Errorf("failed to get barrier: %w", err)
	}
	return decodeBarrier(data)
}

// ListBarriers returns every barrier instance of a plan execution
func (s *Storage) ListBarriers(ctx context.Context, planExecutionID string) ([]*domain.BarrierExecutionInstance, error) {
	identifiers, err := s.client.SMembers(ctx, planBarriersKey(planExecutionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list barriers: %w", err)
	}
	sort.Strings(identifiers)
	out := make([]*domain.BarrierExecutionInstance, 0, len(identifiers))
	for _, identifier := range identifiers {
		b, err := s.FindBarrier(ctx, identifier, planExecutionID)
		if err != nil {
			if errors.Is(err, domain.ErrBarrierNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// UpdateBarrier applies mutate to a barrier instance inside a transaction
func (s *Storage) UpdateBarrier(ctx context.Context, identifier, planExecutionID string, mutate ports.BarrierMutation) (*domain.BarrierExecutionInstance, error) {
	key := barrierKey(planExecutionID, identifier)
	var result *domain.BarrierExecutionInstance

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("%w: %s", domain.ErrBarrierNotFound, identifier)
			}
			return fmt.Errorf("failed to get barrier: %w", err)
		}
		b, err := decodeBarrier(data)
		if err != nil {
			return err
		}
		if err := mutate(b); err != nil {
			return err
		}
		b.Version++
		b.UpdatedAt = time.Now()
		encoded, err := codec.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to marshal barrier: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		result = b
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return result, nil
}

// CompareAndSetState flips the barrier state from -> to
func (s *Storage) CompareAndSetState(ctx context.Context, identifier, planExecutionID string, from, to domain.BarrierState) (bool, error) {
	flipped := false
	_, err := s.UpdateBarrier(ctx, identifier, planExecutionID, func(b *domain.BarrierExecutionInstance) error {
		if b.State != from {
			flipped = false
			return errStateUnchanged
		}
		b.State = to
		flipped = true
		return nil
	})
	if err != nil {
		if errors.Is(err, errStateUnchanged) {
			return false, nil
		}
		return false, err
	}
	return flipped, nil
}

var errStateUnchanged = errors.New("barrier state unchanged")

// watch runs txf inside WATCH on keys, replaying it when a watched key
// changed before EXEC. The replay re-reads the record, so the legality
// check is evaluated again instead of overwriting blindly.
func (s *Storage) watch(ctx context.Context, txf func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction retries exhausted for %v", keys)
}

func (s *Storage) index(ctx context.Context, setKey, member string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, setKey, member)
	if s.ttl > 0 {
		pipe.Expire(ctx, setKey, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index %s: %w", member, err)
	}
	return nil
}

func decodeNode(data []byte) (*domain.NodeExecution, error) {
	var ne domain.NodeExecution
	if err := codec.Unmarshal(data, &ne); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node execution: %w", err)
	}
	return &ne, nil
}

func decodeBarrier(data []byte) (*domain.BarrierExecutionInstance, error) {
	var b domain.BarrierExecutionInstance
	if err := codec.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal barrier: %w", err)
	}
	return &b, nil
}

func nodeKey(id string) string {
	return fmt.Sprintf("pipeorch:node:%s", id)
}

func planKey(id string) string {
	return fmt.Sprintf("pipeorch:plan:%s", id)
}

func planNodesKey(planExecutionID string) string {
	return fmt.Sprintf("pipeorch:plan:%s:nodes", planExecutionID)
}

func planInterruptsKey(planExecutionID string) string {
	return fmt.Sprintf("pipeorch:plan:%s:interrupts", planExecutionID)
}

func planBarriersKey(planExecutionID string) string {
	return fmt.Sprintf("pipeorch:plan:%s:barriers", planExecutionID)
}

func interruptKey(id string) string {
	return fmt.Sprintf("pipeorch:interrupt:%s", id)
}

func barrierKey(planExecutionID, identifier string) string {
	return fmt.Sprintf("pipeorch:barrier:%s:%s", planExecutionID, identifier)
}
