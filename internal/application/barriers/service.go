package barriers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Resumer resumes a suspended node execution
type Resumer interface {
	Resume(ctx context.Context, planExecutionID, nodeExecutionID string, data map[string]interface{}) error
}

// Service tracks barrier positions and arrivals
type Service struct {
	store   ports.BarrierStore
	plans   ports.PlanExecutionStore
	resumer Resumer
	events  ports.EventBus
	metrics ports.MetricsCollector
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates a new barrier service
func NewService(
	store ports.BarrierStore,
	plans ports.PlanExecutionStore,
	resumer Resumer,
	events ports.EventBus,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *Service {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Service{
		store:   store,
		plans:   plans,
		resumer: resumer,
		events:  events,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// CreateDeclared stores a STANDING instance for every barrier the plan declares
func (s *Service) CreateDeclared(ctx context.Context, pe *domain.PlanExecution) error {
	for _, decl := range pe.Plan.Barriers {
		b := &domain.BarrierExecutionInstance{
			Identifier:      decl.Identifier,
			Name:            decl.Name,
			PlanExecutionID: pe.ID,
			State:           domain.BarrierStateStanding,
			ExpectedCount:   decl.ExpectedCount,
			Positions:       Positions(pe.Plan, decl.Identifier),
			CreatedAt:       s.now(),
		}
		if err := s.store.SaveBarrier(ctx, b); err != nil {
			return fmt.Errorf("failed to save barrier %s: %w", decl.Identifier, err)
		}
	}
	return nil
}

// Get returns a barrier instance without creating it
func (s *Service) Get(ctx context.Context, identifier, planExecutionID string) (*domain.BarrierExecutionInstance, error) {
	return s.store.FindBarrier(ctx, identifier, planExecutionID)
}

// List returns the barrier instances of a plan execution
func (s *Service) List(ctx context.Context, planExecutionID string) ([]*domain.BarrierExecutionInstance, error) {
	return s.store.ListBarriers(ctx, planExecutionID)
}

// FindByIdentifierAndPlanExecutionID returns the barrier instance, creating
// an open-ended one from the plan graph when it was not declared.
func (s *Service) FindByIdentifierAndPlanExecutionID(ctx context.Context, identifier, planExecutionID string) (*domain.BarrierExecutionInstance, error) {
	b, err := s.store.FindBarrier(ctx, identifier, planExecutionID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, domain.ErrBarrierNotFound) {
		return nil, err
	}

	pe, err := s.plans.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan execution: %w", err)
	}
	positions := Positions(pe.Plan, identifier)
	if len(positions) == 0 {
		return nil, fmt.Errorf("%w: no barrier step references %s", domain.ErrBarrierNotFound, identifier)
	}

	b = &domain.BarrierExecutionInstance{
		Identifier:      identifier,
		PlanExecutionID: planExecutionID,
		State:           domain.BarrierStateStanding,
		Positions:       positions,
		CreatedAt:       s.now(),
	}
	if err := s.store.SaveBarrier(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to save barrier: %w", err)
	}

	s.logger.Debug("barrier created from plan graph",
		zap.String("plan_execution_id", planExecutionID),
		zap.String("barrier", identifier),
		zap.Int("positions", len(positions)))

	return s.store.FindBarrier(ctx, identifier, planExecutionID)
}

// UpdatePosition binds the runtime instance nodeExecutionID to every barrier
// position declared under setupID. An instance of a setup already bound to
// another runtime instance fans out into a new position.
func (s *Service) UpdatePosition(ctx context.Context, planExecutionID string, positionType domain.BarrierPositionType,
	setupID, nodeExecutionID, stageRuntimeID, stepGroupRuntimeID string) error {
	barriers, err := s.store.ListBarriers(ctx, planExecutionID)
	if err != nil {
		return fmt.Errorf("failed to list barriers: %w", err)
	}

	for _, b := range barriers {
		if b.IsDown() || !hasSetup(b.Positions, positionType, setupID) {
			continue
		}
		_, err := s.store.UpdateBarrier(ctx, b.Identifier, planExecutionID, func(inst *domain.BarrierExecutionInstance) error {
			inst.Positions = bindPosition(inst.Positions, positionType, setupID, nodeExecutionID, stageRuntimeID, stepGroupRuntimeID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to update barrier %s: %w", b.Identifier, err)
		}
	}
	return nil
}

// Arrive records that a barrier step execution reached the wait
func (s *Service) Arrive(ctx context.Context, b *domain.BarrierExecutionInstance, ne *domain.NodeExecution) (*domain.BarrierExecutionInstance, error) {
	arrival := domain.BarrierArrival{
		NodeExecutionID: ne.ID,
		ArrivedAt:       s.now(),
	}
	if lvl := outerLevel(ne, domain.LevelGroupStage); lvl != nil {
		arrival.StageRuntimeID = lvl.RuntimeID
	}
	if lvl := outerLevel(ne, domain.LevelGroupStepGroup); lvl != nil {
		arrival.StepGroupRuntimeID = lvl.RuntimeID
	}

	return s.store.UpdateBarrier(ctx, b.Identifier, b.PlanExecutionID, func(inst *domain.BarrierExecutionInstance) error {
		if inst.HasArrived(ne.ID) {
			return nil
		}
		inst.Arrivals = append(inst.Arrivals, arrival)
		return nil
	})
}

// Update drops the barrier once every expected party arrived. Only the call
// that flips STANDING to DOWN resumes the waiting nodes; it reports true.
func (s *Service) Update(ctx context.Context, b *domain.BarrierExecutionInstance) (bool, error) {
	current, err := s.store.FindBarrier(ctx, b.Identifier, b.PlanExecutionID)
	if err != nil {
		return false, err
	}
	if current.IsDown() {
		return false, nil
	}
	if len(current.Arrivals) < current.Expected() {
		s.logger.Debug("barrier still standing",
			zap.String("plan_execution_id", current.PlanExecutionID),
			zap.String("barrier", current.Identifier),
			zap.Int("arrived", len(current.Arrivals)),
			zap.Int("expected", current.Expected()))
		return false, nil
	}

	flipped, err := s.store.CompareAndSetState(ctx, current.Identifier, current.PlanExecutionID,
		domain.BarrierStateStanding, domain.BarrierStateDown)
	if err != nil {
		return false, fmt.Errorf("failed to drop barrier: %w", err)
	}
	if !flipped {
		return false, nil
	}

	s.metrics.RecordBarrierDown(s.now().Sub(current.CreatedAt))
	s.logger.Info("barrier down",
		zap.String("plan_execution_id", current.PlanExecutionID),
		zap.String("barrier", current.Identifier),
		zap.Int("arrivals", len(current.Arrivals)))

	s.publishDown(ctx, current)

	var errs []error
	for _, arrival := range current.Arrivals {
		if err := s.resume(ctx, current, arrival.NodeExecutionID); err != nil {
			errs = append(errs, err)
		}
	}
	return true, errors.Join(errs...)
}

func (s *Service) resume(ctx context.Context, b *domain.BarrierExecutionInstance, nodeExecutionID string) error {
	err := s.resumer.Resume(ctx, b.PlanExecutionID, nodeExecutionID, map[string]interface{}{"barrier": b.Identifier})
	if err != nil {
		s.logger.Error("failed to resume node execution after barrier",
			zap.String("plan_execution_id", b.PlanExecutionID),
			zap.String("barrier", b.Identifier),
			zap.String("node_execution_id", nodeExecutionID),
			zap.Error(err))
		return fmt.Errorf("failed to resume %s: %w", nodeExecutionID, err)
	}
	return nil
}

func (s *Service) publishDown(ctx context.Context, b *domain.BarrierExecutionInstance) {
	event := domain.Event{
		ID:              uuid.New().String(),
		Type:            domain.EventTypeBarrierDown,
		PlanExecutionID: b.PlanExecutionID,
		Timestamp:       s.now(),
		Data: map[string]interface{}{
			"barrier":  b.Identifier,
			"arrivals": len(b.Arrivals),
		},
	}
	if err := s.events.Publish(ctx, domain.TopicPlan, event); err != nil {
		s.logger.Warn("failed to publish barrier event",
			zap.String("barrier", b.Identifier),
			zap.Error(err))
	}
}

// Positions derives the positions of a barrier from the barrier steps of a
// plan graph that reference it.
func Positions(plan *domain.PlanGraph, identifier string) []domain.BarrierPosition {
	var ids []string
	for id, node := range plan.Nodes {
		if node.StepType == domain.BarrierStepType && node.StringParameter(domain.BarrierRefParameter) == identifier {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	positions := make([]domain.BarrierPosition, 0, len(ids))
	for _, id := range ids {
		pos := domain.BarrierPosition{StepSetupID: id}
		for _, ancestor := range plan.Ancestors(id) {
			switch ancestor.Group {
			case domain.LevelGroupStage:
				if pos.StageSetupID == "" {
					pos.StageSetupID = ancestor.ID
				}
			case domain.LevelGroupStepGroup:
				if pos.StepGroupSetupID == "" {
					pos.StepGroupSetupID = ancestor.ID
				}
			}
		}
		positions = append(positions, pos)
	}
	return positions
}

func setupOf(p domain.BarrierPosition, t domain.BarrierPositionType) string {
	switch t {
	case domain.BarrierPositionStage:
		return p.StageSetupID
	case domain.BarrierPositionStepGroup:
		return p.StepGroupSetupID
	default:
		return p.StepSetupID
	}
}

func runtimeOf(p domain.BarrierPosition, t domain.BarrierPositionType) string {
	switch t {
	case domain.BarrierPositionStage:
		return p.StageRuntimeID
	case domain.BarrierPositionStepGroup:
		return p.StepGroupRuntimeID
	default:
		return p.StepRuntimeID
	}
}

func hasSetup(positions []domain.BarrierPosition, t domain.BarrierPositionType, setupID string) bool {
	for _, p := range positions {
		if setupOf(p, t) == setupID {
			return true
		}
	}
	return false
}

// bind sets the runtime id of t on p together with its outer scopes. A
// fanned out copy also drops the runtime ids nested inside t, since those
// belong to the instance it was copied from.
func bind(p domain.BarrierPosition, t domain.BarrierPositionType, runtimeID, stageRuntimeID, stepGroupRuntimeID string, fanOut bool) domain.BarrierPosition {
	switch t {
	case domain.BarrierPositionStage:
		p.StageRuntimeID = runtimeID
		if fanOut {
			p.StepGroupRuntimeID = ""
			p.StepRuntimeID = ""
		}
	case domain.BarrierPositionStepGroup:
		if stageRuntimeID != "" {
			p.StageRuntimeID = stageRuntimeID
		}
		p.StepGroupRuntimeID = runtimeID
		if fanOut {
			p.StepRuntimeID = ""
		}
	default:
		if stageRuntimeID != "" {
			p.StageRuntimeID = stageRuntimeID
		}
		if stepGroupRuntimeID != "" {
			p.StepGroupRuntimeID = stepGroupRuntimeID
		}
		p.StepRuntimeID = runtimeID
	}
	return p
}

// fits reports whether an unbound position lies in the same outer runtime
// scopes as the instance being registered.
func fits(p domain.BarrierPosition, t domain.BarrierPositionType, stageRuntimeID, stepGroupRuntimeID string) bool {
	if t == domain.BarrierPositionStage {
		return true
	}
	if p.StageRuntimeID != "" && stageRuntimeID != "" && p.StageRuntimeID != stageRuntimeID {
		return false
	}
	if t == domain.BarrierPositionStep && p.StepGroupRuntimeID != "" && stepGroupRuntimeID != "" && p.StepGroupRuntimeID != stepGroupRuntimeID {
		return false
	}
	return true
}

func bindPosition(positions []domain.BarrierPosition, t domain.BarrierPositionType, setupID, runtimeID, stageRuntimeID, stepGroupRuntimeID string) []domain.BarrierPosition {
	var template []domain.BarrierPosition
	templateRuntime := ""
	bound := false

	for i, p := range positions {
		if setupOf(p, t) != setupID {
			continue
		}
		current := runtimeOf(p, t)
		if current == runtimeID {
			return positions
		}
		if current == "" && fits(p, t, stageRuntimeID, stepGroupRuntimeID) {
			positions[i] = bind(p, t, runtimeID, stageRuntimeID, stepGroupRuntimeID, false)
			bound = true
			continue
		}
		if current != "" && (templateRuntime == "" || templateRuntime == current) {
			templateRuntime = current
			template = append(template, p)
		}
	}
	if bound || len(template) == 0 {
		return positions
	}

	// another runtime instance of the same setup: fan out
	for _, p := range template {
		positions = append(positions, bind(p, t, runtimeID, stageRuntimeID, stepGroupRuntimeID, true))
	}
	return positions
}

// outerLevel returns the closest enclosing level of group, excluding the
// node's own level.
func outerLevel(ne *domain.NodeExecution, group domain.LevelGroup) *domain.Level {
	for i := len(ne.Levels) - 2; i >= 0; i-- {
		if ne.Levels[i].Group == group {
			return &ne.Levels[i]
		}
	}
	return nil
}
