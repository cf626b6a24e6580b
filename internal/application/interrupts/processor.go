package interrupts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInvalidInterrupt is returned when an interrupt cannot be registered
var ErrInvalidInterrupt = errors.New("invalid interrupt")

// Handler processes one type of interrupt
type Handler interface {
	Handle(ctx context.Context, interrupt *domain.Interrupt, statuses domain.StatusSet) (Result, error)
}

// Outcome is what registering an interrupt produced
type Outcome struct {
	Interrupt *domain.Interrupt `json:"interrupt"`
	Aborted   bool              `json:"aborted"`
	Matched   int               `json:"matched"`
	Marked    int               `json:"marked"`
	Failures  []string          `json:"failures,omitempty"`
}

// Processor persists interrupts and dispatches them to their handler
type Processor struct {
	store    ports.InterruptStore
	plans    ports.PlanExecutionStore
	events   ports.EventBus
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	handlers map[domain.InterruptType]Handler
	now      func() time.Time
}

// NewProcessor creates a new interrupt processor
func NewProcessor(
	store ports.InterruptStore,
	plans ports.PlanExecutionStore,
	events ports.EventBus,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *Processor {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Processor{
		store:    store,
		plans:    plans,
		events:   events,
		metrics:  metrics,
		logger:   logger,
		handlers: make(map[domain.InterruptType]Handler),
		now:      time.Now,
	}
}

// RegisterHandler sets the handler for an interrupt type
func (p *Processor) RegisterHandler(t domain.InterruptType, h Handler) {
	p.handlers[t] = h
}

// Register validates and persists an interrupt, then processes it. The
// interrupt is consumed exactly once: registering the same ID again fails.
func (p *Processor) Register(ctx context.Context, interrupt *domain.Interrupt, statuses domain.StatusSet) (*Outcome, error) {
	if err := p.validate(ctx, interrupt); err != nil {
		return nil, err
	}

	if interrupt.ID == "" {
		interrupt.ID = uuid.New().String()
	}

	now := p.now()
	interrupt.State = domain.InterruptStateRegistered
	interrupt.CreatedAt = now
	interrupt.UpdatedAt = now
	if err := p.store.CreateInterrupt(ctx, interrupt); err != nil {
		if errors.Is(err, domain.ErrInterruptExists) {
			return nil, fmt.Errorf("%w: already registered: %s", ErrInvalidInterrupt, interrupt.ID)
		}
		return nil, fmt.Errorf("failed to save interrupt: %w", err)
	}

	claimed, err := p.store.TransitionInterrupt(ctx, interrupt.ID,
		domain.InterruptStateRegistered, domain.InterruptStateProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to claim interrupt: %w", err)
	}
	if !claimed {
		return nil, fmt.Errorf("interrupt already being processed: %s", interrupt.ID)
	}

	p.logger.Info("processing interrupt",
		zap.String("interrupt_id", interrupt.ID),
		zap.String("type", string(interrupt.Type)),
		zap.String("plan_execution_id", interrupt.PlanExecutionID))

	result, handleErr := p.handlers[interrupt.Type].Handle(ctx, interrupt, statuses)

	final := finalState(result, handleErr)
	if _, err := p.store.TransitionInterrupt(ctx, interrupt.ID, domain.InterruptStateProcessing, final); err != nil {
		p.logger.Error("failed to record interrupt state",
			zap.String("interrupt_id", interrupt.ID),
			zap.String("state", string(final)),
			zap.Error(err))
	}
	interrupt.State = final
	interrupt.UpdatedAt = p.now()

	p.metrics.RecordInterrupt(string(interrupt.Type), string(final))
	p.publish(ctx, interrupt, result)

	if handleErr != nil {
		return nil, fmt.Errorf("failed to process interrupt %s: %w", interrupt.ID, handleErr)
	}

	outcome := &Outcome{
		Interrupt: interrupt,
		Aborted:   result.Aborted,
		Matched:   result.Matched,
		Marked:    result.Marked,
	}
	for _, f := range result.Failures {
		outcome.Failures = append(outcome.Failures, f.Error())
	}

	p.logger.Info("interrupt processed",
		zap.String("interrupt_id", interrupt.ID),
		zap.String("state", string(final)),
		zap.Bool("aborted", result.Aborted),
		zap.Int("marked", result.Marked),
		zap.Int("failures", len(result.Failures)))

	return outcome, nil
}

// Get returns a registered interrupt
func (p *Processor) Get(ctx context.Context, id string) (*domain.Interrupt, error) {
	return p.store.GetInterrupt(ctx, id)
}

// List returns the interrupts registered for a plan execution
func (p *Processor) List(ctx context.Context, planExecutionID string) ([]*domain.Interrupt, error) {
	return p.store.ListInterrupts(ctx, planExecutionID)
}

func (p *Processor) validate(ctx context.Context, interrupt *domain.Interrupt) error {
	if interrupt == nil {
		return fmt.Errorf("%w: interrupt is required", ErrInvalidInterrupt)
	}
	if !interrupt.Type.IsValid() {
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidInterrupt, interrupt.Type)
	}
	if _, ok := p.handlers[interrupt.Type]; !ok {
		return fmt.Errorf("%w: no handler registered for type %s", ErrInvalidInterrupt, interrupt.Type)
	}
	if interrupt.PlanExecutionID == "" {
		return fmt.Errorf("%w: plan execution ID is required", ErrInvalidInterrupt)
	}
	if _, err := p.plans.GetPlanExecution(ctx, interrupt.PlanExecutionID); err != nil {
		return fmt.Errorf("failed to get plan execution: %w", err)
	}
	return nil
}

func (p *Processor) publish(ctx context.Context, interrupt *domain.Interrupt, result Result) {
	event := domain.Event{
		ID:              uuid.New().String(),
		Type:            domain.EventTypeInterruptProcessed,
		PlanExecutionID: interrupt.PlanExecutionID,
		Timestamp:       p.now(),
		Data: map[string]interface{}{
			"interrupt_id": interrupt.ID,
			"type":         string(interrupt.Type),
			"state":        string(interrupt.State),
			"marked":       result.Marked,
			"failures":     len(result.Failures),
		},
	}
	if err := p.events.Publish(ctx, domain.TopicPlan, event); err != nil {
		p.logger.Warn("failed to publish interrupt event",
			zap.String("interrupt_id", interrupt.ID),
			zap.Error(err))
	}
}

func finalState(result Result, err error) domain.InterruptState {
	switch {
	case err != nil:
		return domain.InterruptStateProcessedUnsuccessfully
	case result.Matched == 0:
		return domain.InterruptStateDiscarded
	case !result.Aborted || len(result.Failures) > 0:
		return domain.InterruptStateProcessedUnsuccessfully
	default:
		return domain.InterruptStateProcessedSuccessfully
	}
}
