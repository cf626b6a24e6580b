package memory

import (
	"context"
	"sync"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
	"go.uber.org/zap"
)

type subscription struct {
	topic   string
	handler ports.EventHandler
}

// InMemoryEventBus implements EventBus using in-process handlers.
// Each handler runs on its own goroutine; Wait blocks until every
// in-flight delivery, including ones started by handlers, has returned.
type InMemoryEventBus struct {
	subscribers map[string][]*subscription
	mu          sync.RWMutex
	inflight    sync.WaitGroup
	logger      *zap.Logger
	closed      bool
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus(logger *zap.Logger) *InMemoryEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryEventBus{
		subscribers: make(map[string][]*subscription),
		logger:      logger,
	}
}

var _ ports.EventBus = (*InMemoryEventBus)(nil)

// Publish publishes an event to all subscribers of a topic
func (e *InMemoryEventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil
	}
	subs := make([]*subscription, len(e.subscribers[topic]))
	copy(subs, e.subscribers[topic])
	e.inflight.Add(len(subs))
	e.mu.RUnlock()

	// Handlers outlive the publishing request
	deliverCtx := context.WithoutCancel(ctx)
	for _, sub := range subs {
		go func(s *subscription) {
			defer e.inflight.Done()
			if err := s.handler(deliverCtx, event); err != nil {
				e.logger.Warn("event handler failed",
					zap.String("topic", topic),
					zap.String("event_id", event.ID),
					zap.String("type", string(event.Type)),
					zap.Error(err))
			}
		}(sub)
	}

	return nil
}

// Subscribe subscribes to events on a specific topic until ctx is done
func (e *InMemoryEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	sub := &subscription{topic: topic, handler: handler}

	e.mu.Lock()
	e.subscribers[topic] = append(e.subscribers[topic], sub)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.unsubscribe(sub)
	}()

	return nil
}

// Wait blocks until no delivery is in flight
func (e *InMemoryEventBus) Wait() {
	e.inflight.Wait()
}

// Close drops every subscription; later publishes are discarded
func (e *InMemoryEventBus) Close() error {
	e.mu.Lock()
	e.subscribers = make(map[string][]*subscription)
	e.closed = true
	e.mu.Unlock()

	e.inflight.Wait()
	return nil
}

func (e *InMemoryEventBus) unsubscribe(sub *subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subscribers[sub.topic]
	for i, s := range subs {
		if s == sub {
			e.subscribers[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}
