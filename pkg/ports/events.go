package ports

import (
	"context"

	"github.com/aescanero/pipeorch/pkg/domain"
)

// EventHandler handles an event delivered by the bus.
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus is a publish/subscribe channel for lifecycle events.
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Close() error
}
