package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInMemoryEventBus_FansOutToEverySubscriber(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received = map[string][]string{}
	)
	record := func(name string) func(context.Context, domain.Event) error {
		return func(_ context.Context, ev domain.Event) error {
			mu.Lock()
			defer mu.Unlock()
			received[name] = append(received[name], ev.ID)
			return nil
		}
	}
	require.NoError(t, bus.Subscribe(ctx, domain.TopicNodeStatus, record("a")))
	require.NoError(t, bus.Subscribe(ctx, domain.TopicNodeStatus, record("b")))
	require.NoError(t, bus.Subscribe(ctx, domain.TopicPlan, record("plan")))

	require.NoError(t, bus.Publish(ctx, domain.TopicNodeStatus, domain.Event{ID: "ev-1"}))
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ev-1"}, received["a"])
	assert.Equal(t, []string{"ev-1"}, received["b"])
	assert.Empty(t, received["plan"])
}

func TestInMemoryEventBus_WaitCoversNestedPublishes(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	ctx := context.Background()

	var count atomic.Int32
	require.NoError(t, bus.Subscribe(ctx, "first", func(ctx context.Context, ev domain.Event) error {
		time.Sleep(5 * time.Millisecond)
		return bus.Publish(ctx, "second", ev)
	}))
	require.NoError(t, bus.Subscribe(ctx, "second", func(context.Context, domain.Event) error {
		count.Add(1)
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, "first", domain.Event{ID: "ev-1"}))
	bus.Wait()
	assert.Equal(t, int32(1), count.Load())
}

func TestInMemoryEventBus_UnsubscribesWhenContextEnds(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())

	var count atomic.Int32
	subCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bus.Subscribe(subCtx, "topic", func(context.Context, domain.Event) error {
		count.Add(1)
		return errors.New("handler errors are only logged")
	}))

	require.NoError(t, bus.Publish(context.Background(), "topic", domain.Event{ID: "ev-1"}))
	bus.Wait()
	cancel()

	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subscribers["topic"]) == 0
	}, time.Second, time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), "topic", domain.Event{ID: "ev-2"}))
	bus.Wait()
	assert.Equal(t, int32(1), count.Load())
}

func TestInMemoryEventBus_CloseDiscardsPublishes(t *testing.T) {
	bus := NewInMemoryEventBus(nil)

	var count atomic.Int32
	require.NoError(t, bus.Subscribe(context.Background(), "topic", func(context.Context, domain.Event) error {
		count.Add(1)
		return nil
	}))
	require.NoError(t, bus.Close())

	require.NoError(t, bus.Publish(context.Background(), "topic", domain.Event{ID: "ev-1"}))
	bus.Wait()
	assert.Zero(t, count.Load())
}
