package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aescanero/pipeorch/internal/config"
	eventsmemory "github.com/aescanero/pipeorch/pkg/adapters/events/memory"
	eventsredis "github.com/aescanero/pipeorch/pkg/adapters/events/redis"
	lockmemory "github.com/aescanero/pipeorch/pkg/adapters/lock/memory"
	lockredis "github.com/aescanero/pipeorch/pkg/adapters/lock/redis"
	storagememory "github.com/aescanero/pipeorch/pkg/adapters/storage/memory"
	storageredis "github.com/aescanero/pipeorch/pkg/adapters/storage/redis"
	tasksmemory "github.com/aescanero/pipeorch/pkg/adapters/tasks/memory"
	tasksredis "github.com/aescanero/pipeorch/pkg/adapters/tasks/redis"
	"github.com/aescanero/pipeorch/pkg/ports"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// store is every record store the orchestrator needs
type store interface {
	ports.NodeExecutionStore
	ports.PlanExecutionStore
	ports.InterruptStore
	ports.BarrierStore
}

// backend holds the adapters of one deployment
type backend struct {
	store  store
	tasks  ports.TaskDispatcher
	locker ports.Locker
	bus    ports.EventBus

	// subscriber returns the bus a component subscribes with. Components
	// marked local see every event on this instance; the others share
	// delivery with the same component on other instances.
	subscriber func(component string, local bool) ports.EventBus

	close func() error
}

func newBackend(ctx context.Context, cfg *config.Config, metrics ports.MetricsCollector, logger *zap.Logger) (*backend, error) {
	if cfg.Backend == config.BackendMemory {
		logger.Warn("using in-memory backend, state is lost on restart")
		bus := eventsmemory.NewInMemoryEventBus(logger)
		return &backend{
			store:      storagememory.NewStorage(),
			tasks:      tasksmemory.NewDispatcher(),
			locker:     lockmemory.NewLocker(),
			bus:        bus,
			subscriber: func(string, bool) ports.EventBus { return bus },
			close:      bus.Close,
		}, nil
	}

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	hostname, _ := os.Hostname()
	consumerName := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	bus, err := eventsredis.NewStreamsEventBus(redisClient, cfg.Redis.ConsumerGroup, consumerName, logger)
	if err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}

	return &backend{
		store:  storageredis.NewStorage(redisClient, cfg.Redis.RecordTTL, logger),
		tasks:  tasksredis.NewDispatcher(redisClient, cfg.Redis.RecordTTL, logger),
		locker: lockredis.NewLocker(redisClient, metrics, logger),
		bus:    bus,
		subscriber: func(component string, local bool) ports.EventBus {
			group := cfg.Redis.ConsumerGroup + ":" + component
			if local {
				group += ":" + consumerName
			}
			return bus.WithGroup(group)
		},
		close: func() error {
			busErr := bus.Close()
			if err := redisClient.Close(); err != nil {
				return err
			}
			return busErr
		},
	}, nil
}
