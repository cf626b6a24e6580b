package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRetryInterval = 25 * time.Millisecond

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements ports.Locker with Redis leases
type Locker struct {
	client        *redis.Client
	logger        *zap.Logger
	metrics       ports.MetricsCollector
	retryInterval time.Duration
}

var _ ports.Locker = (*Locker)(nil)

// NewLocker creates a new Redis locker
func NewLocker(client *redis.Client, metrics ports.MetricsCollector, logger *zap.Logger) *Locker {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Locker{
		client:        client,
		logger:        logger,
		metrics:       metrics,
		retryInterval: defaultRetryInterval,
	}
}

// WaitToAcquire polls for the lease until wait elapses
func (l *Locker) WaitToAcquire(ctx context.Context, name string, wait, ttl time.Duration) (ports.AcquiredLock, error) {
	key := getLockKey(name)
	token := uuid.New().String()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
		}
		if ok {
			l.metrics.RecordLockAcquisition(lockFamily(name), true)
			return &lease{locker: l, key: key, token: token}, nil
		}

		if !time.Now().Before(deadline) {
			l.metrics.RecordLockAcquisition(lockFamily(name), false)
			return nil, fmt.Errorf("%w: %s", domain.ErrLockNotAcquired, name)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
}

type lease struct {
	locker *Locker
	key    string
	token  string
}

// Release gives the lease back if it has not expired and been taken over
func (a *lease) Release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, a.locker.client, []string{a.key}, a.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", a.key, err)
	}
	if deleted == 0 {
		a.locker.logger.Warn("lock expired before release", zap.String("key", a.key))
	}
	return nil
}

func getLockKey(name string) string {
	return fmt.Sprintf("pipeorch:lock:%s", name)
}

// lockFamily strips the per-instance suffix so metric labels stay bounded
func lockFamily(name string) string {
	if i := strings.IndexByte(name, ':'); i > 0 {
		return name[:i]
	}
	return name
}
