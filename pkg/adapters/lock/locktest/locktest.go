// Package locktest holds the behavior every locker adapter must share.
package locktest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a locker. expire makes every lease older than d lapse, by
// waiting or by moving a fake clock.
func Run(t *testing.T, newLocker func(t *testing.T) ports.Locker, expire func(d time.Duration)) {
	t.Run("AcquireRelease", func(t *testing.T) { testAcquireRelease(t, newLocker(t)) })
	t.Run("Timeout", func(t *testing.T) { testTimeout(t, newLocker(t)) })
	t.Run("MutualExclusion", func(t *testing.T) { testMutualExclusion(t, newLocker(t)) })
	t.Run("ExpiredLeaseRelease", func(t *testing.T) { testExpiredLeaseRelease(t, newLocker(t), expire) })
	t.Run("ContextCanceled", func(t *testing.T) { testContextCanceled(t, newLocker(t)) })
}

func testAcquireRelease(t *testing.T, l ports.Locker) {
	ctx := context.Background()

	held, err := l.WaitToAcquire(ctx, "barrier-update:pe-1", time.Second, time.Minute)
	require.NoError(t, err)

	other, err := l.WaitToAcquire(ctx, "barrier-update:pe-2", time.Second, time.Minute)
	require.NoError(t, err, "locks with different names are independent")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, held.Release(ctx))
	again, err := l.WaitToAcquire(ctx, "barrier-update:pe-1", time.Second, time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func testTimeout(t *testing.T, l ports.Locker) {
	ctx := context.Background()

	held, err := l.WaitToAcquire(ctx, "name", time.Second, time.Minute)
	require.NoError(t, err)
	defer func() { _ = held.Release(ctx) }()

	start := time.Now()
	_, err = l.WaitToAcquire(ctx, "name", 30*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func testMutualExclusion(t *testing.T, l ports.Locker) {
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		overlap atomic.Bool
		entered atomic.Int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			held, err := l.WaitToAcquire(ctx, "shared", 5*time.Second, time.Minute)
			if !assert.NoError(t, err) {
				return
			}
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			entered.Add(1)
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, held.Release(ctx))
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	assert.Equal(t, int32(6), entered.Load())
}

func testExpiredLeaseRelease(t *testing.T, l ports.Locker, expire func(time.Duration)) {
	ctx := context.Background()
	ttl := 20 * time.Millisecond

	first, err := l.WaitToAcquire(ctx, "lease", time.Second, ttl)
	require.NoError(t, err)

	expire(2 * ttl)

	second, err := l.WaitToAcquire(ctx, "lease", time.Second, time.Minute)
	require.NoError(t, err)

	// the stale holder must not free the new lease
	require.NoError(t, first.Release(ctx))
	_, err = l.WaitToAcquire(ctx, "lease", 20*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)

	require.NoError(t, second.Release(ctx))
}

func testContextCanceled(t *testing.T, l ports.Locker) {
	held, err := l.WaitToAcquire(context.Background(), "busy", time.Second, time.Minute)
	require.NoError(t, err)
	defer func() { _ = held.Release(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.WaitToAcquire(ctx, "busy", time.Second, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
