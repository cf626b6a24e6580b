package redis

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/pipeorch/pkg/adapters/lock/locktest"
	"github.com/aescanero/pipeorch/pkg/ports"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type lockMetrics struct {
	ports.NopMetrics
	acquired, missed map[string]int
}

func (m *lockMetrics) RecordLockAcquisition(name string, acquired bool) {
	if acquired {
		m.acquired[name]++
		return
	}
	m.missed[name]++
}

func TestLocker(t *testing.T) {
	var mr *miniredis.Miniredis
	locktest.Run(t,
		func(t *testing.T) ports.Locker {
			mr = miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewLocker(client, nil, zap.NewNop())
		},
		func(d time.Duration) { mr.FastForward(d) })
}

func TestLocker_KeyAndMetrics(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	metrics := &lockMetrics{acquired: map[string]int{}, missed: map[string]int{}}
	l := NewLocker(client, metrics, zap.NewNop())
	ctx := context.Background()

	held, err := l.WaitToAcquire(ctx, "barrier-update:pe-1", time.Second, time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("pipeorch:lock:barrier-update:pe-1"))
	assert.Equal(t, time.Minute, mr.TTL("pipeorch:lock:barrier-update:pe-1"))

	_, err = l.WaitToAcquire(ctx, "barrier-update:pe-1", 10*time.Millisecond, time.Minute)
	require.Error(t, err)

	require.NoError(t, held.Release(ctx))
	assert.False(t, mr.Exists("pipeorch:lock:barrier-update:pe-1"))

	assert.Equal(t, 1, metrics.acquired["barrier-update"])
	assert.Equal(t, 1, metrics.missed["barrier-update"])
}
