package redis

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDispatcher(t *testing.T, ttl time.Duration) (*Dispatcher, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewDispatcher(client, ttl, zap.NewNop()), client, mr
}

func TestDispatcher_Submit(t *testing.T) {
	d, client, mr := newTestDispatcher(t, time.Hour)
	ctx := context.Background()

	id, err := d.Submit(ctx, domain.TaskRequest{
		PlanExecutionID: "pe-1",
		NodeExecutionID: "ne-1",
		TaskType:        "compile",
		Parameters:      map[string]interface{}{"goos": "linux"},
	})
	require.NoError(t, err)

	task, err := d.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, task.Status)
	assert.Equal(t, "ne-1", task.Request.NodeExecutionID)
	assert.Equal(t, "linux", task.Request.Parameters["goos"])
	assert.False(t, task.CreatedAt.IsZero())
	assert.Equal(t, time.Hour, mr.TTL(getTaskKey(id)))

	entries, err := client.XRange(ctx, tasksStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].Values["task_id"])
}

func TestDispatcher_Abort(t *testing.T) {
	d, client, _ := newTestDispatcher(t, 0)
	ctx := context.Background()

	id, err := d.Submit(ctx, domain.TaskRequest{TaskType: "compile"})
	require.NoError(t, err)
	require.NoError(t, d.SetStatus(ctx, id, domain.TaskStatusRunning))

	ok, err := d.Abort(ctx, id, map[string]string{"interrupt_id": "int-1"})
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := d.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusAborted, task.Status)

	entries, err := client.XRange(ctx, abortsStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].Values["task_id"])
	assert.Equal(t, "int-1", entries[0].Values["tag_interrupt_id"])

	ok, err = d.Abort(ctx, id, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDispatcher_Missing(t *testing.T) {
	d, _, _ := newTestDispatcher(t, 0)
	ctx := context.Background()

	_, err := d.Abort(ctx, "missing", nil)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	_, err = d.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	assert.ErrorIs(t, d.SetStatus(ctx, "missing", domain.TaskStatusFailed), domain.ErrTaskNotFound)
}
