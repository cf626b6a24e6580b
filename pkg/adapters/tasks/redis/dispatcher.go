package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/ports"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	tasksStream  = "pipeorch:tasks"
	abortsStream = "pipeorch:tasks:aborts"
)

// Dispatcher publishes tasks on a Redis stream and tracks them in a hash
// per task. Workers consume the tasks stream and watch the aborts stream.
type Dispatcher struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

var _ ports.TaskDispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a new Redis task dispatcher
func NewDispatcher(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{client: client, logger: logger, ttl: ttl}
}

// Submit records the task and appends it to the tasks stream
func (d *Dispatcher) Submit(ctx context.Context, req domain.TaskRequest) (string, error) {
	id := uuid.New().String()

	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task request: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	key := getTaskKey(id)

	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"request":    string(data),
			"status":     string(domain.TaskStatusQueued),
			"created_at": now,
			"updated_at": now,
		})
		if d.ttl > 0 {
			pipe.Expire(ctx, key, d.ttl)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: tasksStream,
			Values: map[string]interface{}{
				"task_id": id,
				"request": string(data),
			},
		})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit task: %w", err)
	}

	d.logger.Debug("task submitted",
		zap.String("task_id", id),
		zap.String("task_type", req.TaskType),
		zap.String("node_execution_id", req.NodeExecutionID))

	return id, nil
}

// Abort marks a queued or running task aborted and notifies workers
func (d *Dispatcher) Abort(ctx context.Context, taskID string, tags map[string]string) (bool, error) {
	key := getTaskKey(taskID)
	aborted := false

	txf := func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, "status").Result()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
			}
			return fmt.Errorf("failed to get task: %w", err)
		}
		if !domain.TaskStatus(status).IsAbortable() {
			aborted = false
			return nil
		}

		values := map[string]interface{}{"task_id": taskID}
		for k, v := range tags {
			values["tag_"+k] = v
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"status", string(domain.TaskStatusAborted),
				"updated_at", time.Now().UTC().Format(time.RFC3339Nano))
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: abortsStream, Values: values})
			return nil
		})
		if err != nil {
			return err
		}
		aborted = true
		return nil
	}

	for attempt := 0; attempt < 8; attempt++ {
		err := d.client.Watch(ctx, txf, key)
		if err == nil {
			return aborted, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return false, err
	}
	return false, fmt.Errorf("%w: %s", domain.ErrTaskAbortFailed, taskID)
}

// Get returns the task record
func (d *Dispatcher) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	fields, err := d.client.HGetAll(ctx, getTaskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}

	task := &domain.Task{ID: taskID, Status: domain.TaskStatus(fields["status"])}
	if err := json.Unmarshal([]byte(fields["request"]), &task.Request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task request: %w", err)
	}
	task.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	task.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return task, nil
}

// SetStatus records a status reported by a worker
func (d *Dispatcher) SetStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	key := getTaskKey(taskID)
	n, err := d.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to get task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	return d.client.HSet(ctx, key,
		"status", string(status),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano)).Err()
}

func getTaskKey(id string) string {
	return fmt.Sprintf("pipeorch:task:%s", id)
}
