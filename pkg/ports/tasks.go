package ports

import (
	"context"

	"github.com/aescanero/pipeorch/pkg/domain"
)

// TaskDispatcher submits and aborts out-of-process work units.
type TaskDispatcher interface {
	Submit(ctx context.Context, req domain.TaskRequest) (string, error)

	// Abort cancels a task. It returns false when the task could not be
	// aborted, for instance because it already completed.
	Abort(ctx context.Context, taskID string, tags map[string]string) (bool, error)
}
