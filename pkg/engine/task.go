package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task is an orchestrator operation running in the background.
type Task struct {
	ID            string        `json:"id"`
	EnvironmentID string        `json:"environment_id"`
	Operation     OperationType `json:"operation"`
	StartedAt     time.Time     `json:"started_at"`

	done chan struct{}

	mu          sync.Mutex
	err         error
	completedAt time.Time
}

func newTask(environmentID string, op OperationType) *Task {
	return &Task{
		ID:            uuid.New().String(),
		EnvironmentID: environmentID,
		Operation:     op,
		StartedAt:     time.Now(),
		done:          make(chan struct{}),
	}
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.completedAt = time.Now()
	t.mu.Unlock()
	close(t.done)
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done and returns the task
// error. Cancelling ctx does not stop the task.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the task error. It is nil while the task is running.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Duration returns how long the task ran, or has been running.
func (t *Task) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completedAt.IsZero() {
		return time.Since(t.StartedAt)
	}
	return t.completedAt.Sub(t.StartedAt)
}
