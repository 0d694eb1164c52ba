package runner

import (
	"context"
	"time"
)

// Task is one unit of scheduled background work. Implementations must
// respect ctx cancellation; the runner cancels it at Timeout.
type Task interface {
	// Name identifies the task in logs and in the registry.
	Name() string

	// Schedule is a five-field cron expression.
	Schedule() string

	// Run performs one execution.
	Run(ctx context.Context) error

	// Timeout bounds a single execution.
	Timeout() time.Duration
}

// TaskRegistry collects tasks before the runner starts. Registering a
// second task under the same name replaces the first.
type TaskRegistry struct {
	tasks map[string]Task
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]Task)}
}

func (r *TaskRegistry) Register(task Task) {
	r.tasks[task.Name()] = task
}

// All returns the registered tasks keyed by name.
func (r *TaskRegistry) All() map[string]Task {
	return r.tasks
}
