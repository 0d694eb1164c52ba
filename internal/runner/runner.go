// Package runner executes registered background tasks on their cron
// schedules.
package runner

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner drives the registered tasks. Schedules use the standard
// five-field cron format.
type Runner struct {
	cron     *cron.Cron
	registry *TaskRegistry
	logger   *log.Logger
	wg       sync.WaitGroup
}

// NewRunner creates a runner over the given registry.
func NewRunner(registry *TaskRegistry, opts ...RunnerOption) *Runner {
	r := &Runner{
		cron:     cron.New(),
		registry: registry,
		logger:   log.New(os.Stdout, "[RUNNER] ", log.LstdFlags),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger overrides the runner's logger.
func WithRunnerLogger(logger *log.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Start schedules every registered task and starts the cron loop. It
// does not block; call Stop to drain in-flight tasks.
func (r *Runner) Start(ctx context.Context) error {
	for name, task := range r.registry.All() {
		task := task
		r.logger.Printf("scheduling task %s (%s)", name, task.Schedule())
		_, err := r.cron.AddFunc(task.Schedule(), func() {
			r.executeTask(ctx, task)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule task %s: %w", name, err)
		}
	}
	r.cron.Start()
	return nil
}

// Wait blocks until a termination signal arrives or the context ends,
// then shuts the runner down.
func (r *Runner) Wait(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		r.logger.Printf("received signal %v, shutting down", sig)
		r.Stop()
		return nil
	case <-ctx.Done():
		r.Stop()
		return ctx.Err()
	}
}

// Stop halts scheduling and waits for running tasks to complete.
func (r *Runner) Stop() {
	stopped := r.cron.Stop()
	r.wg.Wait()
	<-stopped.Done()
	r.logger.Println("task runner stopped")
}

func (r *Runner) executeTask(ctx context.Context, task Task) {
	r.wg.Add(1)
	defer r.wg.Done()

	taskCtx, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()

	start := time.Now()
	if err := task.Run(taskCtx); err != nil {
		r.logger.Printf("task %s failed after %v: %v", task.Name(), time.Since(start), err)
		return
	}
	r.logger.Printf("task %s completed in %v", task.Name(), time.Since(start))
}
