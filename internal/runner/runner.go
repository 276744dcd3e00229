// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package runner drives asynchronous executions in the background. One
// goroutine per launched execution loops the engine to a terminal state
// and publishes lifecycle events; the launching client is never awaited.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/discovery/internal/engine"
	"github.com/tombee/discovery/internal/events"
	"github.com/tombee/discovery/internal/log"
	"github.com/tombee/discovery/internal/scrub"
	"github.com/tombee/discovery/internal/store"
	"github.com/tombee/discovery/pkg/errors"
)

// Config contains runner configuration.
type Config struct {
	// MaxParallel bounds the number of executions advanced concurrently.
	MaxParallel int
}

// Runner launches and tracks background executions.
type Runner struct {
	engine *engine.Engine
	store  *store.Store
	pub    engine.Publisher
	logger *slog.Logger

	semaphore chan struct{}
	wg        sync.WaitGroup
	active    atomic.Int64
	draining  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a runner.
func New(cfg Config, eng *engine.Engine, st *store.Store, pub engine.Publisher, logger *slog.Logger) *Runner {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		engine:    eng,
		store:     st,
		pub:       pub,
		logger:    logger,
		semaphore: make(chan struct{}, cfg.MaxParallel),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Launch starts advancing the execution in the background. It returns
// once the task is scheduled; progress is observed through the status
// endpoint or the progress socket.
func (r *Runner) Launch(executionID, workflowID string) error {
	if r.draining.Load() {
		return &errors.ConflictError{Resource: "runner", Message: "shutting down, not accepting new executions"}
	}

	r.active.Add(1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.active.Add(-1)

		r.semaphore <- struct{}{}
		defer func() { <-r.semaphore }()

		r.run(executionID, workflowID)
	}()
	return nil
}

// run drives one execution to a terminal status.
func (r *Runner) run(executionID, workflowID string) {
	logger := r.logger.With(
		slog.String(log.ExecutionIDKey, executionID),
		slog.String(log.WorkflowIDKey, workflowID),
	)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Execution task panicked",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			r.abort(executionID, fmt.Errorf("panic: %v", rec))
		}
	}()

	r.pub.Publish(executionID, events.WorkflowStarted(executionID, workflowID))
	logger.Info("Execution started")

	if err := r.engine.RunToTerminal(r.ctx, executionID); err != nil {
		logger.Error("Execution task failed unexpectedly", log.Error(err))
		r.abort(executionID, err)
		return
	}

	exec, err := r.store.GetExecution(r.ctx, executionID)
	if err != nil {
		logger.Error("Reloading terminal execution", log.Error(err))
		return
	}

	if exec.Status == store.StatusFailed {
		r.pub.Publish(executionID, events.WorkflowFailed(
			executionID,
			scrub.Projection(exec.Context),
			r.errorSummary(executionID),
		))
	}
	logger.Info("Execution finished", slog.String("status", string(exec.Status)))
}

// abort fences the execution in failed after an unexpected error and
// publishes a workflow_error snapshot.
func (r *Runner) abort(executionID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	finalContext := map[string]any{}
	exec, err := r.store.GetExecution(ctx, executionID)
	if err == nil {
		finalContext = scrub.Projection(exec.Context)
		if !exec.Status.Terminal() {
			exec.Status = store.StatusFailed
			if uerr := r.store.UpdateExecution(ctx, exec); uerr != nil {
				r.logger.Error("Fencing aborted execution", log.Error(uerr),
					slog.String(log.ExecutionIDKey, executionID))
			}
		}
	}

	r.pub.Publish(executionID, events.WorkflowError(
		executionID,
		cause.Error(),
		finalContext,
		map[string]any{"error_type": fmt.Sprintf("%T", cause)},
	))
}

// errorSummary pulls the failure message from the last step attempt.
func (r *Runner) errorSummary(executionID string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	last, err := r.store.LatestStepExecution(ctx, executionID)
	if err != nil || last == nil {
		return "execution failed"
	}
	if last.ErrorMessage != "" {
		return last.ErrorMessage
	}
	return fmt.Sprintf("execution failed at step %s", last.StepID)
}

// StartDraining stops the runner accepting new executions.
func (r *Runner) StartDraining() {
	r.draining.Store(true)
}

// IsDraining reports whether the runner is in graceful shutdown mode.
func (r *Runner) IsDraining() bool {
	return r.draining.Load()
}

// ActiveCount returns the number of executions currently in flight.
func (r *Runner) ActiveCount() int {
	return int(r.active.Load())
}

// WaitForDrain waits for in-flight executions to finish or until the
// timeout is reached.
func (r *Runner) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			remaining := r.ActiveCount()
			if remaining > 0 {
				return fmt.Errorf("drain timeout: %d execution(s) still running", remaining)
			}
			return nil
		case <-ticker.C:
			if r.ActiveCount() == 0 {
				return nil
			}
		}
	}
}

// Stop cancels all in-flight execution tasks and waits for their
// goroutines to return.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
}
