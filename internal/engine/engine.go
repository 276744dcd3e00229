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

// Package engine drives executions through their workflow's steps. Each
// Advance call performs at most one step transition; automatic executions
// are looped by RunToTerminal.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/discovery/internal/broker"
	"github.com/tombee/discovery/internal/events"
	"github.com/tombee/discovery/internal/log"
	"github.com/tombee/discovery/internal/metrics"
	"github.com/tombee/discovery/internal/scrub"
	"github.com/tombee/discovery/internal/store"
	"github.com/tombee/discovery/internal/worker"
	"github.com/tombee/discovery/pkg/errors"
)

// Outcome is the result of one Advance invocation.
type Outcome string

const (
	// Advanced means one step transition completed and the execution is
	// still running.
	Advanced Outcome = "step_advanced"
	// Terminal means the execution is (now) completed or failed.
	Terminal Outcome = "terminal"
	// Blocked means a step attempt is still in flight, owned by another
	// advancer. The caller should retry later.
	Blocked Outcome = "blocked"
)

// Invoker dispatches a step to its remote handler.
type Invoker interface {
	Invoke(ctx context.Context, step string, execContext, config map[string]any) (*worker.Result, error)
}

// Publisher fans progress events out to subscribers of one execution.
type Publisher interface {
	Publish(executionID string, event events.Event)
}

// Engine advances executions. It is safe for concurrent use; the store's
// transactional claim serializes competing advancers on the same execution.
type Engine struct {
	store  *store.Store
	worker Invoker
	pub    Publisher
	logger *slog.Logger
}

// New creates an engine.
func New(st *store.Store, w Invoker, pub Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = broker.New(logger)
	}
	return &Engine{store: st, worker: w, pub: pub, logger: logger}
}

// Advance performs one step transition on the execution.
//
// Terminal executions are left untouched. If a step attempt is already
// running the call returns Blocked without side effects. Otherwise the
// engine selects the next step, claims an attempt under the visit cap,
// dispatches it to the worker, persists the outcome, and publishes
// progress events. Step failures and visit-cap breaches fence the
// execution in failed; they are reported through events and the stored
// status, not as an error return.
func (e *Engine) Advance(ctx context.Context, executionID string) (Outcome, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return Terminal, err
	}
	if exec.Status.Terminal() {
		return Terminal, nil
	}

	running, err := e.store.HasRunningStepExecution(ctx, exec.ID)
	if err != nil {
		return Terminal, err
	}
	if running {
		return Blocked, nil
	}

	steps, err := e.store.ListSteps(ctx, exec.WorkflowID)
	if err != nil {
		return Terminal, err
	}

	step, err := e.selectStep(ctx, exec, steps)
	if err != nil {
		return Terminal, err
	}
	if step == nil {
		// Nothing left to run; the workflow is complete.
		if err := e.complete(ctx, exec); err != nil {
			return Terminal, err
		}
		return Terminal, nil
	}

	logger := e.logger.With(
		slog.String(log.ExecutionIDKey, exec.ID),
		slog.String(log.StepKey, step.Name),
	)

	stepExec, err := e.store.AppendStepExecution(ctx, exec.ID, step, exec.Context)
	if err != nil {
		var inv *errors.InvariantError
		if errors.As(err, &inv) {
			switch inv.Reason {
			case "max_visits_exceeded":
				logger.Warn("Step visit cap exceeded, failing execution",
					slog.Int("max_visits", step.MaxVisits))
				e.pub.Publish(exec.ID, events.MaxVisitsExceeded(stepRef(step)))
				if err := e.fail(ctx, exec); err != nil {
					return Terminal, err
				}
				return Terminal, nil
			case "execution_terminal":
				// Lost a race with a concurrent advancer.
				return Terminal, nil
			}
		}
		return Terminal, err
	}
	// The claim moved current_step_id; keep the in-memory execution in
	// step so the success-path UpdateExecution does not write back a
	// stale pointer.
	exec.CurrentStepID = &step.ID

	e.pub.Publish(exec.ID, events.StepStarted(stepRef(step)))
	logger.Info("Step started", slog.Int("attempt", stepExec.Attempt))

	start := time.Now()
	result, invokeErr := e.worker.Invoke(ctx, step.HandlerName(), exec.Context, nil)
	duration := time.Since(start)

	if invokeErr != nil {
		// Remote failures keep the worker's structured message; anything
		// else is a fault inside the orchestrator and is recorded with a
		// distinct reason so operators can tell the two apart.
		errMsg := invokeErr.Error()
		if !errors.IsRemoteStep(invokeErr) {
			errMsg = "local error: " + errMsg
		}

		logger.Error("Step failed", log.Error(invokeErr),
			slog.Duration(log.DurationKey, duration))
		metrics.RecordStep(step.HandlerName(), string(store.StepStatusFailed), duration)

		if err := e.store.FinishStepExecution(ctx, stepExec.ID,
			store.StepStatusFailed, nil, errMsg); err != nil {
			return Terminal, err
		}
		e.pub.Publish(exec.ID, events.StepError(stepRef(step), errMsg))
		if err := e.fail(ctx, exec); err != nil {
			return Terminal, err
		}
		return Terminal, nil
	}

	mergeContext(exec.Context, result.ContextPatch)
	if result.Next != "" {
		exec.Context[store.ContextKeyNextStepName] = result.Next
	} else {
		delete(exec.Context, store.ContextKeyNextStepName)
	}
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return Terminal, err
	}
	if err := e.store.FinishStepExecution(ctx, stepExec.ID,
		store.StepStatusSuccess, result.ContextPatch, ""); err != nil {
		return Terminal, err
	}

	metrics.RecordStep(step.HandlerName(), string(store.StepStatusSuccess), duration)
	logger.Info("Step finished",
		slog.Int("attempt", stepExec.Attempt),
		slog.Duration(log.DurationKey, duration))

	e.pub.Publish(exec.ID, events.StepFinished(
		stepRef(step),
		scrub.Projection(exec.Context),
		events.StepSummary{
			Attempt:    stepExec.Attempt,
			Status:     string(store.StepStatusSuccess),
			DurationMS: duration.Milliseconds(),
		},
	))

	if e.workflowComplete(step, steps, exec.Context) {
		exec.Context["auto_completed"] = true
		exec.Context["completed_at"] = time.Now().UTC().Format(time.RFC3339)
		exec.Context["completion_reason"] = "automatic_detection"
		if err := e.complete(ctx, exec); err != nil {
			return Terminal, err
		}
		return Terminal, nil
	}

	return Advanced, nil
}

// RunToTerminal loops Advance until the execution reaches a terminal
// status. Only automatic executions should be driven this way.
func (e *Engine) RunToTerminal(ctx context.Context, executionID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome, err := e.Advance(ctx, executionID)
		if err != nil {
			return err
		}
		switch outcome {
		case Terminal:
			return nil
		case Blocked:
			return &errors.ConflictError{
				Resource: "execution",
				Message:  "a step attempt is already running",
			}
		}
	}
}

// selectStep picks the next step for the execution, or nil when the
// workflow has nothing left to run.
func (e *Engine) selectStep(ctx context.Context, exec *store.Execution, steps []*store.Step) (*store.Step, error) {
	if len(steps) == 0 {
		return nil, nil
	}

	if exec.CurrentStepID == nil {
		return steps[0], nil
	}

	if hint, ok := exec.Context[store.ContextKeyNextStepName].(string); ok && hint != "" {
		return resolveStep(steps, hint), nil
	}

	current, err := e.store.GetStep(ctx, *exec.CurrentStepID)
	if err != nil {
		return nil, err
	}
	for _, st := range steps {
		if st.Order > current.Order {
			return st, nil
		}
	}
	return nil, nil
}

// resolveStep looks a routing hint up by step name, falling back to the
// worker handler name. Returns nil when the hint matches no step.
func resolveStep(steps []*store.Step, hint string) *store.Step {
	for _, st := range steps {
		if st.Name == hint {
			return st
		}
	}
	for _, st := range steps {
		if st.HandlerName() == hint {
			return st
		}
	}
	return nil
}

// workflowComplete applies the auto-completion rule after a successful
// step: no routing hint and the finished step has the highest order, a
// hint that resolves to no step, or an explicitly terminal step.
func (e *Engine) workflowComplete(finished *store.Step, steps []*store.Step, execContext map[string]any) bool {
	if finished.IsTerminal {
		return true
	}
	hint, _ := execContext[store.ContextKeyNextStepName].(string)
	if hint == "" {
		maxOrder := 0
		for _, st := range steps {
			if st.Order > maxOrder {
				maxOrder = st.Order
			}
		}
		return finished.Order >= maxOrder
	}
	return resolveStep(steps, hint) == nil
}

func (e *Engine) complete(ctx context.Context, exec *store.Execution) error {
	exec.Status = store.StatusCompleted
	exec.CurrentStepID = nil
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	metrics.RecordExecutionTerminal(string(store.StatusCompleted))
	e.logger.Info("Execution completed", slog.String(log.ExecutionIDKey, exec.ID))
	e.pub.Publish(exec.ID, events.WorkflowCompleted(
		exec.ID,
		scrub.Projection(exec.Context),
		map[string]any{"status": string(store.StatusCompleted)},
	))
	return nil
}

func (e *Engine) fail(ctx context.Context, exec *store.Execution) error {
	exec.Status = store.StatusFailed
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	metrics.RecordExecutionTerminal(string(store.StatusFailed))
	e.logger.Warn("Execution failed", slog.String(log.ExecutionIDKey, exec.ID))
	return nil
}

// mergeContext merges patch into dst recursively. Nested maps merge
// key-by-key; any other value overwrites.
func mergeContext(dst, patch map[string]any) {
	for k, v := range patch {
		if pm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				mergeContext(dm, pm)
				continue
			}
		}
		dst[k] = v
	}
}

func stepRef(st *store.Step) events.StepRef {
	return events.StepRef{ID: st.ID, Name: st.Name, Order: st.Order}
}
