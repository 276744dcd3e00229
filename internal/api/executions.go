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

package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tombee/discovery/internal/broker"
	"github.com/tombee/discovery/internal/engine"
	"github.com/tombee/discovery/internal/events"
	"github.com/tombee/discovery/internal/httputil"
	"github.com/tombee/discovery/internal/metrics"
	"github.com/tombee/discovery/internal/runner"
	"github.com/tombee/discovery/internal/store"
	"github.com/tombee/discovery/pkg/errors"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// ExecutionHandler serves execution launch, status, history, and the
// manual stepping and step-reporting endpoints.
type ExecutionHandler struct {
	store  *store.Store
	engine *engine.Engine
	runner *runner.Runner
	broker *broker.Broker
	logger *slog.Logger
}

// newExecution builds an execution from a heterogeneous execute body:
// a recognized "mode" key selects the mode, every other top-level key
// seeds the initial context.
func (h *ExecutionHandler) newExecution(r *http.Request, w http.ResponseWriter) (*store.Execution, bool) {
	body := map[string]any{}
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &body) {
			return nil, false
		}
	}

	workflowID := r.PathValue("id")
	wf, err := h.store.GetWorkflow(r.Context(), workflowID)
	if err != nil {
		httputil.WriteErr(w, err)
		return nil, false
	}

	mode := wf.Mode
	if raw, ok := body["mode"]; ok {
		ms, ok := raw.(string)
		if !ok || !store.Mode(ms).Valid() {
			httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid mode %v", raw))
			return nil, false
		}
		mode = store.Mode(ms)
		delete(body, "mode")
	}

	exec := &store.Execution{WorkflowID: workflowID, Mode: mode, Context: body}
	if err := h.store.CreateExecution(r.Context(), exec); err != nil {
		httputil.WriteErr(w, err)
		return nil, false
	}
	return exec, true
}

// HandleExecute handles POST /workflows/{id}/execute.
//
// Automatic executions run to a terminal status on the request's own
// goroutine; the caller waits as long as the workflow runs. A failed
// execution is still a 200 so the client can read its context. Manual
// executions return immediately in running status.
func (h *ExecutionHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	exec, ok := h.newExecution(r, w)
	if !ok {
		return
	}
	metrics.RecordExecutionStarted(string(exec.Mode), "sync")

	if exec.Mode == store.ModeAutomatic {
		if err := h.engine.RunToTerminal(r.Context(), exec.ID); err != nil {
			httputil.WriteErr(w, err)
			return
		}
		reloaded, err := h.store.GetExecution(r.Context(), exec.ID)
		if err != nil {
			httputil.WriteErr(w, err)
			return
		}
		exec = reloaded
	}

	httputil.WriteJSON(w, http.StatusOK, exec)
}

// HandleExecuteAsync handles POST /workflows/{id}/execute-async.
func (h *ExecutionHandler) HandleExecuteAsync(w http.ResponseWriter, r *http.Request) {
	if h.runner.IsDraining() {
		writeDraining(w)
		return
	}

	exec, ok := h.newExecution(r, w)
	if !ok {
		return
	}
	metrics.RecordExecutionStarted(string(exec.Mode), "async")

	if err := h.runner.Launch(exec.ID, exec.WorkflowID); err != nil {
		// Draining may have begun between the check above and Launch.
		if h.runner.IsDraining() {
			writeDraining(w)
			return
		}
		httputil.WriteErr(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"execution_id":  exec.ID,
		"workflow_id":   exec.WorkflowID,
		"status":        exec.Status,
		"tracking_url":  fmt.Sprintf("/executions/%s/status", exec.ID),
		"websocket_url": fmt.Sprintf("/ws/%s", exec.ID),
		"created_at":    exec.CreatedAt,
	})
}

// writeDraining rejects a launch during shutdown. Clients are expected
// to retry against a replacement instance.
func writeDraining(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "30")
	httputil.WriteError(w, http.StatusServiceUnavailable,
		"shutting down, not accepting new executions")
}

// clampPagination parses limit/offset query parameters, clamping limit
// to [1, 100] and offset to >= 0.
func clampPagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			offset = n
		}
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// HandleListExecutions handles GET /workflows/{id}/executions.
func (h *ExecutionHandler) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if _, err := h.store.GetWorkflow(r.Context(), workflowID); err != nil {
		httputil.WriteErr(w, err)
		return
	}

	limit, offset := clampPagination(r)
	includeContext := r.URL.Query().Get("include_context") == "true"

	execs, err := h.store.ListExecutions(r.Context(), workflowID, limit, offset)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	total, err := h.store.CountExecutions(r.Context(), workflowID)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}

	items := make([]map[string]any, len(execs))
	for i, exec := range execs {
		item := map[string]any{
			"id":              exec.ID,
			"workflow_id":     exec.WorkflowID,
			"status":          exec.Status,
			"mode":            exec.Mode,
			"current_step_id": exec.CurrentStepID,
			"created_at":      exec.CreatedAt,
			"updated_at":      exec.UpdatedAt,
		}
		if includeContext {
			item["context"] = exec.Context
		}
		items[i] = item
	}

	links := map[string]any{}
	if offset+limit < total {
		links["next"] = fmt.Sprintf("/workflows/%s/executions?limit=%d&offset=%d", workflowID, limit, offset+limit)
	}
	if offset > 0 {
		prev := offset - limit
		if prev < 0 {
			prev = 0
		}
		links["prev"] = fmt.Sprintf("/workflows/%s/executions?limit=%d&offset=%d", workflowID, limit, prev)
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"executions": items,
		"pagination": map[string]int{
			"total":  total,
			"limit":  limit,
			"offset": offset,
		},
		"links": links,
	})
}

// HandleStatus handles GET /executions/{id}/status. It is a pure read.
func (h *ExecutionHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	exec, err := h.store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	wf, err := h.store.GetWorkflow(r.Context(), exec.WorkflowID)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	steps, err := h.store.ListSteps(r.Context(), exec.WorkflowID)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	history, err := h.store.ListStepExecutions(r.Context(), exec.ID)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}

	completedSteps := map[string]struct{}{}
	failedSteps := 0
	for _, se := range history {
		switch se.Status {
		case store.StepStatusSuccess:
			completedSteps[se.StepID] = struct{}{}
		case store.StepStatusFailed:
			failedSteps++
		}
	}

	totalSteps := len(steps)
	percentage := 0.0
	if exec.Status == store.StatusCompleted {
		percentage = 100
	} else if totalSteps > 0 {
		percentage = float64(len(completedSteps)) / float64(totalSteps) * 100
	}

	var currentStep any
	if exec.CurrentStepID != nil {
		for _, st := range steps {
			if st.ID == *exec.CurrentStepID {
				currentStep = map[string]any{"id": st.ID, "name": st.Name, "order": st.Order}
			}
		}
	}

	var lastStep any
	if len(history) > 0 {
		last := history[len(history)-1]
		lastStep = map[string]any{
			"id":             last.ID,
			"step_id":        last.StepID,
			"status":         last.Status,
			"attempt":        last.Attempt,
			"output_payload": last.OutputPayload,
			"error":          last.ErrorMessage,
			"started_at":     last.StartedAt,
			"finished_at":    last.FinishedAt,
		}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"execution_id":  exec.ID,
		"workflow_id":   wf.ID,
		"workflow_name": wf.Name,
		"status":        exec.Status,
		"mode":          exec.Mode,
		"created_at":    exec.CreatedAt,
		"updated_at":    exec.UpdatedAt,
		"context":       exec.Context,
		"current_step":  currentStep,
		"progress": map[string]any{
			"total_steps":     totalSteps,
			"completed_steps": len(completedSteps),
			"failed_steps":    failedSteps,
			"percentage":      percentage,
			"is_completed":    exec.Status == store.StatusCompleted,
			"is_failed":       exec.Status == store.StatusFailed,
			"is_running":      exec.Status == store.StatusRunning,
		},
		"last_step": lastStep,
	})
}

// HandleListStepExecutions handles GET /executions/{id}/steps.
func (h *ExecutionHandler) HandleListStepExecutions(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	if _, err := h.store.GetExecution(r.Context(), executionID); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	history, err := h.store.ListStepExecutions(r.Context(), executionID)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, history)
}

// HandleNext handles POST /executions/{id}/next. Manual mode only.
func (h *ExecutionHandler) HandleNext(w http.ResponseWriter, r *http.Request) {
	exec, err := h.store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	if exec.Mode != store.ModeManual {
		httputil.WriteErr(w, &errors.InvariantError{
			Reason:  "mode_mismatch",
			Message: "manual stepping is only valid for manual-mode executions",
		})
		return
	}
	if exec.Status.Terminal() {
		httputil.WriteErr(w, &errors.InvariantError{
			Reason:  "execution_terminal",
			Message: fmt.Sprintf("execution is already %s", exec.Status),
		})
		return
	}

	outcome, err := h.engine.Advance(r.Context(), exec.ID)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	if outcome == engine.Blocked {
		httputil.WriteErr(w, &errors.ConflictError{
			Resource: "execution",
			Message:  "a step attempt is already running",
		})
		return
	}

	reloaded, err := h.store.GetExecution(r.Context(), exec.ID)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, reloaded)
}

// HandleStepProgress handles POST /executions/{id}/steps/{step_name}/progress.
// Worker-side handlers report mid-step progress which is fanned out to
// socket subscribers.
func (h *ExecutionHandler) HandleStepProgress(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	stepName := r.PathValue("step_name")

	if _, err := h.store.GetExecution(r.Context(), executionID); err != nil {
		httputil.WriteErr(w, err)
		return
	}

	progress := map[string]any{}
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &progress) {
			return
		}
	}

	h.broker.Publish(executionID, events.StepProgress(executionID, stepName, progress))
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStepComplete handles POST /executions/{id}/steps/{step_name}/complete.
func (h *ExecutionHandler) HandleStepComplete(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	stepName := r.PathValue("step_name")

	if _, err := h.store.GetExecution(r.Context(), executionID); err != nil {
		httputil.WriteErr(w, err)
		return
	}

	result := map[string]any{}
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &result) {
			return
		}
	}

	h.broker.Publish(executionID, events.StepCompleted(executionID, stepName, result))
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
