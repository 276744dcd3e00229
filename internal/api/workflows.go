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
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tombee/discovery/internal/httputil"
	"github.com/tombee/discovery/internal/store"
	"github.com/tombee/discovery/internal/worker"
)

// maxBodySize bounds request bodies. Contexts can carry document
// payloads, so this is deliberately generous.
const maxBodySize = 32 << 20

// WorkflowHandler serves workflow and step CRUD plus the worker step
// catalog proxy.
type WorkflowHandler struct {
	store  *store.Store
	worker *worker.Client
	logger *slog.Logger
}

type stepRequest struct {
	Name       string `json:"name"`
	Handler    string `json:"handler,omitempty"`
	Order      int    `json:"order"`
	MaxVisits  int    `json:"max_visits"`
	IsTerminal bool   `json:"is_terminal,omitempty"`
}

func (s stepRequest) toStep() *store.Step {
	maxVisits := s.MaxVisits
	if maxVisits == 0 {
		maxVisits = 1
	}
	return &store.Step{
		Name:       s.Name,
		Handler:    s.Handler,
		Order:      s.Order,
		MaxVisits:  maxVisits,
		IsTerminal: s.IsTerminal,
	}
}

type createWorkflowRequest struct {
	Name  string        `json:"name"`
	Mode  string        `json:"mode"`
	Steps []stepRequest `json:"steps"`
}

type workflowResponse struct {
	*store.Workflow
	Steps []*store.Step `json:"steps"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(dst); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// HandleCreate handles POST /workflows.
func (h *WorkflowHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if !decodeBody(w, r, &req) {
		return
	}

	steps := make([]*store.Step, len(req.Steps))
	for i, sr := range req.Steps {
		steps[i] = sr.toStep()
	}

	wf := &store.Workflow{Name: req.Name, Mode: store.Mode(req.Mode)}
	if err := h.store.CreateWorkflow(r.Context(), wf, steps); err != nil {
		httputil.WriteErr(w, err)
		return
	}

	h.logger.Info("Workflow created",
		slog.String("workflow_id", wf.ID),
		slog.String("name", wf.Name),
		slog.Int("steps", len(steps)))

	created, err := h.store.ListSteps(r.Context(), wf.ID)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, workflowResponse{Workflow: wf, Steps: created})
}

// HandleList handles GET /workflows.
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.store.ListWorkflows(r.Context())
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, workflows)
}

// HandleGet handles GET /workflows/{id}.
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, err := h.store.GetWorkflow(r.Context(), id)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	steps, err := h.store.ListSteps(r.Context(), id)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, workflowResponse{Workflow: wf, Steps: steps})
}

// HandlePatch handles PATCH /workflows/{id}.
func (h *WorkflowHandler) HandlePatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name *string `json:"name"`
		Mode *string `json:"mode"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	patch := store.WorkflowPatch{Name: req.Name}
	if req.Mode != nil {
		mode := store.Mode(*req.Mode)
		patch.Mode = &mode
	}

	wf, err := h.store.UpdateWorkflow(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wf)
}

// HandleDelete handles DELETE /workflows/{id}.
func (h *WorkflowHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteWorkflow(r.Context(), r.PathValue("id")); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAddStep handles POST /workflows/{id}/steps.
func (h *WorkflowHandler) HandleAddStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if !decodeBody(w, r, &req) {
		return
	}

	workflowID := r.PathValue("id")
	if _, err := h.store.GetWorkflow(r.Context(), workflowID); err != nil {
		httputil.WriteErr(w, err)
		return
	}

	st := req.toStep()
	st.WorkflowID = workflowID
	if err := h.store.CreateStep(r.Context(), st); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

// HandleListSteps handles GET /workflows/{id}/steps.
func (h *WorkflowHandler) HandleListSteps(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if _, err := h.store.GetWorkflow(r.Context(), workflowID); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	steps, err := h.store.ListSteps(r.Context(), workflowID)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, steps)
}

// HandleGetStep handles GET /steps/{id}.
func (h *WorkflowHandler) HandleGetStep(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.GetStep(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

// HandlePatchStep handles PATCH /steps/{id}.
func (h *WorkflowHandler) HandlePatchStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       *string `json:"name"`
		Handler    *string `json:"handler"`
		Order      *int    `json:"order"`
		MaxVisits  *int    `json:"max_visits"`
		IsTerminal *bool   `json:"is_terminal"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	st, err := h.store.UpdateStep(r.Context(), r.PathValue("id"), store.StepPatch{
		Name:       req.Name,
		Handler:    req.Handler,
		Order:      req.Order,
		MaxVisits:  req.MaxVisits,
		IsTerminal: req.IsTerminal,
	})
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

// HandleDeleteStep handles DELETE /steps/{id}.
func (h *WorkflowHandler) HandleDeleteStep(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteStep(r.Context(), r.PathValue("id")); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAvailableSteps handles GET /available-steps by proxying the
// worker's step catalog.
func (h *WorkflowHandler) HandleAvailableSteps(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "worker not configured")
		return
	}
	raw, err := h.worker.AvailableSteps(r.Context())
	if err != nil {
		httputil.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}
