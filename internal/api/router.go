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

// Package api provides the HTTP control surface for discoveryd.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/discovery/internal/broker"
	"github.com/tombee/discovery/internal/engine"
	"github.com/tombee/discovery/internal/httputil"
	"github.com/tombee/discovery/internal/runner"
	"github.com/tombee/discovery/internal/store"
	"github.com/tombee/discovery/internal/worker"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// Router wraps an http.ServeMux with request logging.
type Router struct {
	mux    *http.ServeMux
	config RouterConfig
	logger *slog.Logger
	runner *runner.Runner
}

// NewRouter creates the HTTP router with all endpoints registered.
func NewRouter(cfg RouterConfig, st *store.Store, eng *engine.Engine, run *runner.Runner, br *broker.Broker, wk *worker.Client, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
		logger: logger,
		runner: run,
	}

	workflows := &WorkflowHandler{store: st, worker: wk, logger: logger}
	executions := &ExecutionHandler{store: st, engine: eng, runner: run, broker: br, logger: logger}
	progress := &ProgressHandler{store: st, broker: br, logger: logger}

	r.mux.HandleFunc("POST /workflows", workflows.HandleCreate)
	r.mux.HandleFunc("GET /workflows", workflows.HandleList)
	r.mux.HandleFunc("GET /workflows/{id}", workflows.HandleGet)
	r.mux.HandleFunc("PATCH /workflows/{id}", workflows.HandlePatch)
	r.mux.HandleFunc("DELETE /workflows/{id}", workflows.HandleDelete)
	r.mux.HandleFunc("POST /workflows/{id}/steps", workflows.HandleAddStep)
	r.mux.HandleFunc("GET /workflows/{id}/steps", workflows.HandleListSteps)
	r.mux.HandleFunc("GET /steps/{id}", workflows.HandleGetStep)
	r.mux.HandleFunc("PATCH /steps/{id}", workflows.HandlePatchStep)
	r.mux.HandleFunc("DELETE /steps/{id}", workflows.HandleDeleteStep)
	r.mux.HandleFunc("GET /available-steps", workflows.HandleAvailableSteps)

	r.mux.HandleFunc("POST /workflows/{id}/execute", executions.HandleExecute)
	r.mux.HandleFunc("POST /workflows/{id}/execute-async", executions.HandleExecuteAsync)
	r.mux.HandleFunc("GET /workflows/{id}/executions", executions.HandleListExecutions)
	r.mux.HandleFunc("GET /executions/{id}/status", executions.HandleStatus)
	r.mux.HandleFunc("GET /executions/{id}/steps", executions.HandleListStepExecutions)
	r.mux.HandleFunc("POST /executions/{id}/next", executions.HandleNext)
	r.mux.HandleFunc("POST /executions/{id}/steps/{step_name}/progress", executions.HandleStepProgress)
	r.mux.HandleFunc("POST /executions/{id}/steps/{step_name}/complete", executions.HandleStepComplete)

	r.mux.HandleFunc("GET /ws/{execution_id}", progress.HandleSocket)

	r.mux.Handle("GET /metrics", promhttp.Handler())
	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /version", r.handleVersion)
	r.mux.HandleFunc("GET /", r.handleRoot)

	return r
}

// ServeHTTP implements http.Handler with request logging applied.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	defer func() {
		r.logger.Info("request completed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}()
	r.mux.ServeHTTP(w, req)
}

// handleRoot handles GET / for basic connectivity.
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		httputil.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "discoveryd",
		"version": r.config.Version,
	})
}

// handleHealth reports liveness plus runner drain state.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := "ok"
	draining := false
	active := 0
	if r.runner != nil {
		draining = r.runner.IsDraining()
		active = r.runner.ActiveCount()
		if draining {
			status = "draining"
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":            status,
		"draining":          draining,
		"active_executions": active,
	})
}

// handleVersion reports build information.
func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    r.config.Version,
		"commit":     r.config.Commit,
		"build_date": r.config.BuildDate,
	})
}
