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
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/discovery/internal/broker"
	"github.com/tombee/discovery/internal/engine"
	"github.com/tombee/discovery/internal/runner"
	"github.com/tombee/discovery/internal/store"
	"github.com/tombee/discovery/internal/worker"
)

// workerStub is a scripted remote step worker.
type workerStub struct {
	mu      sync.Mutex
	calls   []string
	replies map[string]map[string]any
}

func (ws *workerStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /steps", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"steps": []string{"fetch_user", "approve_user"}})
	})
	mux.HandleFunc("POST /steps/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		ws.mu.Lock()
		ws.calls = append(ws.calls, name)
		reply, ok := ws.replies[name]
		ws.mu.Unlock()
		if !ok {
			http.Error(w, "unknown step", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(reply)
	})
	return mux
}

type testServer struct {
	srv    *httptest.Server
	store  *store.Store
	broker *broker.Broker
	runner *runner.Runner
	stub   *workerStub
}

func newTestServer(t *testing.T, replies map[string]map[string]any) *testServer {
	t.Helper()

	stub := &workerStub{replies: replies}
	workerSrv := httptest.NewServer(stub.handler())
	t.Cleanup(workerSrv.Close)

	wcfg := worker.DefaultConfig()
	wcfg.BaseURL = workerSrv.URL
	wk, err := worker.New(wcfg)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "discovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	br := broker.New(nil)
	eng := engine.New(st, wk, br, nil)
	run := runner.New(runner.Config{MaxParallel: 4}, eng, st, br, nil)
	t.Cleanup(run.Stop)

	router := NewRouter(RouterConfig{Version: "test"}, st, eng, run, br, wk, nil)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, store: st, broker: br, runner: run, stub: stub}
}

func (ts *testServer) request(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &decoded))
	}
	return resp, decoded
}

// createWorkflow defines a workflow over the API and returns its id.
func (ts *testServer) createWorkflow(t *testing.T, name, mode string, steps []map[string]any) string {
	t.Helper()
	resp, body := ts.request(t, http.MethodPost, "/workflows", map[string]any{
		"name":  name,
		"mode":  mode,
		"steps": steps,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func linearSteps(names ...string) []map[string]any {
	steps := make([]map[string]any, len(names))
	for i, name := range names {
		steps[i] = map[string]any{"name": name, "order": i + 1, "max_visits": 1}
	}
	return steps
}
