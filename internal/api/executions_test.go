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
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncExecute_Automatic(t *testing.T) {
	ts := newTestServer(t, map[string]map[string]any{
		"a": {"context": map[string]any{"x": 1}},
		"b": {"context": map[string]any{"x": 2}},
		"c": {"context": map[string]any{"x": 3}},
	})
	id := ts.createWorkflow(t, "w1", "automatic", linearSteps("a", "b", "c"))

	resp, body := ts.request(t, http.MethodPost, "/workflows/"+id+"/execute", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])

	ctx, ok := body["context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), ctx["x"])

	execID, _ := body["id"].(string)
	require.NotEmpty(t, execID)

	resp, _ = ts.request(t, http.MethodGet, "/executions/"+execID+"/steps", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"a", "b", "c"}, ts.stub.calls)
}

func TestSyncExecute_FailureReturns200(t *testing.T) {
	// The stub answers 500 for steps with no scripted reply.
	ts := newTestServer(t, map[string]map[string]any{})
	id := ts.createWorkflow(t, "w-fail", "automatic", linearSteps("a"))

	resp, body := ts.request(t, http.MethodPost, "/workflows/"+id+"/execute", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "failed", body["status"])
}

func TestManualStepping(t *testing.T) {
	ts := newTestServer(t, map[string]map[string]any{
		"m1": {"context": map[string]any{}},
		"m2": {"context": map[string]any{}},
	})
	id := ts.createWorkflow(t, "w4", "manual", linearSteps("m1", "m2"))

	resp, body := ts.request(t, http.MethodPost, "/workflows/"+id+"/execute", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["status"])
	assert.Nil(t, body["current_step_id"])
	execID := body["id"].(string)

	resp, body = ts.request(t, http.MethodPost, "/executions/"+execID+"/next", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["status"])
	assert.NotNil(t, body["current_step_id"])

	resp, body = ts.request(t, http.MethodPost, "/executions/"+execID+"/next", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])

	resp, body = ts.request(t, http.MethodPost, "/executions/"+execID+"/next", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "completed")
}

func TestNext_RejectedForAutomaticMode(t *testing.T) {
	ts := newTestServer(t, map[string]map[string]any{
		"a": {"context": map[string]any{}},
	})
	id := ts.createWorkflow(t, "w-auto", "automatic", linearSteps("a"))

	resp, body := ts.request(t, http.MethodPost, "/workflows/"+id+"/execute", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	execID := body["id"].(string)

	resp, _ = ts.request(t, http.MethodPost, "/executions/"+execID+"/next", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestExecuteAsync(t *testing.T) {
	ts := newTestServer(t, map[string]map[string]any{
		"a": {"context": map[string]any{"done": true}},
	})
	id := ts.createWorkflow(t, "w5", "automatic", linearSteps("a"))

	resp, body := ts.request(t, http.MethodPost, "/workflows/"+id+"/execute-async", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	execID, _ := body["execution_id"].(string)
	require.NotEmpty(t, execID)
	assert.Equal(t, id, body["workflow_id"])
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "/executions/"+execID+"/status", body["tracking_url"])
	assert.Equal(t, "/ws/"+execID, body["websocket_url"])
	assert.NotEmpty(t, body["created_at"])

	require.Eventually(t, func() bool {
		_, status := ts.request(t, http.MethodGet, "/executions/"+execID+"/status", nil)
		s, _ := status["status"].(string)
		return s == "completed"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestExecuteAsync_UnavailableWhileDraining(t *testing.T) {
	ts := newTestServer(t, map[string]map[string]any{
		"a": {"context": map[string]any{}},
	})
	id := ts.createWorkflow(t, "w5b", "automatic", linearSteps("a"))

	ts.runner.StartDraining()

	resp, body := ts.request(t, http.MethodPost, "/workflows/"+id+"/execute-async", map[string]any{})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Contains(t, body["error"], "shutting down")

	// No execution row should have been created for the rejected launch.
	_, execs := ts.request(t, http.MethodGet, "/workflows/"+id+"/executions", nil)
	pagination, _ := execs["pagination"].(map[string]any)
	assert.Equal(t, float64(0), pagination["total"])
}

func TestStatusResponseShape(t *testing.T) {
	ts := newTestServer(t, map[string]map[string]any{
		"a": {"context": map[string]any{"x": 1}},
		"b": {"context": map[string]any{"x": 2}},
	})
	id := ts.createWorkflow(t, "w-status", "automatic", linearSteps("a", "b"))

	resp, body := ts.request(t, http.MethodPost, "/workflows/"+id+"/execute", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	execID := body["id"].(string)

	resp, status := ts.request(t, http.MethodGet, "/executions/"+execID+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, execID, status["execution_id"])
	assert.Equal(t, id, status["workflow_id"])
	assert.Equal(t, "w-status", status["workflow_name"])
	assert.Equal(t, "completed", status["status"])

	progress, ok := status["progress"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), progress["total_steps"])
	assert.Equal(t, float64(2), progress["completed_steps"])
	assert.Equal(t, float64(0), progress["failed_steps"])
	assert.Equal(t, float64(100), progress["percentage"])
	assert.Equal(t, true, progress["is_completed"])
	assert.Equal(t, false, progress["is_running"])

	last, ok := status["last_step"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "success", last["status"])

	// Pure read: a second call answers identically.
	_, again := ts.request(t, http.MethodGet, "/executions/"+execID+"/status", nil)
	assert.Equal(t, status["status"], again["status"])
	assert.Equal(t, status["updated_at"], again["updated_at"])
}

func TestStatus_ScrubsBase64(t *testing.T) {
	ts := newTestServer(t, map[string]map[string]any{
		"a": {"context": map[string]any{}},
	})
	id := ts.createWorkflow(t, "w6", "automatic", linearSteps("a"))

	payload := strings.Repeat("A", 2048)
	resp, body := ts.request(t, http.MethodPost, "/workflows/"+id+"/execute", map[string]any{
		"base64":       payload,
		"uuid_proceso": "doc-9",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	execID := body["id"].(string)

	_, status := ts.request(t, http.MethodGet, "/executions/"+execID+"/status", nil)
	ctx, ok := status["context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[BASE64_CONTENT_REMOVED - Length: 2048 chars]", ctx["base64"])
	assert.Equal(t, "doc-9", ctx["uuid_proceso"])
}

func TestListExecutions_PaginationClamp(t *testing.T) {
	ts := newTestServer(t, map[string]map[string]any{
		"a": {"context": map[string]any{}},
	})
	id := ts.createWorkflow(t, "w-page", "manual", linearSteps("a"))

	for i := 0; i < 3; i++ {
		resp, _ := ts.request(t, http.MethodPost, "/workflows/"+id+"/execute", map[string]any{})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := ts.request(t, http.MethodGet,
		fmt.Sprintf("/workflows/%s/executions?limit=500&offset=-3", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	pagination, ok := body["pagination"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(100), pagination["limit"])
	assert.Equal(t, float64(0), pagination["offset"])
	assert.Equal(t, float64(3), pagination["total"])

	executions, ok := body["executions"].([]any)
	require.True(t, ok)
	assert.Len(t, executions, 3)
	// Context withheld unless requested.
	first := executions[0].(map[string]any)
	_, hasContext := first["context"]
	assert.False(t, hasContext)

	resp, body = ts.request(t, http.MethodGet,
		fmt.Sprintf("/workflows/%s/executions?limit=2&offset=0&include_context=true", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	links, ok := body["links"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, links["next"], "offset=2")
}

func TestStepProgressAndComplete(t *testing.T) {
	ts := newTestServer(t, map[string]map[string]any{
		"a": {"context": map[string]any{}},
	})
	id := ts.createWorkflow(t, "w-progress", "manual", linearSteps("a"))

	resp, body := ts.request(t, http.MethodPost, "/workflows/"+id+"/execute", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	execID := body["id"].(string)

	resp, body = ts.request(t, http.MethodPost,
		"/executions/"+execID+"/steps/a/progress",
		map[string]any{"percentage": 40, "message": "halfway-ish"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = ts.request(t, http.MethodPost,
		"/executions/"+execID+"/steps/a/complete",
		map[string]any{"success": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, _ = ts.request(t, http.MethodPost,
		"/executions/no-such-exec/steps/a/progress", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteWorkflow_RejectedWithRunningExecution(t *testing.T) {
	ts := newTestServer(t, map[string]map[string]any{
		"a": {"context": map[string]any{}},
	})
	id := ts.createWorkflow(t, "w-del", "manual", linearSteps("a"))

	resp, _ := ts.request(t, http.MethodPost, "/workflows/"+id+"/execute", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.request(t, http.MethodDelete, "/workflows/"+id, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
