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

// Package client is the HTTP client the discovery CLI uses to talk to a
// running discoveryd.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/discovery/internal/store"
	"github.com/tombee/discovery/pkg/httpclient"
)

// DefaultServerURL is used when --server is not given.
const DefaultServerURL = "http://localhost:8080"

// Client talks to the discoveryd HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the daemon at baseURL.
func New(baseURL string) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultServerURL
	}
	hc, err := httpclient.New(httpclient.Config{
		Timeout:   30 * time.Minute, // synchronous execute can run long
		UserAgent: "discovery-cli/1.0",
	})
	if err != nil {
		return nil, err
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}, nil
}

// BaseURL returns the configured daemon address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SocketURL returns the websocket address for an execution.
func (c *Client) SocketURL(executionID string) string {
	ws := strings.Replace(c.baseURL, "http", "ws", 1)
	return fmt.Sprintf("%s/ws/%s", ws, executionID)
}

// apiError is the daemon's error envelope.
type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting daemon at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// WorkflowSpec is the YAML shape of a workflow definition file.
type WorkflowSpec struct {
	Name  string     `yaml:"name" json:"name"`
	Mode  string     `yaml:"mode" json:"mode"`
	Steps []StepSpec `yaml:"steps" json:"steps"`
}

// StepSpec is one step in a workflow definition file.
type StepSpec struct {
	Name       string `yaml:"name" json:"name"`
	Handler    string `yaml:"handler,omitempty" json:"handler,omitempty"`
	Order      int    `yaml:"order" json:"order"`
	MaxVisits  int    `yaml:"max_visits" json:"max_visits"`
	IsTerminal bool   `yaml:"is_terminal,omitempty" json:"is_terminal,omitempty"`
}

// Workflow is a workflow as returned by the daemon.
type Workflow struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Mode      string        `json:"mode"`
	Steps     []*store.Step `json:"steps,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// AsyncLaunch is the daemon's response to execute-async.
type AsyncLaunch struct {
	ExecutionID  string    `json:"execution_id"`
	WorkflowID   string    `json:"workflow_id"`
	Status       string    `json:"status"`
	TrackingURL  string    `json:"tracking_url"`
	WebsocketURL string    `json:"websocket_url"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateWorkflow defines a workflow with its steps.
func (c *Client) CreateWorkflow(ctx context.Context, spec WorkflowSpec) (*Workflow, error) {
	var wf Workflow
	if err := c.do(ctx, http.MethodPost, "/workflows", spec, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ListWorkflows returns all workflows.
func (c *Client) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	var workflows []*Workflow
	if err := c.do(ctx, http.MethodGet, "/workflows", nil, &workflows); err != nil {
		return nil, err
	}
	return workflows, nil
}

// GetWorkflow returns one workflow with its steps.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	if err := c.do(ctx, http.MethodGet, "/workflows/"+id, nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// DeleteWorkflow removes a workflow and its steps.
func (c *Client) DeleteWorkflow(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/workflows/"+id, nil, nil)
}

// Execute runs a workflow synchronously and returns the terminal
// execution (or the freshly created one for manual mode).
func (c *Client) Execute(ctx context.Context, workflowID string, body map[string]any) (*store.Execution, error) {
	if body == nil {
		body = map[string]any{}
	}
	var exec store.Execution
	if err := c.do(ctx, http.MethodPost, "/workflows/"+workflowID+"/execute", body, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ExecuteAsync launches a workflow in the background.
func (c *Client) ExecuteAsync(ctx context.Context, workflowID string, body map[string]any) (*AsyncLaunch, error) {
	if body == nil {
		body = map[string]any{}
	}
	var launch AsyncLaunch
	if err := c.do(ctx, http.MethodPost, "/workflows/"+workflowID+"/execute-async", body, &launch); err != nil {
		return nil, err
	}
	return &launch, nil
}

// Status returns the rich status document for an execution.
func (c *Client) Status(ctx context.Context, executionID string) (map[string]any, error) {
	var status map[string]any
	if err := c.do(ctx, http.MethodGet, "/executions/"+executionID+"/status", nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}

// Next advances a manual execution by one step.
func (c *Client) Next(ctx context.Context, executionID string) (*store.Execution, error) {
	var exec store.Execution
	if err := c.do(ctx, http.MethodPost, "/executions/"+executionID+"/next", nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}
