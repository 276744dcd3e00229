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

// Package worker invokes remote step handlers over HTTP. One invocation
// maps to exactly one POST; there is no retry at this layer.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/discovery/pkg/errors"
	"github.com/tombee/discovery/pkg/httpclient"
)

// DefaultBaseURL is the worker endpoint used when WORKER_BASE_URL is unset.
const DefaultBaseURL = "http://pioneer:8094/pioneer"

// DefaultStepTimeout applies to steps without an explicit timeout entry.
const DefaultStepTimeout = 700 * time.Second

// defaultTimeouts carries the per-step invocation deadlines, keyed by
// handler name.
var defaultTimeouts = map[string]time.Duration{
	"fetch_user":     600 * time.Second,
	"validate_user":  600 * time.Second,
	"transform_data": 600 * time.Second,
	"approve_user":   990 * time.Second,
}

// Config configures the worker client.
type Config struct {
	// BaseURL is the worker base endpoint, e.g. http://pioneer:8094/pioneer.
	BaseURL string

	// Timeouts overrides per-step deadlines; unknown steps fall back to
	// DefaultTimeout.
	Timeouts map[string]time.Duration

	// DefaultTimeout applies to steps not present in Timeouts.
	DefaultTimeout time.Duration
}

// DefaultConfig returns the built-in worker configuration.
func DefaultConfig() Config {
	timeouts := make(map[string]time.Duration, len(defaultTimeouts))
	for k, v := range defaultTimeouts {
		timeouts[k] = v
	}
	return Config{
		BaseURL:        DefaultBaseURL,
		Timeouts:       timeouts,
		DefaultTimeout: DefaultStepTimeout,
	}
}

// Result is a successful handler response: a context patch to merge and an
// optional routing hint. An empty Next means "fall through by order".
type Result struct {
	ContextPatch map[string]any
	Next         string
}

// invokeRequest is the wire body posted to the worker.
type invokeRequest struct {
	Step    string         `json:"step"`
	Context map[string]any `json:"context"`
	Config  map[string]any `json:"config"`
}

// invokeResponse is the wire body returned by the worker.
type invokeResponse struct {
	Context map[string]any `json:"context"`
	Next    string         `json:"next"`
}

// Client invokes remote step handlers. One Client instance is shared across
// all executions; the connection pool is sized by the environment.
type Client struct {
	http *http.Client
	cfg  Config
}

// New creates a worker client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultStepTimeout
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = DefaultConfig().Timeouts
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	hc, err := httpclient.New(httpclient.Config{
		Timeout:   cfg.DefaultTimeout + time.Minute,
		UserAgent: "discoveryd/1.0",
	})
	if err != nil {
		return nil, err
	}
	return &Client{http: hc, cfg: cfg}, nil
}

// StepTimeout returns the invocation deadline for a handler name.
func (c *Client) StepTimeout(step string) time.Duration {
	if d, ok := c.cfg.Timeouts[step]; ok {
		return d
	}
	return c.cfg.DefaultTimeout
}

// Invoke posts {step, context, config} to the worker and decodes the
// response. Non-2xx responses, transport failures, and deadline expiry all
// surface as *errors.RemoteStepError with a structured reason.
func (c *Client) Invoke(ctx context.Context, step string, execContext, config map[string]any) (*Result, error) {
	body, err := json.Marshal(invokeRequest{Step: step, Context: execContext, Config: config})
	if err != nil {
		return nil, &errors.RemoteStepError{Step: step, Reason: "transport", Message: "encoding request body", Cause: err}
	}

	timeout := c.StepTimeout(step)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("%s/steps/%s", c.cfg.BaseURL, step)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &errors.RemoteStepError{Step: step, Reason: "transport", Message: "building request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errors.RemoteStepError{
				Step:   step,
				Reason: "timeout",
				Cause:  &errors.TimeoutError{Operation: "worker step " + step, Duration: timeout, Cause: err},
			}
		}
		return nil, &errors.RemoteStepError{Step: step, Reason: "transport", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &errors.RemoteStepError{
			Step:       step,
			Reason:     "http_status",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(snippet)),
		}
	}

	var decoded invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &errors.RemoteStepError{Step: step, Reason: "transport", Message: "decoding response body", Cause: err}
	}

	return &Result{ContextPatch: decoded.Context, Next: decoded.Next}, nil
}

// AvailableSteps fetches the step catalog the worker exposes and returns the
// raw JSON document.
func (c *Client) AvailableSteps(ctx context.Context) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/steps", nil)
	if err != nil {
		return nil, errors.Wrap(err, "building available-steps request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching available steps")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Wrapf(errors.New(resp.Status), "worker returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "reading available steps")
	}
	return json.RawMessage(data), nil
}
