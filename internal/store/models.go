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

package store

import "time"

// Mode selects how an execution advances through its steps.
type Mode string

const (
	// ModeManual requires an explicit API call per step transition.
	ModeManual Mode = "manual"
	// ModeAutomatic advances until a terminal state is reached.
	ModeAutomatic Mode = "automatic"
)

// Valid reports whether m is a recognized mode.
func (m Mode) Valid() bool {
	return m == ModeManual || m == ModeAutomatic
}

// ExecutionStatus is the lifecycle status of an execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	// StatusPaused is representable in storage but no code path produces it.
	StatusPaused ExecutionStatus = "paused"
)

// Terminal reports whether the status is a one-way sink.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepExecutionStatus is the status of one step attempt.
type StepExecutionStatus string

const (
	StepStatusPending StepExecutionStatus = "pending"
	StepStatusRunning StepExecutionStatus = "running"
	StepStatusSuccess StepExecutionStatus = "success"
	StepStatusFailed  StepExecutionStatus = "failed"
	StepStatusSkipped StepExecutionStatus = "skipped"
)

// Workflow is a named ordered collection of steps plus a default mode.
type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Mode      Mode      `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is a single action in a workflow.
type Step struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	Name       string `json:"name"`

	// Handler is the worker-side handler identifier. Empty means the step
	// name doubles as the handler name.
	Handler string `json:"handler,omitempty"`

	// Order drives default sequencing; ties break by id.
	Order int `json:"order"`

	// MaxVisits caps how many times this step may be entered within one
	// execution. Always >= 1.
	MaxVisits int `json:"max_visits"`

	// IsTerminal marks a step whose successful completion finishes the
	// workflow regardless of remaining steps.
	IsTerminal bool `json:"is_terminal"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HandlerName returns the worker handler id for this step.
func (s *Step) HandlerName() string {
	if s.Handler != "" {
		return s.Handler
	}
	return s.Name
}

// Execution is one run of one workflow.
type Execution struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	Status        ExecutionStatus `json:"status"`
	Mode          Mode            `json:"mode"`
	CurrentStepID *string         `json:"current_step_id"`

	// Context is the evolving JSON document passed to every step. It always
	// carries execution_id and may carry dynamic_properties and the
	// next_step_name routing hint.
	Context map[string]any `json:"context"`

	AdditionalData map[string]any `json:"additional_data,omitempty"`
	CustomStatus   string         `json:"custom_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// StepExecution is one attempt of one step within one execution.
type StepExecution struct {
	ID          string              `json:"id"`
	StepID      string              `json:"step_id"`
	WorkflowID  string              `json:"workflow_id"`
	ExecutionID string              `json:"execution_id"`
	Status      StepExecutionStatus `json:"status"`

	// Attempt is 1-based and never exceeds the step's MaxVisits.
	Attempt int `json:"attempt"`

	InputPayload  map[string]any `json:"input_payload,omitempty"`
	OutputPayload map[string]any `json:"output_payload,omitempty"`
	ErrorMessage  string         `json:"error,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// WorkflowPatch carries the mutable workflow fields for partial update.
// Nil fields are left unchanged.
type WorkflowPatch struct {
	Name *string
	Mode *Mode
}

// StepPatch carries the mutable step fields for partial update.
// Nil fields are left unchanged.
type StepPatch struct {
	Name       *string
	Handler    *string
	Order      *int
	MaxVisits  *int
	IsTerminal *bool
}

// ContextKey constants for the well-known context fields.
const (
	ContextKeyExecutionID       = "execution_id"
	ContextKeyDynamicProperties = "dynamic_properties"
	ContextKeyNextStepName      = "next_step_name"
)
