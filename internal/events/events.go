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

// Package events defines the progress event envelope broadcast over the
// per-execution socket. Each event is a single flat JSON object carrying an
// "event" discriminator.
package events

import "time"

// Event types emitted over the progress channel.
const (
	TypeWorkflowStarted   = "workflow_started"
	TypeStepStarted       = "step_started"
	TypeStepProgress      = "step_progress"
	TypeStepFinished      = "step_finished"
	TypeStepCompleted     = "step_completed"
	TypeStepError         = "step_error"
	TypeMaxVisitsExceeded = "max_visits_exceeded"
	TypeWorkflowCompleted = "workflow_completed"
	TypeWorkflowFailed    = "workflow_failed"
	TypeWorkflowError     = "workflow_error"
)

// Event is a single progress message. It marshals to a flat JSON object
// with an "event" discriminator.
type Event map[string]any

// Type returns the event discriminator, or "" if unset.
func (e Event) Type() string {
	t, _ := e["event"].(string)
	return t
}

// StepRef identifies a step inside event payloads.
type StepRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}

// StepSummary summarizes one finished step attempt.
type StepSummary struct {
	Attempt    int    `json:"attempt"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
}

// WorkflowStarted is emitted once when an async execution begins.
func WorkflowStarted(executionID, workflowID string) Event {
	return Event{
		"event":        TypeWorkflowStarted,
		"execution_id": executionID,
		"workflow_id":  workflowID,
	}
}

// StepStarted is emitted when a step attempt is claimed.
func StepStarted(step StepRef) Event {
	return Event{
		"event": TypeStepStarted,
		"step":  step,
	}
}

// StepProgress is emitted when a worker-side handler reports progress.
func StepProgress(executionID, stepName string, progress map[string]any) Event {
	return Event{
		"event":        TypeStepProgress,
		"execution_id": executionID,
		"step_name":    stepName,
		"progress":     progress,
	}
}

// StepFinished is emitted after a step attempt succeeds. context must
// already be the websocket-safe projection.
func StepFinished(step StepRef, safeContext map[string]any, summary StepSummary) Event {
	return Event{
		"event":        TypeStepFinished,
		"step":         step,
		"context":      safeContext,
		"step_summary": summary,
	}
}

// StepCompleted is emitted when a worker-side handler reports completion
// out of band.
func StepCompleted(executionID, stepName string, result map[string]any) Event {
	return Event{
		"event":        TypeStepCompleted,
		"execution_id": executionID,
		"step_name":    stepName,
		"result":       result,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}
}

// StepError is emitted when a step attempt fails.
func StepError(step StepRef, errMsg string) Event {
	return Event{
		"event": TypeStepError,
		"step":  step,
		"error": errMsg,
	}
}

// MaxVisitsExceeded is emitted when a step would exceed its visit cap.
func MaxVisitsExceeded(step StepRef) Event {
	return Event{
		"event": TypeMaxVisitsExceeded,
		"step":  step,
	}
}

// WorkflowCompleted is emitted once when an execution reaches completed.
// finalContext must already be the websocket-safe projection.
func WorkflowCompleted(executionID string, finalContext map[string]any, summary map[string]any) Event {
	return Event{
		"event":         TypeWorkflowCompleted,
		"execution_id":  executionID,
		"final_context": finalContext,
		"summary":       summary,
	}
}

// WorkflowFailed is emitted once when an execution reaches failed through
// a step failure or visit cap breach.
func WorkflowFailed(executionID string, finalContext map[string]any, errorSummary string) Event {
	return Event{
		"event":         TypeWorkflowFailed,
		"execution_id":  executionID,
		"final_context": finalContext,
		"error_summary": errorSummary,
	}
}

// WorkflowError is emitted when the async runner hits an unexpected error
// outside normal step failure handling.
func WorkflowError(executionID, errMsg string, finalContext map[string]any, details map[string]any) Event {
	return Event{
		"event":         TypeWorkflowError,
		"execution_id":  executionID,
		"error":         errMsg,
		"final_context": finalContext,
		"error_details": details,
	}
}
