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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid request bodies, malformed fields, or out-of-range
// parameters. Validation failures never mutate state.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested workflow, step, or execution does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "step", "execution")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// InvariantError represents an operation that would break an execution
// invariant: advancing a terminal execution, calling manual advance on an
// automatic execution, or exceeding a step's visit cap.
type InvariantError struct {
	// Reason is a stable machine-readable reason code
	// (e.g., "execution_terminal", "max_visits_exceeded", "mode_mismatch")
	Reason string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}
	return e.Reason
}

// ConflictError represents a write that conflicts with existing state,
// such as deleting a workflow that still has non-terminal executions.
type ConflictError struct {
	// Resource is the type of resource in conflict
	Resource string

	// Message describes the conflict
	Message string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Message)
}

// RemoteStepError represents a failed invocation of a worker-side step
// handler: a transport failure, a non-2xx response, or a read timeout.
type RemoteStepError struct {
	// Step is the step name that was being invoked
	Step string

	// Reason classifies the failure: "transport", "http_status", or "timeout"
	Reason string

	// StatusCode is the HTTP status code (if Reason is "http_status")
	StatusCode int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *RemoteStepError) Error() string {
	msg := fmt.Sprintf("remote step %s failed (%s)", e.Step, e.Reason)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RemoteStepError) Unwrap() error {
	return e.Cause
}

// StorageError represents an unavailable or conflicting persistence write.
// The execution remains in whatever last-committed state it held.
type StorageError struct {
	// Operation describes the gateway operation that failed
	Operation string

	// Cause is the underlying driver error
	Cause error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "DATABASE_URL")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "worker step", "drain")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
