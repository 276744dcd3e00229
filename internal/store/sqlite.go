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

// Package store is the typed persistence gateway for workflows, steps,
// executions, and step executions. All JSON payloads are scrubbed of bulk
// base64 content before they reach a column.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/discovery/internal/scrub"
	"github.com/tombee/discovery/pkg/errors"
)

// Store provides typed reads and writes over the relational schema.
//
// Features:
//   - WAL mode for concurrent readers
//   - immediate transactions so the visit-cap claim serializes writers
//   - foreign key constraints enabled
//   - RFC 3339 timestamps stored as TEXT
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and runs
// migrations. The path is the DATABASE_URL value with any sqlite:// scheme
// prefix stripped.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, &errors.ConfigError{Key: "DATABASE_URL", Reason: "database path is required"}
	}
	path = strings.TrimPrefix(path, "sqlite://")

	// _pragma is the modernc driver's syntax for per-connection pragmas.
	// _txlock=immediate makes every write transaction take the write lock up
	// front, which is what serializes concurrent visit-cap claims.
	connStr := path + "?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			mode TEXT NOT NULL CHECK (mode IN ('manual', 'automatic')),
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			handler TEXT NOT NULL DEFAULT '',
			step_order INTEGER NOT NULL,
			max_visits INTEGER NOT NULL CHECK (max_visits >= 1),
			is_terminal INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			status TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed', 'paused')),
			mode TEXT NOT NULL CHECK (mode IN ('manual', 'automatic')),
			current_step_id TEXT,
			context TEXT NOT NULL DEFAULT '{}',
			additional_data TEXT,
			custom_status TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS step_executions (
			id TEXT PRIMARY KEY,
			step_id TEXT NOT NULL REFERENCES steps(id),
			workflow_id TEXT NOT NULL,
			execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			status TEXT NOT NULL CHECK (status IN ('pending', 'running', 'success', 'failed', 'skipped')),
			attempt INTEGER NOT NULL,
			input_payload TEXT,
			output_payload TEXT,
			error TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			finished_at TEXT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_steps_workflow_order
			ON steps(workflow_id, step_order)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow
			ON executions(workflow_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_step_executions_execution
			ON step_executions(execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_step_executions_execution_step
			ON step_executions(execution_id, step_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// --- Workflows ---

// CreateWorkflow inserts a workflow and its initial steps in one transaction.
func (s *Store) CreateWorkflow(ctx context.Context, wf *Workflow, steps []*Step) error {
	if wf.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if wf.Mode == "" {
		wf.Mode = ModeManual
	}
	if !wf.Mode.Valid() {
		return &errors.ValidationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", wf.Mode)}
	}
	for _, st := range steps {
		if err := validateStep(st); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	wf.CreatedAt = now
	wf.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.StorageError{Operation: "CreateWorkflow", Cause: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, name, mode, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, string(wf.Mode), formatTime(now), formatTime(now))
	if err != nil {
		return &errors.StorageError{Operation: "CreateWorkflow", Cause: err}
	}

	for _, st := range steps {
		st.ID = uuid.NewString()
		st.WorkflowID = wf.ID
		st.CreatedAt = now
		st.UpdatedAt = now
		if err := insertStep(ctx, tx, st); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.StorageError{Operation: "CreateWorkflow", Cause: err}
	}
	return nil
}

// GetWorkflow retrieves a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, mode, created_at, updated_at FROM workflows WHERE id = ?`, id)

	var wf Workflow
	var mode, createdAt, updatedAt string
	if err := row.Scan(&wf.ID, &wf.Name, &mode, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
		}
		return nil, &errors.StorageError{Operation: "GetWorkflow", Cause: err}
	}
	wf.Mode = Mode(mode)
	wf.CreatedAt = parseTime(createdAt)
	wf.UpdatedAt = parseTime(updatedAt)
	return &wf, nil
}

// ListWorkflows returns all workflows ordered by creation time.
func (s *Store) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, mode, created_at, updated_at FROM workflows ORDER BY created_at, id`)
	if err != nil {
		return nil, &errors.StorageError{Operation: "ListWorkflows", Cause: err}
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		var wf Workflow
		var mode, createdAt, updatedAt string
		if err := rows.Scan(&wf.ID, &wf.Name, &mode, &createdAt, &updatedAt); err != nil {
			return nil, &errors.StorageError{Operation: "ListWorkflows", Cause: err}
		}
		wf.Mode = Mode(mode)
		wf.CreatedAt = parseTime(createdAt)
		wf.UpdatedAt = parseTime(updatedAt)
		out = append(out, &wf)
	}
	return out, rows.Err()
}

// UpdateWorkflow applies a partial update. An empty patch is a no-op that
// still returns the current row.
func (s *Store) UpdateWorkflow(ctx context.Context, id string, patch WorkflowPatch) (*Workflow, error) {
	if patch.Name != nil && *patch.Name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if patch.Mode != nil && !patch.Mode.Valid() {
		return nil, &errors.ValidationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", *patch.Mode)}
	}

	if patch.Name == nil && patch.Mode == nil {
		return s.GetWorkflow(ctx, id)
	}

	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now().UTC())}
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Mode != nil {
		sets = append(sets, "mode = ?")
		args = append(args, string(*patch.Mode))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE workflows SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, &errors.StorageError{Operation: "UpdateWorkflow", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return s.GetWorkflow(ctx, id)
}

// DeleteWorkflow deletes a workflow and its steps. Deletion is rejected
// while the workflow has non-terminal executions.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.StorageError{Operation: "DeleteWorkflow", Cause: err}
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE workflow_id = ? AND status IN ('running', 'paused')`,
		id).Scan(&active)
	if err != nil {
		return &errors.StorageError{Operation: "DeleteWorkflow", Cause: err}
	}
	if active > 0 {
		return &errors.ConflictError{
			Resource: "workflow",
			Message:  fmt.Sprintf("%d execution(s) still active", active),
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return &errors.StorageError{Operation: "DeleteWorkflow", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: id}
	}

	if err := tx.Commit(); err != nil {
		return &errors.StorageError{Operation: "DeleteWorkflow", Cause: err}
	}
	return nil
}

// --- Steps ---

func validateStep(st *Step) error {
	if st.Name == "" {
		return &errors.ValidationError{Field: "steps.name", Message: "must not be empty"}
	}
	if st.MaxVisits < 1 {
		return &errors.ValidationError{Field: "steps.max_visits", Message: "must be >= 1"}
	}
	return nil
}

func insertStep(ctx context.Context, tx *sql.Tx, st *Step) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO steps (id, workflow_id, name, handler, step_order, max_visits, is_terminal, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.WorkflowID, st.Name, st.Handler, st.Order, st.MaxVisits,
		boolToInt(st.IsTerminal), formatTime(st.CreatedAt), formatTime(st.UpdatedAt))
	if err != nil {
		return &errors.StorageError{Operation: "CreateStep", Cause: err}
	}
	return nil
}

// CreateStep adds a step to an existing workflow.
func (s *Store) CreateStep(ctx context.Context, st *Step) error {
	if err := validateStep(st); err != nil {
		return err
	}
	if _, err := s.GetWorkflow(ctx, st.WorkflowID); err != nil {
		return err
	}

	now := time.Now().UTC()
	st.ID = uuid.NewString()
	st.CreatedAt = now
	st.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.StorageError{Operation: "CreateStep", Cause: err}
	}
	defer tx.Rollback()

	if err := insertStep(ctx, tx, st); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &errors.StorageError{Operation: "CreateStep", Cause: err}
	}
	return nil
}

func scanStep(scanner interface{ Scan(...any) error }) (*Step, error) {
	var st Step
	var terminal int
	var createdAt, updatedAt string
	err := scanner.Scan(&st.ID, &st.WorkflowID, &st.Name, &st.Handler, &st.Order,
		&st.MaxVisits, &terminal, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	st.IsTerminal = terminal != 0
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

const stepColumns = `id, workflow_id, name, handler, step_order, max_visits, is_terminal, created_at, updated_at`

// GetStep retrieves a step by id.
func (s *Store) GetStep(ctx context.Context, id string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	st, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errors.NotFoundError{Resource: "step", ID: id}
		}
		return nil, &errors.StorageError{Operation: "GetStep", Cause: err}
	}
	return st, nil
}

// ListSteps returns the workflow's steps ordered by step order, ties broken
// by id.
func (s *Store) ListSteps(ctx context.Context, workflowID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE workflow_id = ? ORDER BY step_order, id`, workflowID)
	if err != nil {
		return nil, &errors.StorageError{Operation: "ListSteps", Cause: err}
	}
	defer rows.Close()

	var out []*Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, &errors.StorageError{Operation: "ListSteps", Cause: err}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateStep applies a partial update to a step.
func (s *Store) UpdateStep(ctx context.Context, id string, patch StepPatch) (*Step, error) {
	if patch.Name != nil && *patch.Name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if patch.MaxVisits != nil && *patch.MaxVisits < 1 {
		return nil, &errors.ValidationError{Field: "max_visits", Message: "must be >= 1"}
	}

	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now().UTC())}
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Handler != nil {
		sets = append(sets, "handler = ?")
		args = append(args, *patch.Handler)
	}
	if patch.Order != nil {
		sets = append(sets, "step_order = ?")
		args = append(args, *patch.Order)
	}
	if patch.MaxVisits != nil {
		sets = append(sets, "max_visits = ?")
		args = append(args, *patch.MaxVisits)
	}
	if patch.IsTerminal != nil {
		sets = append(sets, "is_terminal = ?")
		args = append(args, boolToInt(*patch.IsTerminal))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE steps SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, &errors.StorageError{Operation: "UpdateStep", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &errors.NotFoundError{Resource: "step", ID: id}
	}
	return s.GetStep(ctx, id)
}

// DeleteStep removes a step. Deletion is rejected while the step is the
// current step of a running execution.
func (s *Store) DeleteStep(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.StorageError{Operation: "DeleteStep", Cause: err}
	}
	defer tx.Rollback()

	var inUse int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE current_step_id = ? AND status = 'running'`,
		id).Scan(&inUse)
	if err != nil {
		return &errors.StorageError{Operation: "DeleteStep", Cause: err}
	}
	if inUse > 0 {
		return &errors.ConflictError{
			Resource: "step",
			Message:  "step is the current step of a running execution",
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE id = ?`, id)
	if err != nil {
		return &errors.StorageError{Operation: "DeleteStep", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "step", ID: id}
	}

	if err := tx.Commit(); err != nil {
		return &errors.StorageError{Operation: "DeleteStep", Cause: err}
	}
	return nil
}

// --- Executions ---

// CreateExecution inserts a new running execution. The context is scrubbed
// of bulk payloads and stamped with execution_id before persistence.
func (s *Store) CreateExecution(ctx context.Context, exec *Execution) error {
	if _, err := s.GetWorkflow(ctx, exec.WorkflowID); err != nil {
		return err
	}
	if exec.Mode == "" {
		exec.Mode = ModeManual
	}
	if !exec.Mode.Valid() {
		return &errors.ValidationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", exec.Mode)}
	}

	now := time.Now().UTC()
	exec.ID = uuid.NewString()
	exec.Status = StatusRunning
	exec.CreatedAt = now
	exec.UpdatedAt = now

	if exec.Context == nil {
		exec.Context = make(map[string]any)
	}
	exec.Context[ContextKeyExecutionID] = exec.ID
	exec.Context = scrub.Context(exec.Context)

	contextJSON, err := marshalJSON(exec.Context)
	if err != nil {
		return &errors.StorageError{Operation: "CreateExecution", Cause: err}
	}
	additionalJSON, err := marshalJSON(exec.AdditionalData)
	if err != nil {
		return &errors.StorageError{Operation: "CreateExecution", Cause: err}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, mode, current_step_id, context, additional_data, custom_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), string(exec.Mode), exec.CurrentStepID,
		contextJSON, additionalJSON, exec.CustomStatus, formatTime(now), formatTime(now))
	if err != nil {
		return &errors.StorageError{Operation: "CreateExecution", Cause: err}
	}
	return nil
}

const executionColumns = `id, workflow_id, status, mode, current_step_id, context, additional_data, custom_status, created_at, updated_at`

func scanExecution(scanner interface{ Scan(...any) error }) (*Execution, error) {
	var exec Execution
	var status, mode, contextJSON, createdAt, updatedAt string
	var additionalJSON sql.NullString
	var currentStepID sql.NullString
	err := scanner.Scan(&exec.ID, &exec.WorkflowID, &status, &mode, &currentStepID,
		&contextJSON, &additionalJSON, &exec.CustomStatus, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = ExecutionStatus(status)
	exec.Mode = Mode(mode)
	if currentStepID.Valid {
		exec.CurrentStepID = &currentStepID.String
	}
	exec.Context = unmarshalJSON(contextJSON)
	if additionalJSON.Valid {
		exec.AdditionalData = unmarshalJSON(additionalJSON.String)
	}
	exec.CreatedAt = parseTime(createdAt)
	exec.UpdatedAt = parseTime(updatedAt)
	return &exec, nil
}

// GetExecution retrieves an execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errors.NotFoundError{Resource: "execution", ID: id}
		}
		return nil, &errors.StorageError{Operation: "GetExecution", Cause: err}
	}
	return exec, nil
}

// UpdateExecution writes back the mutable execution fields. The whole
// context document is re-serialized on every write, so a later write in the
// same logical step can never lose a field added by an earlier one.
func (s *Store) UpdateExecution(ctx context.Context, exec *Execution) error {
	exec.Context = scrub.Context(exec.Context)
	exec.UpdatedAt = time.Now().UTC()

	contextJSON, err := marshalJSON(exec.Context)
	if err != nil {
		return &errors.StorageError{Operation: "UpdateExecution", Cause: err}
	}
	additionalJSON, err := marshalJSON(exec.AdditionalData)
	if err != nil {
		return &errors.StorageError{Operation: "UpdateExecution", Cause: err}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, current_step_id = ?, context = ?, additional_data = ?, custom_status = ?, updated_at = ?
		 WHERE id = ?`,
		string(exec.Status), exec.CurrentStepID, contextJSON, additionalJSON,
		exec.CustomStatus, formatTime(exec.UpdatedAt), exec.ID)
	if err != nil {
		return &errors.StorageError{Operation: "UpdateExecution", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "execution", ID: exec.ID}
	}
	return nil
}

// ListExecutions returns a page of a workflow's executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, workflowID string, limit, offset int) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE workflow_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		workflowID, limit, offset)
	if err != nil {
		return nil, &errors.StorageError{Operation: "ListExecutions", Cause: err}
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, &errors.StorageError{Operation: "ListExecutions", Cause: err}
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// CountExecutions returns the total number of executions for a workflow.
func (s *Store) CountExecutions(ctx context.Context, workflowID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE workflow_id = ?`, workflowID).Scan(&n)
	if err != nil {
		return 0, &errors.StorageError{Operation: "CountExecutions", Cause: err}
	}
	return n, nil
}

// --- Step executions ---

// AppendStepExecution claims the next attempt of a step within a single
// immediate transaction: it re-checks the execution status and the visit
// count under the write lock, inserts the attempt with status running, and
// moves current_step_id. No interleaving writer can push the attempt count
// past the step's visit cap.
func (s *Store) AppendStepExecution(ctx context.Context, executionID string, step *Step, input map[string]any) (*StepExecution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.StorageError{Operation: "AppendStepExecution", Cause: err}
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM executions WHERE id = ?`, executionID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errors.NotFoundError{Resource: "execution", ID: executionID}
		}
		return nil, &errors.StorageError{Operation: "AppendStepExecution", Cause: err}
	}
	if ExecutionStatus(status).Terminal() {
		return nil, &errors.InvariantError{
			Reason:  "execution_terminal",
			Message: fmt.Sprintf("execution %s is %s", executionID, status),
		}
	}

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM step_executions WHERE execution_id = ? AND step_id = ?`,
		executionID, step.ID).Scan(&count)
	if err != nil {
		return nil, &errors.StorageError{Operation: "AppendStepExecution", Cause: err}
	}
	if count >= step.MaxVisits {
		return nil, &errors.InvariantError{
			Reason:  "max_visits_exceeded",
			Message: fmt.Sprintf("step %s already visited %d time(s), cap %d", step.Name, count, step.MaxVisits),
		}
	}

	now := time.Now().UTC()
	se := &StepExecution{
		ID:           uuid.NewString(),
		StepID:       step.ID,
		WorkflowID:   step.WorkflowID,
		ExecutionID:  executionID,
		Status:       StepStatusRunning,
		Attempt:      count + 1,
		InputPayload: scrub.Context(input),
		StartedAt:    now,
	}

	inputJSON, err := marshalJSON(se.InputPayload)
	if err != nil {
		return nil, &errors.StorageError{Operation: "AppendStepExecution", Cause: err}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO step_executions (id, step_id, workflow_id, execution_id, status, attempt, input_payload, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		se.ID, se.StepID, se.WorkflowID, se.ExecutionID, string(se.Status),
		se.Attempt, inputJSON, formatTime(now))
	if err != nil {
		return nil, &errors.StorageError{Operation: "AppendStepExecution", Cause: err}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET current_step_id = ?, updated_at = ? WHERE id = ?`,
		step.ID, formatTime(now), executionID)
	if err != nil {
		return nil, &errors.StorageError{Operation: "AppendStepExecution", Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &errors.StorageError{Operation: "AppendStepExecution", Cause: err}
	}
	return se, nil
}

// FinishStepExecution records the outcome of a step attempt.
func (s *Store) FinishStepExecution(ctx context.Context, id string, status StepExecutionStatus, output map[string]any, errMsg string) error {
	outputJSON, err := marshalJSON(scrub.Context(output))
	if err != nil {
		return &errors.StorageError{Operation: "FinishStepExecution", Cause: err}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE step_executions SET status = ?, output_payload = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), outputJSON, errMsg, formatTime(time.Now().UTC()), id)
	if err != nil {
		return &errors.StorageError{Operation: "FinishStepExecution", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "step_execution", ID: id}
	}
	return nil
}

const stepExecutionColumns = `id, step_id, workflow_id, execution_id, status, attempt, input_payload, output_payload, error, started_at, finished_at`

func scanStepExecution(scanner interface{ Scan(...any) error }) (*StepExecution, error) {
	var se StepExecution
	var status, startedAt string
	var inputJSON, outputJSON, finishedAt sql.NullString
	err := scanner.Scan(&se.ID, &se.StepID, &se.WorkflowID, &se.ExecutionID, &status,
		&se.Attempt, &inputJSON, &outputJSON, &se.ErrorMessage, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	se.Status = StepExecutionStatus(status)
	if inputJSON.Valid {
		se.InputPayload = unmarshalJSON(inputJSON.String)
	}
	if outputJSON.Valid {
		se.OutputPayload = unmarshalJSON(outputJSON.String)
	}
	se.StartedAt = parseTime(startedAt)
	if finishedAt.Valid {
		t := parseTime(finishedAt.String)
		se.FinishedAt = &t
	}
	return &se, nil
}

// ListStepExecutions returns all attempts of an execution in temporal order.
func (s *Store) ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepExecutionColumns+` FROM step_executions WHERE execution_id = ? ORDER BY started_at, rowid`,
		executionID)
	if err != nil {
		return nil, &errors.StorageError{Operation: "ListStepExecutions", Cause: err}
	}
	defer rows.Close()

	var out []*StepExecution
	for rows.Next() {
		se, err := scanStepExecution(rows)
		if err != nil {
			return nil, &errors.StorageError{Operation: "ListStepExecutions", Cause: err}
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

// LatestStepExecution returns the most recent attempt of an execution, or
// nil if the execution has none.
func (s *Store) LatestStepExecution(ctx context.Context, executionID string) (*StepExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepExecutionColumns+` FROM step_executions WHERE execution_id = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		executionID)
	se, err := scanStepExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &errors.StorageError{Operation: "LatestStepExecution", Cause: err}
	}
	return se, nil
}

// CountStepExecutions counts attempts for one (execution, step) pair.
func (s *Store) CountStepExecutions(ctx context.Context, executionID, stepID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM step_executions WHERE execution_id = ? AND step_id = ?`,
		executionID, stepID).Scan(&n)
	if err != nil {
		return 0, &errors.StorageError{Operation: "CountStepExecutions", Cause: err}
	}
	return n, nil
}

// HasRunningStepExecution reports whether an attempt is currently in flight.
func (s *Store) HasRunningStepExecution(ctx context.Context, executionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM step_executions WHERE execution_id = ? AND status = 'running'`,
		executionID).Scan(&n)
	if err != nil {
		return false, &errors.StorageError{Operation: "HasRunningStepExecution", Cause: err}
	}
	return n > 0, nil
}

// --- helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalJSON serializes a map for a JSON column; nil maps become NULL-ish
// empty documents.
func marshalJSON(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalJSON(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
