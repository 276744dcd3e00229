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

package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/discovery/internal/events"
	"github.com/tombee/discovery/internal/store"
	"github.com/tombee/discovery/internal/worker"
	"github.com/tombee/discovery/pkg/errors"
)

// scriptInvoker answers step invocations from a per-handler script and
// records the order of calls.
type scriptInvoker struct {
	mu      sync.Mutex
	calls   []string
	scripts map[string]func(execContext map[string]any) (*worker.Result, error)
}

func newScriptInvoker() *scriptInvoker {
	return &scriptInvoker{scripts: make(map[string]func(map[string]any) (*worker.Result, error))}
}

func (s *scriptInvoker) on(step string, result *worker.Result, err error) {
	s.scripts[step] = func(map[string]any) (*worker.Result, error) { return result, err }
}

func (s *scriptInvoker) Invoke(_ context.Context, step string, execContext, _ map[string]any) (*worker.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, step)
	s.mu.Unlock()

	fn, ok := s.scripts[step]
	if !ok {
		return nil, fmt.Errorf("no script for step %q", step)
	}
	return fn(execContext)
}

// recordingPublisher captures published events in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ string, ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type()
	}
	return out
}

type fixture struct {
	store  *store.Store
	worker *scriptInvoker
	pub    *recordingPublisher
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "discovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	inv := newScriptInvoker()
	pub := &recordingPublisher{}
	return &fixture{store: st, worker: inv, pub: pub, engine: New(st, inv, pub, nil)}
}

// spec is (name, order, maxVisits[, terminal]).
func (f *fixture) createWorkflow(t *testing.T, mode store.Mode, stepSpecs ...store.Step) (*store.Workflow, []*store.Step) {
	t.Helper()
	steps := make([]*store.Step, len(stepSpecs))
	for i := range stepSpecs {
		steps[i] = &stepSpecs[i]
	}
	wf := &store.Workflow{Name: "wf-" + t.Name(), Mode: mode}
	require.NoError(t, f.store.CreateWorkflow(context.Background(), wf, steps))
	return wf, steps
}

func (f *fixture) createExecution(t *testing.T, wf *store.Workflow, execContext map[string]any) *store.Execution {
	t.Helper()
	exec := &store.Execution{WorkflowID: wf.ID, Mode: wf.Mode, Context: execContext}
	require.NoError(t, f.store.CreateExecution(context.Background(), exec))
	return exec
}

func step(name string, order, maxVisits int) store.Step {
	return store.Step{Name: name, Order: order, MaxVisits: maxVisits}
}

func TestRunToTerminal_Linear(t *testing.T) {
	f := newFixture(t)
	wf, _ := f.createWorkflow(t, store.ModeAutomatic,
		step("a", 1, 1), step("b", 2, 1), step("c", 3, 1))

	f.worker.on("a", &worker.Result{ContextPatch: map[string]any{"x": 1}}, nil)
	f.worker.on("b", &worker.Result{ContextPatch: map[string]any{"x": 2}}, nil)
	f.worker.on("c", &worker.Result{ContextPatch: map[string]any{"x": 3}}, nil)

	exec := f.createExecution(t, wf, nil)
	require.NoError(t, f.engine.RunToTerminal(context.Background(), exec.ID))

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Nil(t, got.CurrentStepID)
	assert.Equal(t, float64(3), got.Context["x"])
	assert.Equal(t, true, got.Context["auto_completed"])
	assert.Equal(t, "automatic_detection", got.Context["completion_reason"])

	assert.Equal(t, []string{"a", "b", "c"}, f.worker.calls)

	history, err := f.store.ListStepExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, se := range history {
		assert.Equal(t, store.StepStatusSuccess, se.Status)
		assert.Equal(t, 1, se.Attempt)
	}
}

func TestRunToTerminal_DynamicRoutingSkips(t *testing.T) {
	f := newFixture(t)
	wf, _ := f.createWorkflow(t, store.ModeAutomatic,
		step("p", 1, 1), step("q", 2, 1), step("r", 3, 1), step("s", 4, 1))

	f.worker.on("p", &worker.Result{ContextPatch: map[string]any{}, Next: "s"}, nil)
	f.worker.on("s", &worker.Result{ContextPatch: map[string]any{}}, nil)

	exec := f.createExecution(t, wf, nil)
	require.NoError(t, f.engine.RunToTerminal(context.Background(), exec.ID))

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)

	assert.Equal(t, []string{"p", "s"}, f.worker.calls)

	history, err := f.store.ListStepExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestRunToTerminal_VisitCapFails(t *testing.T) {
	f := newFixture(t)
	wf, _ := f.createWorkflow(t, store.ModeAutomatic,
		step("u", 1, 2), step("v", 2, 1))

	f.worker.on("u", &worker.Result{ContextPatch: map[string]any{}, Next: "u"}, nil)

	exec := f.createExecution(t, wf, nil)
	require.NoError(t, f.engine.RunToTerminal(context.Background(), exec.ID))

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)

	history, err := f.store.ListStepExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Attempt)
	assert.Equal(t, 2, history[1].Attempt)
	for _, se := range history {
		assert.Equal(t, store.StepStatusSuccess, se.Status)
	}

	assert.Contains(t, f.pub.types(), events.TypeMaxVisitsExceeded)
}

func TestAdvance_ManualStepwise(t *testing.T) {
	f := newFixture(t)
	wf, steps := f.createWorkflow(t, store.ModeManual,
		step("m1", 1, 1), step("m2", 2, 1))

	f.worker.on("m1", &worker.Result{ContextPatch: map[string]any{"ok": true}}, nil)
	f.worker.on("m2", &worker.Result{ContextPatch: map[string]any{}}, nil)

	exec := f.createExecution(t, wf, nil)
	assert.Nil(t, exec.CurrentStepID)

	outcome, err := f.engine.Advance(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, Advanced, outcome)

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
	require.NotNil(t, got.CurrentStepID)
	assert.Equal(t, steps[0].ID, *got.CurrentStepID)

	outcome, err = f.engine.Advance(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, Terminal, outcome)

	got, err = f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
}

// Each Advance must move the persisted current-step pointer forward; a
// stale pointer would reselect the first step until its visit cap trips.
func TestAdvance_CurrentStepAdvancesEachCall(t *testing.T) {
	f := newFixture(t)
	wf, steps := f.createWorkflow(t, store.ModeManual,
		step("m1", 1, 1), step("m2", 2, 1), step("m3", 3, 1))

	f.worker.on("m1", &worker.Result{ContextPatch: map[string]any{}}, nil)
	f.worker.on("m2", &worker.Result{ContextPatch: map[string]any{}}, nil)
	f.worker.on("m3", &worker.Result{ContextPatch: map[string]any{}}, nil)

	exec := f.createExecution(t, wf, nil)

	for i := 0; i < 2; i++ {
		outcome, err := f.engine.Advance(context.Background(), exec.ID)
		require.NoError(t, err)
		require.Equal(t, Advanced, outcome)

		got, err := f.store.GetExecution(context.Background(), exec.ID)
		require.NoError(t, err)
		require.NotNil(t, got.CurrentStepID)
		assert.Equal(t, steps[i].ID, *got.CurrentStepID)
	}

	outcome, err := f.engine.Advance(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, Terminal, outcome)
	assert.Equal(t, []string{"m1", "m2", "m3"}, f.worker.calls)
}

func TestAdvance_TerminalIsNoOp(t *testing.T) {
	f := newFixture(t)
	wf, _ := f.createWorkflow(t, store.ModeAutomatic, step("a", 1, 1))
	f.worker.on("a", &worker.Result{ContextPatch: map[string]any{}}, nil)

	exec := f.createExecution(t, wf, nil)
	require.NoError(t, f.engine.RunToTerminal(context.Background(), exec.ID))

	before, err := f.store.ListStepExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	callsBefore := len(f.worker.calls)

	outcome, err := f.engine.Advance(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, Terminal, outcome)

	after, err := f.store.ListStepExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	assert.Len(t, f.worker.calls, callsBefore)
}

func TestAdvance_BlockedWhileStepRunning(t *testing.T) {
	f := newFixture(t)
	wf, steps := f.createWorkflow(t, store.ModeManual, step("m1", 1, 1))

	exec := f.createExecution(t, wf, nil)
	_, err := f.store.AppendStepExecution(context.Background(), exec.ID, steps[0], nil)
	require.NoError(t, err)

	outcome, err := f.engine.Advance(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, Blocked, outcome)
	assert.Empty(t, f.worker.calls)
}

func TestAdvance_StepFailureFailsExecution(t *testing.T) {
	f := newFixture(t)
	wf, _ := f.createWorkflow(t, store.ModeAutomatic,
		step("a", 1, 1), step("b", 2, 1))

	f.worker.on("a", nil, fmt.Errorf("handler exploded"))

	exec := f.createExecution(t, wf, nil)
	require.NoError(t, f.engine.RunToTerminal(context.Background(), exec.ID))

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)

	history, err := f.store.ListStepExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.StepStatusFailed, history[0].Status)
	assert.Contains(t, history[0].ErrorMessage, "handler exploded")

	assert.Contains(t, f.pub.types(), events.TypeStepError)
	assert.NotContains(t, f.pub.types(), events.TypeWorkflowCompleted)
}

func TestAdvance_LocalFailureDistinctFromRemote(t *testing.T) {
	f := newFixture(t)

	t.Run("remote failure keeps worker message", func(t *testing.T) {
		wf, _ := f.createWorkflow(t, store.ModeAutomatic, step("a", 1, 1))
		f.worker.on("a", nil, &errors.RemoteStepError{
			Step: "a", Reason: "http_status", StatusCode: 500, Message: "worker blew up",
		})

		exec := f.createExecution(t, wf, nil)
		require.NoError(t, f.engine.RunToTerminal(context.Background(), exec.ID))

		history, err := f.store.ListStepExecutions(context.Background(), exec.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Contains(t, history[0].ErrorMessage, "worker blew up")
		assert.NotContains(t, history[0].ErrorMessage, "local error")
	})

	t.Run("local failure is tagged", func(t *testing.T) {
		wf, _ := f.createWorkflow(t, store.ModeAutomatic, step("b", 1, 1))
		f.worker.on("b", nil, fmt.Errorf("context is not serializable"))

		exec := f.createExecution(t, wf, nil)
		require.NoError(t, f.engine.RunToTerminal(context.Background(), exec.ID))

		history, err := f.store.ListStepExecutions(context.Background(), exec.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Contains(t, history[0].ErrorMessage, "local error: context is not serializable")
	})
}

func TestAdvance_TerminalStepCompletesEarly(t *testing.T) {
	f := newFixture(t)
	wf, _ := f.createWorkflow(t, store.ModeAutomatic,
		step("a", 1, 1),
		store.Step{Name: "gate", Order: 2, MaxVisits: 1, IsTerminal: true},
		step("c", 3, 1))

	f.worker.on("a", &worker.Result{ContextPatch: map[string]any{}}, nil)
	f.worker.on("gate", &worker.Result{ContextPatch: map[string]any{}, Next: "c"}, nil)

	exec := f.createExecution(t, wf, nil)
	require.NoError(t, f.engine.RunToTerminal(context.Background(), exec.ID))

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, []string{"a", "gate"}, f.worker.calls)
}

func TestAdvance_HintResolvesByHandlerName(t *testing.T) {
	f := newFixture(t)
	wf, _ := f.createWorkflow(t, store.ModeAutomatic,
		step("first", 1, 1),
		store.Step{Name: "review step", Handler: "approve_user", Order: 2, MaxVisits: 1})

	f.worker.on("first", &worker.Result{ContextPatch: map[string]any{}, Next: "approve_user"}, nil)
	f.worker.on("approve_user", &worker.Result{ContextPatch: map[string]any{}}, nil)

	exec := f.createExecution(t, wf, nil)
	require.NoError(t, f.engine.RunToTerminal(context.Background(), exec.ID))

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, []string{"first", "approve_user"}, f.worker.calls)
}

func TestAdvance_UnresolvableHintCompletes(t *testing.T) {
	f := newFixture(t)
	wf, _ := f.createWorkflow(t, store.ModeAutomatic,
		step("a", 1, 1), step("b", 2, 1))

	f.worker.on("a", &worker.Result{ContextPatch: map[string]any{}, Next: "no_such_step"}, nil)

	exec := f.createExecution(t, wf, nil)
	require.NoError(t, f.engine.RunToTerminal(context.Background(), exec.ID))

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, []string{"a"}, f.worker.calls)
}

func TestRunToTerminal_EventOrder(t *testing.T) {
	f := newFixture(t)
	wf, _ := f.createWorkflow(t, store.ModeAutomatic,
		step("a", 1, 1), step("b", 2, 1))

	f.worker.on("a", &worker.Result{ContextPatch: map[string]any{}}, nil)
	f.worker.on("b", &worker.Result{ContextPatch: map[string]any{}}, nil)

	exec := f.createExecution(t, wf, nil)
	require.NoError(t, f.engine.RunToTerminal(context.Background(), exec.ID))

	assert.Equal(t, []string{
		events.TypeStepStarted,
		events.TypeStepFinished,
		events.TypeStepStarted,
		events.TypeStepFinished,
		events.TypeWorkflowCompleted,
	}, f.pub.types())
}

func TestMergeContext_Recursive(t *testing.T) {
	dst := map[string]any{
		"keep": "me",
		"dynamic_properties": map[string]any{
			"a": 1,
			"nested": map[string]any{
				"x": 1,
			},
		},
	}
	mergeContext(dst, map[string]any{
		"dynamic_properties": map[string]any{
			"b": 2,
			"nested": map[string]any{
				"y": 2,
			},
		},
	})

	props := dst["dynamic_properties"].(map[string]any)
	nested := props["nested"].(map[string]any)
	assert.Equal(t, "me", dst["keep"])
	assert.Equal(t, 1, props["a"])
	assert.Equal(t, 2, props["b"])
	assert.Equal(t, 1, nested["x"])
	assert.Equal(t, 2, nested["y"])
}
