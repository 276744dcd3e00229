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

package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/discovery/internal/engine"
	"github.com/tombee/discovery/internal/events"
	"github.com/tombee/discovery/internal/store"
	"github.com/tombee/discovery/internal/worker"
)

type stubInvoker struct {
	mu      sync.Mutex
	results map[string]*worker.Result
	errs    map[string]error
}

func (s *stubInvoker) Invoke(_ context.Context, step string, _, _ map[string]any) (*worker.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.errs[step]; ok {
		return nil, err
	}
	if res, ok := s.results[step]; ok {
		return res, nil
	}
	return &worker.Result{ContextPatch: map[string]any{}}, nil
}

type collectingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *collectingPublisher) Publish(_ string, ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *collectingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type()
	}
	return out
}

type harness struct {
	store  *store.Store
	pub    *collectingPublisher
	runner *Runner
}

func newHarness(t *testing.T, inv engine.Invoker) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "discovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pub := &collectingPublisher{}
	eng := engine.New(st, inv, pub, nil)
	r := New(Config{MaxParallel: 4}, eng, st, pub, nil)
	t.Cleanup(r.Stop)
	return &harness{store: st, pub: pub, runner: r}
}

func (h *harness) launch(t *testing.T, mode store.Mode, steps ...*store.Step) *store.Execution {
	t.Helper()
	wf := &store.Workflow{Name: "wf-" + t.Name(), Mode: mode}
	require.NoError(t, h.store.CreateWorkflow(context.Background(), wf, steps))

	exec := &store.Execution{WorkflowID: wf.ID, Mode: mode}
	require.NoError(t, h.store.CreateExecution(context.Background(), exec))
	require.NoError(t, h.runner.Launch(exec.ID, wf.ID))
	return exec
}

func waitTerminal(t *testing.T, st *store.Store, executionID string) *store.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := st.GetExecution(context.Background(), executionID)
		require.NoError(t, err)
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("execution never reached a terminal status")
	return nil
}

func TestLaunch_CompletesExecution(t *testing.T) {
	inv := &stubInvoker{results: map[string]*worker.Result{
		"a": {ContextPatch: map[string]any{"x": 1}},
		"b": {ContextPatch: map[string]any{"x": 2}},
	}}
	h := newHarness(t, inv)

	exec := h.launch(t, store.ModeAutomatic,
		&store.Step{Name: "a", Order: 1, MaxVisits: 1},
		&store.Step{Name: "b", Order: 2, MaxVisits: 1})

	got := waitTerminal(t, h.store, exec.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)

	types := h.pub.types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.TypeWorkflowStarted, types[0])
	assert.Equal(t, events.TypeWorkflowCompleted, types[len(types)-1])
}

func TestLaunch_PublishesWorkflowFailed(t *testing.T) {
	inv := &stubInvoker{errs: map[string]error{"a": fmt.Errorf("handler exploded")}}
	h := newHarness(t, inv)

	exec := h.launch(t, store.ModeAutomatic,
		&store.Step{Name: "a", Order: 1, MaxVisits: 1})

	got := waitTerminal(t, h.store, exec.ID)
	assert.Equal(t, store.StatusFailed, got.Status)

	require.Eventually(t, func() bool {
		for _, typ := range h.pub.types() {
			if typ == events.TypeWorkflowFailed {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	for _, ev := range h.pub.events {
		if ev.Type() == events.TypeWorkflowFailed {
			assert.Contains(t, ev["error_summary"], "handler exploded")
		}
	}
}

func TestLaunch_RejectedWhileDraining(t *testing.T) {
	h := newHarness(t, &stubInvoker{})
	h.runner.StartDraining()
	assert.True(t, h.runner.IsDraining())

	err := h.runner.Launch("exec-1", "wf-1")
	assert.Error(t, err)
}

func TestWaitForDrain_NoActiveExecutions(t *testing.T) {
	h := newHarness(t, &stubInvoker{})
	h.runner.StartDraining()

	err := h.runner.WaitForDrain(context.Background(), time.Second)
	assert.NoError(t, err)
}

func TestWaitForDrain_WaitsForInFlight(t *testing.T) {
	release := make(chan struct{})
	inv := &blockingInvoker{release: release}
	h := newHarness(t, inv)

	exec := h.launch(t, store.ModeAutomatic,
		&store.Step{Name: "a", Order: 1, MaxVisits: 1})

	require.Eventually(t, func() bool { return h.runner.ActiveCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	h.runner.StartDraining()
	close(release)

	require.NoError(t, h.runner.WaitForDrain(context.Background(), 5*time.Second))
	assert.Zero(t, h.runner.ActiveCount())

	got, err := h.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
}

type blockingInvoker struct {
	release chan struct{}
}

func (b *blockingInvoker) Invoke(ctx context.Context, _ string, _, _ map[string]any) (*worker.Result, error) {
	select {
	case <-b.release:
		return &worker.Result{ContextPatch: map[string]any{}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
