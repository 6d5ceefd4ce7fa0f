package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/event"
	"github.com/taskmesh/taskmesh/internal/plan"
)

type dispatchRecorder struct {
	mu         sync.Mutex
	dispatches []event.SubtaskDispatch
	streams    []string
}

func (r *dispatchRecorder) subscribe(t *testing.T, b *event.Bus, stream string) {
	t.Helper()
	err := b.Subscribe(stream, "test-observer", "observer-"+stream,
		event.Typed[event.SubtaskDispatch](func(ctx context.Context, env *event.Envelope, d *event.SubtaskDispatch) error {
			r.mu.Lock()
			r.dispatches = append(r.dispatches, *d)
			r.streams = append(r.streams, stream)
			r.mu.Unlock()
			return nil
		}))
	require.NoError(t, err)
}

func (r *dispatchRecorder) snapshot() []event.SubtaskDispatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.SubtaskDispatch(nil), r.dispatches...)
}

func (r *dispatchRecorder) waitFor(t *testing.T, n int) []event.SubtaskDispatch {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.snapshot()) >= n
	}, 2*time.Second, 10*time.Millisecond)
	return r.snapshot()
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *plan.Store, *dispatchRecorder) {
	t.Helper()
	store, err := plan.NewStore(nil)
	require.NoError(t, err)

	bus := event.NewBus(event.WithBackoff(time.Millisecond, 10*time.Millisecond))
	t.Cleanup(func() { _ = bus.Shutdown() })

	rec := &dispatchRecorder{}
	rec.subscribe(t, bus, event.StreamSubtaskDispatch)
	rec.subscribe(t, bus, event.DispatchStreamFor("agent-7"))

	o := New(store, bus, nil, nil)
	require.NoError(t, bus.Run(context.Background()))
	return o, store, rec
}

func envelope(t *testing.T, payload event.Payload) *event.Envelope {
	t.Helper()
	env, err := event.NewEnvelope("test", payload)
	require.NoError(t, err)
	return env
}

func taskCreated(taskID string, defs ...plan.SubtaskDef) *event.TaskCreated {
	return &event.TaskCreated{
		TaskID:      taskID,
		UserPrompt:  "do the work",
		InitialPlan: plan.Definition{Title: "work", Subtasks: defs},
	}
}

func TestTaskCreationDispatchesRoots(t *testing.T) {
	o, store, rec := newTestOrchestrator(t)
	ctx := context.Background()

	d := taskCreated("t1",
		plan.SubtaskDef{ID: "a", Name: "first"},
		plan.SubtaskDef{ID: "b", DependsOn: []string{"a"}},
	)
	require.NoError(t, o.onTaskCreated(ctx, envelope(t, *d), d))

	dispatches := rec.waitFor(t, 1)
	require.Len(t, dispatches, 1)
	assert.Equal(t, "a", dispatches[0].SubtaskID)
	assert.Equal(t, "first", dispatches[0].Name)

	sub, err := store.GetSubtask("t1", "a")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusRunning, sub.Status)
	sub, err = store.GetSubtask("t1", "b")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPending, sub.Status)
}

func TestDuplicateTaskCreationIsIgnored(t *testing.T) {
	o, _, rec := newTestOrchestrator(t)
	ctx := context.Background()

	d := taskCreated("t1", plan.SubtaskDef{ID: "a"})
	require.NoError(t, o.onTaskCreated(ctx, envelope(t, *d), d))
	require.NoError(t, o.onTaskCreated(ctx, envelope(t, *d), d))

	rec.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1, "redelivered task creation must not dispatch twice")
}

func TestInvalidPlanIsRejectedWithoutRetry(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	ctx := context.Background()

	d := taskCreated("t1",
		plan.SubtaskDef{ID: "a", DependsOn: []string{"b"}},
		plan.SubtaskDef{ID: "b", DependsOn: []string{"a"}},
	)
	require.NoError(t, o.onTaskCreated(ctx, envelope(t, *d), d),
		"a cyclic plan is dropped, not redelivered")
	assert.Empty(t, store.ListPlanIDs())
}

func TestCompletionCascadesToDependents(t *testing.T) {
	o, store, rec := newTestOrchestrator(t)
	ctx := context.Background()

	d := taskCreated("t1",
		plan.SubtaskDef{ID: "a"},
		plan.SubtaskDef{ID: "b", DependsOn: []string{"a"}},
	)
	require.NoError(t, o.onTaskCreated(ctx, envelope(t, *d), d))
	rec.waitFor(t, 1)

	done := &event.SubtaskCompleted{TaskID: "t1", SubtaskID: "a", Result: "done"}
	require.NoError(t, o.onSubtaskCompleted(ctx, envelope(t, *done), done))

	dispatches := rec.waitFor(t, 2)
	assert.Equal(t, "b", dispatches[1].SubtaskID)

	sub, err := store.GetSubtask("t1", "a")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, sub.Status)
	assert.Equal(t, "done", sub.Result)
}

func TestFailureBlocksDependentsOnly(t *testing.T) {
	o, store, rec := newTestOrchestrator(t)
	ctx := context.Background()

	d := taskCreated("t1",
		plan.SubtaskDef{ID: "a"},
		plan.SubtaskDef{ID: "b", DependsOn: []string{"a"}},
		plan.SubtaskDef{ID: "c"},
	)
	require.NoError(t, o.onTaskCreated(ctx, envelope(t, *d), d))
	rec.waitFor(t, 2) // a and c are both roots

	failed := &event.SubtaskFailed{TaskID: "t1", SubtaskID: "a", ErrorMessage: "boom"}
	require.NoError(t, o.onSubtaskFailed(ctx, envelope(t, *failed), failed))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 2, "b must never be dispatched")

	sub, err := store.GetSubtask("t1", "a")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, sub.Status)
	assert.Equal(t, "boom", sub.Error)
	sub, err = store.GetSubtask("t1", "b")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPending, sub.Status)
}

func TestAgentAffinityUsesDedicatedStream(t *testing.T) {
	o, _, rec := newTestOrchestrator(t)
	ctx := context.Background()

	d := taskCreated("t1", plan.SubtaskDef{ID: "a", AgentName: "agent-7"})
	require.NoError(t, o.onTaskCreated(ctx, envelope(t, *d), d))

	rec.waitFor(t, 1)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, event.DispatchStreamFor("agent-7"), rec.streams[0])
	assert.Equal(t, "agent-7", rec.dispatches[0].AgentName)
}

func TestHumanInterruptRoundTrip(t *testing.T) {
	o, store, rec := newTestOrchestrator(t)
	ctx := context.Background()

	d := taskCreated("t1", plan.SubtaskDef{ID: "a", Name: "decide", Instructions: "pick one"})
	require.NoError(t, o.onTaskCreated(ctx, envelope(t, *d), d))
	rec.waitFor(t, 1)

	ask := &event.HumanInputRequired{
		TaskID:       "t1",
		SubtaskID:    "a",
		Question:     "which one?",
		CheckpointID: "cp-42",
	}
	askEnv := envelope(t, *ask)
	require.NoError(t, o.onHumanInputRequired(ctx, askEnv, ask))

	sub, err := store.GetSubtask("t1", "a")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusWaitingHuman, sub.Status)
	assert.Equal(t, "which one?", sub.Notes)

	pending := o.PendingInterrupts()
	require.Len(t, pending, 1)
	assert.Equal(t, askEnv.ID, pending[0].EventID)
	assert.Equal(t, "cp-42", pending[0].CheckpointID)

	answer := &event.HumanInputProvided{
		TaskID:            "t1",
		SubtaskID:         "a",
		ResponseToEventID: askEnv.ID,
		UserResponse:      "the second one",
	}
	require.NoError(t, o.onHumanInputProvided(ctx, envelope(t, *answer), answer))

	dispatches := rec.waitFor(t, 2)
	resumed := dispatches[1]
	assert.Equal(t, "a", resumed.SubtaskID)
	assert.Equal(t, "cp-42", resumed.CheckpointID)
	assert.Equal(t, "the second one", resumed.ResumeText)
	assert.Equal(t, "pick one", resumed.Instructions)

	assert.Empty(t, o.PendingInterrupts())
	sub, err = store.GetSubtask("t1", "a")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusRunning, sub.Status)
}

func TestInterruptsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	plansDir := filepath.Join(dir, "plans")
	interruptsDir := filepath.Join(dir, "interrupts")

	newInstance := func() (*Orchestrator, *plan.Store, *dispatchRecorder) {
		store, err := plan.NewStore(plan.NewYAMLRepository(plansDir))
		require.NoError(t, err)
		bus := event.NewBus(event.WithBackoff(time.Millisecond, 10*time.Millisecond))
		t.Cleanup(func() { _ = bus.Shutdown() })
		rec := &dispatchRecorder{}
		rec.subscribe(t, bus, event.StreamSubtaskDispatch)
		interrupts, err := NewYAMLInterruptStore(interruptsDir)
		require.NoError(t, err)
		o := New(store, bus, interrupts, nil)
		require.NoError(t, bus.Run(context.Background()))
		return o, store, rec
	}

	o1, _, rec1 := newInstance()
	d := taskCreated("t1", plan.SubtaskDef{ID: "a", Name: "decide", Instructions: "pick one"})
	require.NoError(t, o1.onTaskCreated(ctx, envelope(t, *d), d))
	rec1.waitFor(t, 1)

	ask := &event.HumanInputRequired{
		TaskID:       "t1",
		SubtaskID:    "a",
		Question:     "which one?",
		CheckpointID: "cp-9",
	}
	askEnv := envelope(t, *ask)
	require.NoError(t, o1.onHumanInputRequired(ctx, askEnv, ask))

	// A fresh instance on the same data directory stands in for a
	// restarted daemon; the answer must still find its question.
	o2, store2, rec2 := newInstance()
	pending := o2.PendingInterrupts()
	require.Len(t, pending, 1)
	assert.Equal(t, askEnv.ID, pending[0].EventID)

	answer := &event.HumanInputProvided{
		TaskID:            "t1",
		SubtaskID:         "a",
		ResponseToEventID: askEnv.ID,
		UserResponse:      "the red one",
	}
	require.NoError(t, o2.onHumanInputProvided(ctx, envelope(t, *answer), answer))

	dispatches := rec2.waitFor(t, 1)
	resumed := dispatches[len(dispatches)-1]
	assert.Equal(t, "a", resumed.SubtaskID)
	assert.Equal(t, "cp-9", resumed.CheckpointID)
	assert.Equal(t, "the red one", resumed.ResumeText)

	assert.Empty(t, o2.PendingInterrupts())
	sub, err := store2.GetSubtask("t1", "a")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusRunning, sub.Status)
}

func TestResponseToUnknownInterruptIsDropped(t *testing.T) {
	o, _, rec := newTestOrchestrator(t)
	ctx := context.Background()

	answer := &event.HumanInputProvided{ResponseToEventID: "never-asked"}
	require.NoError(t, o.onHumanInputProvided(ctx, envelope(t, *answer), answer))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}
