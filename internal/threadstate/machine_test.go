package threadstate

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/internal/repository"
	"execution-insight/backend/pkg/models"
)

var t0 = time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	store   *repository.MemoryStore
	machine *Machine
	seq     map[string]int64
}

func newHarness() *harness {
	mock := clock.NewMock()
	mock.Set(t0)
	store := repository.NewMemoryStore()
	return &harness{store: store, machine: NewMachine(store, mock, nil), seq: map[string]int64{}}
}

func (h *harness) event(threadID, taskID string, kind models.EventKind, p models.EventPayload) *models.Event {
	h.seq[threadID]++
	seq := h.seq[threadID]
	return &models.Event{
		ThreadID:   threadID,
		TaskID:     taskID,
		Kind:       kind,
		Sequence:   seq,
		OccurredAt: t0.Add(time.Duration(seq) * time.Minute),
		Payload:    p,
	}
}

func (h *harness) apply(t *testing.T, threadID, taskID string, kind models.EventKind, p models.EventPayload) *Outcome {
	t.Helper()
	out, err := h.machine.Apply(context.Background(), h.event(threadID, taskID, kind, p))
	require.NoError(t, err)
	return out
}

func TestApply_HappyPath(t *testing.T) {
	h := newHarness()
	h.apply(t, "th-1", "", models.EventThreadStarted, models.EventPayload{
		ProcessDefinitionID: "loan-approval", Domain: "lending", Variables: map[string]any{"amount": 5000.0},
	})
	h.apply(t, "th-1", "tk-1", models.EventTaskStarted, models.EventPayload{
		TaskName: "Score applicant", TaskType: models.TaskTypeService, InputRef: "sha256:in",
	})
	out := h.apply(t, "th-1", "tk-1", models.EventTaskCompleted, models.EventPayload{OutputRef: "sha256:out"})
	require.Len(t, out.Completions, 1)
	assert.Equal(t, models.TargetTask, out.Completions[0].TargetType)

	out = h.apply(t, "th-1", "", models.EventThreadCompleted, models.EventPayload{})
	require.NoError(t, out.Rejection)

	th, err := h.store.GetThread(context.Background(), "th-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, th.Status)
	assert.Equal(t, "loan-approval", th.ProcessDefinitionID)
	assert.Equal(t, 1, th.TaskCount)
	assert.Equal(t, 1, th.CompletedTasks)
	require.NotNil(t, th.EndTime)
	assert.Equal(t, int64(4), th.LastSequence)
	require.Len(t, th.ExecutionPath, 2)
	assert.Equal(t, models.StatusCompleted, th.ExecutionPath[1].To)
	assert.NoError(t, th.CheckInvariants())

	tk, err := h.store.GetTask(context.Background(), "tk-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, tk.Status)
	assert.Equal(t, "sha256:in", tk.InputRef)
	assert.Equal(t, "sha256:out", tk.OutputRef)
	assert.Equal(t, int64(time.Minute/time.Millisecond), tk.Metrics.DurationMs)
}

func TestApply_UnseenThreadIsAutoCreated(t *testing.T) {
	h := newHarness()
	out := h.apply(t, "th-auto", "tk-1", models.EventTaskStarted, models.EventPayload{ProcessDefinitionID: "p"})
	assert.Equal(t, models.StatusActive, out.Thread.Status)
	assert.Equal(t, "p", out.Thread.ProcessDefinitionID)
	assert.Equal(t, models.NotifyThreadStatusChanged, out.Notifications[0].Kind)

	// A late thread_started only fills metadata.
	out = h.apply(t, "th-auto", "", models.EventThreadStarted, models.EventPayload{BusinessKey: "BK-9"})
	require.NoError(t, out.Rejection)
	assert.Equal(t, "BK-9", out.Thread.BusinessKey)
	assert.Equal(t, 1, out.Thread.TaskCount)
}

func TestApply_PostTerminalEventsAreLoggedOnly(t *testing.T) {
	h := newHarness()
	h.apply(t, "th-2", "", models.EventThreadStarted, models.EventPayload{})
	h.apply(t, "th-2", "", models.EventThreadFailed, models.EventPayload{})

	out := h.apply(t, "th-2", "tk-late", models.EventTaskStarted, models.EventPayload{})
	assert.NoError(t, out.Rejection)
	assert.Equal(t, models.AnomalyPostTerminal, out.Event.Anomaly)
	assert.Nil(t, out.Task)

	th, err := h.store.GetThread(context.Background(), "th-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, th.Status)
	assert.Zero(t, th.TaskCount)
	assert.Equal(t, int64(3), th.LastSequence)

	_, err = h.store.GetTask(context.Background(), "tk-late")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	events, err := h.store.Events(context.Background(), "th-2", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, models.AnomalyPostTerminal, events[2].Anomaly)
}

func TestApply_InvalidTransitionIsRecorded(t *testing.T) {
	tests := []struct {
		name  string
		setup []models.EventKind
		kind  models.EventKind
	}{
		{name: "resume active thread", setup: []models.EventKind{models.EventThreadStarted}, kind: models.EventThreadResumed},
		{name: "terminate suspended thread", setup: []models.EventKind{models.EventThreadStarted, models.EventThreadSuspended}, kind: models.EventThreadTerminated},
		{name: "complete suspended thread", setup: []models.EventKind{models.EventThreadStarted, models.EventThreadSuspended}, kind: models.EventThreadCompleted},
		{name: "restart suspended thread", setup: []models.EventKind{models.EventThreadStarted, models.EventThreadSuspended}, kind: models.EventThreadStarted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			for _, k := range tt.setup {
				h.apply(t, "th", "", k, models.EventPayload{})
			}
			before, err := h.store.GetThread(context.Background(), "th")
			require.NoError(t, err)

			out := h.apply(t, "th", "", tt.kind, models.EventPayload{})
			assert.ErrorIs(t, out.Rejection, apperrors.ErrInvalidTransition)
			assert.Equal(t, models.AnomalyRejected, out.Event.Anomaly)

			after, err := h.store.GetThread(context.Background(), "th")
			require.NoError(t, err)
			assert.Equal(t, before.Status, after.Status)
			assert.Equal(t, before.LastSequence+1, after.LastSequence)
			assert.Equal(t, models.AnomalyRejected, after.Anomalies[len(after.Anomalies)-1].Kind)
		})
	}
}

func TestApply_SuspendAndResume(t *testing.T) {
	h := newHarness()
	h.apply(t, "th", "", models.EventThreadStarted, models.EventPayload{})
	out := h.apply(t, "th", "", models.EventThreadSuspended, models.EventPayload{})
	assert.Equal(t, models.StatusSuspended, out.Thread.Status)
	assert.Nil(t, out.Thread.EndTime)
	out = h.apply(t, "th", "", models.EventThreadResumed, models.EventPayload{})
	assert.Equal(t, models.StatusActive, out.Thread.Status)
}

func TestApply_ImplicitTask(t *testing.T) {
	h := newHarness()
	h.apply(t, "th", "", models.EventThreadStarted, models.EventPayload{})
	out := h.apply(t, "th", "tk-x", models.EventTaskFailed, models.EventPayload{TaskType: models.TaskTypeScript, Error: "boom"})

	require.NoError(t, out.Rejection)
	assert.Equal(t, models.AnomalyImplicitTask, out.Event.Anomaly)
	assert.Equal(t, 1, out.Thread.TaskCount)
	assert.Equal(t, 1, out.Thread.FailedTasks)
	assert.Equal(t, models.StatusFailed, out.Task.Status)
	assert.Equal(t, "boom", out.Task.Error)
	assert.Equal(t, 1, out.Task.Metrics.ErrorCount)
}

func TestApply_TerminalTaskStaysTerminal(t *testing.T) {
	h := newHarness()
	h.apply(t, "th", "", models.EventThreadStarted, models.EventPayload{})
	h.apply(t, "th", "tk", models.EventTaskStarted, models.EventPayload{})
	h.apply(t, "th", "tk", models.EventTaskCompleted, models.EventPayload{})

	for _, kind := range []models.EventKind{models.EventTaskFailed, models.EventTaskStarted, models.EventTaskTerminated} {
		out := h.apply(t, "th", "tk", kind, models.EventPayload{})
		assert.ErrorIs(t, out.Rejection, apperrors.ErrInvalidTransition, kind.String())
	}
	th, err := h.store.GetThread(context.Background(), "th")
	require.NoError(t, err)
	assert.Equal(t, 1, th.CompletedTasks)
	assert.Zero(t, th.FailedTasks)
	tk, err := h.store.GetTask(context.Background(), "tk")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, tk.Status)
}

func TestApply_ContextAmendment(t *testing.T) {
	h := newHarness()
	h.apply(t, "th", "", models.EventThreadStarted, models.EventPayload{})
	h.apply(t, "th", "tk", models.EventTaskStarted, models.EventPayload{})

	out := h.apply(t, "th", "tk", models.EventTaskContextAmended, models.EventPayload{OutputRef: "sha256:early"})
	assert.ErrorIs(t, out.Rejection, apperrors.ErrInvalidTransition)

	h.apply(t, "th", "tk", models.EventTaskCompleted, models.EventPayload{OutputRef: "sha256:v1"})
	out = h.apply(t, "th", "tk", models.EventTaskContextAmended, models.EventPayload{OutputRef: "sha256:v2"})
	require.NoError(t, out.Rejection)
	assert.Equal(t, "sha256:v2", out.Task.OutputRef)
	assert.Equal(t, []string{"sha256:v1"}, out.Task.PreviousOutputRefs)
}

func TestApply_InputRefIsWriteOnce(t *testing.T) {
	h := newHarness()
	h.apply(t, "th", "tk", models.EventTaskStarted, models.EventPayload{InputRef: "sha256:a"})
	out := h.apply(t, "th", "tk", models.EventTaskStarted, models.EventPayload{InputRef: "sha256:b"})
	require.NoError(t, out.Rejection)
	assert.Equal(t, "sha256:a", out.Task.InputRef)
	assert.Equal(t, 1, out.Thread.TaskCount)
}

func TestApply_DuplicateCommitIsReported(t *testing.T) {
	h := newHarness()
	ev := h.event("th", "", models.EventThreadStarted, models.EventPayload{})
	_, err := h.machine.Apply(context.Background(), ev)
	require.NoError(t, err)
	_, err = h.machine.Apply(context.Background(), ev)
	assert.ErrorIs(t, err, repository.ErrDuplicateEvent)
}

func TestApply_TaskOfAnotherThread(t *testing.T) {
	h := newHarness()
	h.apply(t, "th-a", "shared", models.EventTaskStarted, models.EventPayload{})
	_, err := h.machine.Apply(context.Background(), h.event("th-b", "shared", models.EventTaskCompleted, models.EventPayload{}))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

// Every event kind has a branch that accepts it from a suitable state.
func TestTransition_HandlesEveryEventKind(t *testing.T) {
	active := &models.Thread{ID: "th", ProcessInstanceID: "th", Status: models.StatusActive, StartTime: t0, TaskCount: 1}
	suspended := active.Clone()
	suspended.Status = models.StatusSuspended
	runningTask := &models.Task{ID: "tk", ThreadID: "th", Status: models.StatusActive, StartTime: t0}
	doneTask := runningTask.Clone()
	doneTask.Status = models.StatusCompleted
	end := t0.Add(time.Minute)
	doneTask.EndTime = &end
	doneTask.OutputRef = "sha256:v1"

	fixtures := map[models.EventKind]struct {
		thread *models.Thread
		task   *models.Task
	}{
		models.EventThreadStarted:      {active, nil},
		models.EventThreadCompleted:    {active, nil},
		models.EventThreadFailed:       {active, nil},
		models.EventThreadSuspended:    {active, nil},
		models.EventThreadResumed:      {suspended, nil},
		models.EventThreadTerminated:   {active, nil},
		models.EventTaskStarted:        {active, nil},
		models.EventTaskCompleted:      {active, runningTask},
		models.EventTaskFailed:         {active, runningTask},
		models.EventTaskTerminated:     {active, runningTask},
		models.EventTaskContextAmended: {active, doneTask},
		models.EventVariablesUpdated:   {active, nil},
	}
	require.Len(t, fixtures, len(models.AllEventKinds))

	for _, kind := range models.AllEventKinds {
		t.Run(kind.String(), func(t *testing.T) {
			f, ok := fixtures[kind]
			require.True(t, ok)
			ev := &models.Event{ThreadID: "th", Kind: kind, Sequence: 1, OccurredAt: end,
				Payload: models.EventPayload{OutputRef: "sha256:v2", Variables: map[string]any{"k": "v"}}}
			if kind.IsTaskEvent() {
				ev.TaskID = "tk"
			}
			out := Transition(f.thread, f.task, ev, end)
			assert.NoError(t, out.Rejection)
			assert.Empty(t, out.Event.Anomaly)
			assert.NoError(t, out.Thread.CheckInvariants())
		})
	}
}
