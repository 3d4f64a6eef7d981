// Package threadstate applies lifecycle events to thread and task projections.
//
// The Machine is the only writer of threads and tasks. Callers must
// serialize Apply per thread; the ingest workers do this by sharding.
package threadstate

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/internal/logging"
	"execution-insight/backend/internal/repository"
	"execution-insight/backend/pkg/models"
)

var threadTransitions = map[models.Status][]models.Status{
	models.StatusActive:    {models.StatusCompleted, models.StatusFailed, models.StatusSuspended, models.StatusTerminated},
	models.StatusSuspended: {models.StatusActive},
}

var taskTransitions = map[models.Status][]models.Status{
	models.StatusActive: {models.StatusCompleted, models.StatusFailed, models.StatusTerminated},
}

func allowed(table map[models.Status][]models.Status, from, to models.Status) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome describes what applying one event did.
type Outcome struct {
	Event  *models.Event
	Thread *models.Thread
	Task   *models.Task

	// Rejection is set when the event was logged but violated the lifecycle.
	Rejection error

	Notifications []models.Notification
	Completions   []models.CompletionNotice
}

type Machine struct {
	store  repository.ThreadStore
	clock  clock.Clock
	logger *logging.Logger
}

func NewMachine(store repository.ThreadStore, clk clock.Clock, logger *logging.Logger) *Machine {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Machine{store: store, clock: clk, logger: logger}
}

// Apply loads the projections, applies ev and commits the result atomically.
// The returned error is non-nil only when nothing was committed.
func (m *Machine) Apply(ctx context.Context, ev *models.Event) (*Outcome, error) {
	now := m.clock.Now()

	thread, err := m.store.GetThread(ctx, ev.ThreadID)
	created := false
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		thread = newThread(ev)
		created = true
	case err != nil:
		return nil, apperrors.Dependency("thread_store", err)
	}

	var task *models.Task
	if ev.Kind.IsTaskEvent() {
		task, err = m.store.GetTask(ctx, ev.TaskID)
		switch {
		case apperrors.Is(err, apperrors.ErrNotFound):
			task = nil
		case err != nil:
			return nil, apperrors.Dependency("thread_store", err)
		case task.ThreadID != ev.ThreadID:
			return nil, apperrors.Validation("task %s belongs to thread %s", ev.TaskID, task.ThreadID)
		}
	}

	out := Transition(thread, task, ev, now)
	if created {
		out.Notifications = append([]models.Notification{{
			Kind: models.NotifyThreadStatusChanged, ThreadID: thread.ID, Status: out.Thread.Status,
			Sequence: ev.Sequence, Detail: "created", At: now,
		}}, out.Notifications...)
	}
	if err := out.Thread.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("applying %s: %w", ev.Key(), err)
	}

	if err := m.store.Commit(ctx, repository.Commit{Event: out.Event, Thread: out.Thread, Task: out.Task}); err != nil {
		if apperrors.Is(err, repository.ErrDuplicateEvent) {
			return nil, err
		}
		return nil, apperrors.Dependency("thread_store", err)
	}

	if out.Rejection != nil {
		m.logger.Warn("event rejected",
			logging.ThreadIDKey, ev.ThreadID, logging.SequenceKey, ev.Sequence,
			logging.EventKindKey, ev.Kind.String(), logging.ErrorKey, out.Rejection)
	}
	return out, nil
}

func newThread(ev *models.Event) *models.Thread {
	return &models.Thread{
		ID:                ev.ThreadID,
		ProcessInstanceID: ev.ThreadID,
		Status:            models.StatusActive,
		StartTime:         ev.OccurredAt,
	}
}

// Transition applies ev to copies of thread and task. It never fails: a
// lifecycle violation is reported through Outcome.Rejection and leaves the
// projections unchanged apart from the sequence and the anomaly record.
func Transition(thread *models.Thread, task *models.Task, ev *models.Event, now time.Time) *Outcome {
	logged := *ev
	th := thread.Clone()
	var tk *models.Task
	if task != nil {
		tk = task.Clone()
	}

	a := &applier{thread: th, task: tk, ev: &logged, now: now}
	if th.Status.IsTerminal() {
		a.anomaly(models.AnomalyPostTerminal, fmt.Sprintf("%s after thread %s", ev.Kind, th.Status))
		a.finish(thread.LastSequence)
		return a.outcome(nil, false)
	}
	if logged.Anomaly == models.AnomalyOutOfOrder {
		a.recordThreadAnomaly(models.AnomalyOutOfOrder, "applied after reorder window")
	}

	if err := a.apply(); err != nil {
		// Start over from the stored projections so nothing but the log moves.
		r := &applier{thread: thread.Clone(), ev: &logged, now: now}
		if logged.Anomaly == models.AnomalyOutOfOrder {
			r.recordThreadAnomaly(models.AnomalyOutOfOrder, "applied after reorder window")
		}
		r.anomaly(models.AnomalyRejected, err.Error())
		r.finish(thread.LastSequence)
		return r.outcome(err, false)
	}
	a.finish(thread.LastSequence)
	return a.outcome(nil, true)
}

type applier struct {
	thread *models.Thread
	task   *models.Task
	ev     *models.Event
	now    time.Time

	notifications []models.Notification
	completions   []models.CompletionNotice
}

func (a *applier) anomaly(kind models.AnomalyKind, detail string) {
	if a.ev.Anomaly == "" {
		a.ev.Anomaly = kind
	}
	a.recordThreadAnomaly(kind, detail)
}

func (a *applier) recordThreadAnomaly(kind models.AnomalyKind, detail string) {
	a.thread.AddAnomaly(models.Anomaly{Sequence: a.ev.Sequence, Kind: kind, Detail: detail, At: a.now})
	a.notifications = append(a.notifications, models.Notification{
		Kind: models.NotifyAnomaly, ThreadID: a.thread.ID, TaskID: a.ev.TaskID,
		Sequence: a.ev.Sequence, Detail: string(kind), At: a.now,
	})
}

func (a *applier) finish(prevSeq int64) {
	if a.ev.Sequence > prevSeq {
		a.thread.LastSequence = a.ev.Sequence
	} else {
		a.thread.LastSequence = prevSeq
	}
	a.thread.UpdatedAt = a.now
	if a.task != nil {
		a.task.UpdatedAt = a.now
	}
}

func (a *applier) outcome(rejection error, keepTask bool) *Outcome {
	out := &Outcome{
		Event:         a.ev,
		Thread:        a.thread,
		Rejection:     rejection,
		Notifications: a.notifications,
		Completions:   a.completions,
	}
	if keepTask {
		out.Task = a.task
	}
	return out
}

func (a *applier) apply() error {
	a.fillThreadMetadata()

	switch a.ev.Kind {
	case models.EventThreadStarted:
		return a.threadStarted()
	case models.EventThreadCompleted:
		return a.threadTo(models.StatusCompleted)
	case models.EventThreadFailed:
		return a.threadTo(models.StatusFailed)
	case models.EventThreadSuspended:
		return a.threadTo(models.StatusSuspended)
	case models.EventThreadResumed:
		return a.threadTo(models.StatusActive)
	case models.EventThreadTerminated:
		return a.threadTo(models.StatusTerminated)
	case models.EventTaskStarted:
		return a.taskStarted()
	case models.EventTaskCompleted:
		return a.taskTo(models.StatusCompleted)
	case models.EventTaskFailed:
		return a.taskTo(models.StatusFailed)
	case models.EventTaskTerminated:
		return a.taskTo(models.StatusTerminated)
	case models.EventTaskContextAmended:
		return a.taskContextAmended()
	case models.EventVariablesUpdated:
		a.mergeVariables()
		return nil
	default:
		return apperrors.Validation("unhandled event kind %d", uint(a.ev.Kind))
	}
}

func (a *applier) fillThreadMetadata() {
	p := a.ev.Payload
	th := a.thread
	if th.ProcessInstanceID == th.ID && p.ProcessInstanceID != "" {
		th.ProcessInstanceID = p.ProcessInstanceID
	}
	if th.ProcessDefinitionID == "" {
		th.ProcessDefinitionID = p.ProcessDefinitionID
	}
	if th.BusinessKey == "" {
		th.BusinessKey = p.BusinessKey
	}
	if th.Domain == "" {
		th.Domain = p.Domain
	}
}

func (a *applier) mergeVariables() {
	if len(a.ev.Payload.Variables) == 0 {
		return
	}
	if a.thread.Variables == nil {
		a.thread.Variables = make(map[string]any, len(a.ev.Payload.Variables))
	}
	for k, v := range a.ev.Payload.Variables {
		a.thread.Variables[k] = v
	}
}

func (a *applier) threadStarted() error {
	if a.thread.Status != models.StatusActive {
		return fmt.Errorf("%w: thread_started on %s thread", apperrors.ErrInvalidTransition, a.thread.Status)
	}
	// The thread may have been auto-created by an earlier-arriving event.
	if a.ev.OccurredAt.Before(a.thread.StartTime) || a.thread.LastSequence == 0 {
		a.thread.StartTime = a.ev.OccurredAt
	}
	a.mergeVariables()
	return nil
}

func (a *applier) threadTo(to models.Status) error {
	from := a.thread.Status
	if !allowed(threadTransitions, from, to) {
		return fmt.Errorf("%w: thread %s -> %s", apperrors.ErrInvalidTransition, from, to)
	}
	a.thread.Status = to
	if to.IsTerminal() {
		end := a.ev.OccurredAt
		if end.Before(a.thread.StartTime) {
			end = a.thread.StartTime
		}
		a.thread.EndTime = &end
		a.completions = append(a.completions, models.CompletionNotice{
			TargetType: models.TargetThread, TargetID: a.thread.ID, ThreadID: a.thread.ID,
		})
	}
	a.mergeVariables()
	a.notifications = append(a.notifications, models.Notification{
		Kind: models.NotifyThreadStatusChanged, ThreadID: a.thread.ID, Status: to,
		Sequence: a.ev.Sequence, Detail: string(from), At: a.now,
	})
	return nil
}

// ensureTask creates the task on first sight. Tasks first seen through
// anything but task_started are recorded as implicit.
func (a *applier) ensureTask() {
	if a.task != nil {
		return
	}
	a.task = &models.Task{
		ID:        a.ev.TaskID,
		ThreadID:  a.thread.ID,
		Status:    models.StatusActive,
		StartTime: a.ev.OccurredAt,
	}
	a.thread.TaskCount++
	if a.ev.Kind != models.EventTaskStarted {
		a.anomaly(models.AnomalyImplicitTask, fmt.Sprintf("task %s first seen on %s", a.ev.TaskID, a.ev.Kind))
	}
}

func (a *applier) fillTask() {
	p := a.ev.Payload
	t := a.task
	if t.Name == "" {
		t.Name = p.TaskName
	}
	if t.Type == "" {
		t.Type = p.TaskType
	}
	if t.Assignee == "" {
		t.Assignee = p.Assignee
	}
	if t.CalledProcess == "" {
		t.CalledProcess = p.CalledProcess
	}
	// Context slots are write-once.
	if t.InputRef == "" {
		t.InputRef = p.InputRef
	}
	if t.InjectedRef == "" {
		t.InjectedRef = p.InjectedRef
	}
}

func (a *applier) pathEntry(from, to models.Status) {
	a.thread.ExecutionPath = append(a.thread.ExecutionPath, models.TaskTransition{
		TaskID: a.task.ID, TaskName: a.task.Name, TaskType: a.task.Type,
		From: from, To: to, Sequence: a.ev.Sequence, At: a.ev.OccurredAt,
	})
}

func (a *applier) taskStarted() error {
	if a.task != nil && a.task.Status != models.StatusActive {
		return fmt.Errorf("%w: task_started on %s task %s", apperrors.ErrInvalidTransition, a.task.Status, a.task.ID)
	}
	isNew := a.task == nil
	a.ensureTask()
	a.fillTask()
	if isNew {
		a.pathEntry("", models.StatusActive)
	}
	return nil
}

func (a *applier) taskTo(to models.Status) error {
	if a.task != nil && !allowed(taskTransitions, a.task.Status, to) {
		return fmt.Errorf("%w: task %s %s -> %s", apperrors.ErrInvalidTransition, a.task.ID, a.task.Status, to)
	}
	a.ensureTask()
	a.fillTask()

	from := a.task.Status
	t := a.task
	t.Status = to
	end := a.ev.OccurredAt
	if end.Before(t.StartTime) {
		end = t.StartTime
	}
	t.EndTime = &end
	if t.OutputRef == "" {
		t.OutputRef = a.ev.Payload.OutputRef
	}
	if m := a.ev.Payload.Metrics; m != nil {
		t.Metrics = *m
	}
	if t.Metrics.DurationMs == 0 {
		t.Metrics.DurationMs = end.Sub(t.StartTime).Milliseconds()
	}
	if a.ev.Payload.Error != "" {
		t.Error = a.ev.Payload.Error
	}

	switch to {
	case models.StatusCompleted:
		a.thread.CompletedTasks++
	case models.StatusFailed:
		a.thread.FailedTasks++
		if t.Metrics.ErrorCount == 0 {
			t.Metrics.ErrorCount = 1
		}
	}
	a.pathEntry(from, to)
	a.notifications = append(a.notifications, models.Notification{
		Kind: models.NotifyTaskFinished, ThreadID: a.thread.ID, TaskID: t.ID, Status: to,
		Sequence: a.ev.Sequence, At: a.now,
	})
	a.completions = append(a.completions, models.CompletionNotice{
		TargetType: models.TargetTask, TargetID: t.ID, ThreadID: a.thread.ID,
	})
	return nil
}

// taskContextAmended replaces the output of a finished task, keeping the
// previous hash in the amendment history.
func (a *applier) taskContextAmended() error {
	if a.task == nil {
		return fmt.Errorf("%w: amendment for unknown task %s", apperrors.ErrInvalidTransition, a.ev.TaskID)
	}
	if !a.task.Status.IsTerminal() {
		return fmt.Errorf("%w: amendment on %s task %s", apperrors.ErrInvalidTransition, a.task.Status, a.task.ID)
	}
	ref := a.ev.Payload.OutputRef
	if ref == "" || ref == a.task.OutputRef {
		return nil
	}
	if a.task.OutputRef != "" {
		a.task.PreviousOutputRefs = append(a.task.PreviousOutputRefs, a.task.OutputRef)
	}
	a.task.OutputRef = ref
	return nil
}
