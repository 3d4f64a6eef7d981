package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the closed set of lifecycle events emitted by the execution engine
type EventKind uint

const (
	_ EventKind = iota

	EventThreadStarted
	EventThreadCompleted
	EventThreadFailed
	EventThreadSuspended
	EventThreadResumed
	EventThreadTerminated

	EventTaskStarted
	EventTaskCompleted
	EventTaskFailed
	EventTaskTerminated
	EventTaskContextAmended

	EventVariablesUpdated
)

// AllEventKinds lists every event kind, in declaration order.
var AllEventKinds = []EventKind{
	EventThreadStarted, EventThreadCompleted, EventThreadFailed, EventThreadSuspended,
	EventThreadResumed, EventThreadTerminated, EventTaskStarted, EventTaskCompleted,
	EventTaskFailed, EventTaskTerminated, EventTaskContextAmended, EventVariablesUpdated,
}

func (k EventKind) String() string {
	switch k {
	case EventThreadStarted:
		return "thread_started"
	case EventThreadCompleted:
		return "thread_completed"
	case EventThreadFailed:
		return "thread_failed"
	case EventThreadSuspended:
		return "thread_suspended"
	case EventThreadResumed:
		return "thread_resumed"
	case EventThreadTerminated:
		return "thread_terminated"
	case EventTaskStarted:
		return "task_started"
	case EventTaskCompleted:
		return "task_completed"
	case EventTaskFailed:
		return "task_failed"
	case EventTaskTerminated:
		return "task_terminated"
	case EventTaskContextAmended:
		return "task_context_amended"
	case EventVariablesUpdated:
		return "variables_updated"
	default:
		return "unknown"
	}
}

// ParseEventKind converts a wire value into an EventKind.
func ParseEventKind(v string) (EventKind, error) {
	for _, k := range AllEventKinds {
		if k.String() == v {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", v)
}

// IsTaskEvent reports whether the event targets a single task.
func (k EventKind) IsTaskEvent() bool {
	switch k {
	case EventTaskStarted, EventTaskCompleted, EventTaskFailed, EventTaskTerminated, EventTaskContextAmended:
		return true
	default:
		return false
	}
}

// IsThreadTerminal reports whether the event ends the thread.
func (k EventKind) IsThreadTerminal() bool {
	return k == EventThreadCompleted || k == EventThreadFailed || k == EventThreadTerminated
}

func (k EventKind) MarshalText() ([]byte, error) {
	if k.String() == "unknown" {
		return nil, fmt.Errorf("cannot marshal event kind %d", uint(k))
	}
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(b []byte) error {
	parsed, err := ParseEventKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// EventPayload carries the kind-specific data of a lifecycle event.
// Raw context fields are replaced by content hashes before the event is logged.
type EventPayload struct {
	ProcessInstanceID   string          `json:"process_instance_id,omitempty"`
	ProcessDefinitionID string          `json:"process_definition_id,omitempty"`
	BusinessKey         string          `json:"business_key,omitempty"`
	Domain              string          `json:"domain,omitempty"`
	TaskName            string          `json:"task_name,omitempty"`
	TaskType            TaskType        `json:"task_type,omitempty"`
	Assignee            string          `json:"assignee,omitempty"`
	CalledProcess       string          `json:"called_process,omitempty"`
	Input               json.RawMessage `json:"input,omitempty"`
	Injected            json.RawMessage `json:"injected,omitempty"`
	Output              json.RawMessage `json:"output,omitempty"`
	InputRef            string          `json:"input_ref,omitempty"`
	InjectedRef         string          `json:"injected_ref,omitempty"`
	OutputRef           string          `json:"output_ref,omitempty"`
	Variables           map[string]any  `json:"variables,omitempty"`
	Metrics             *TaskMetrics    `json:"metrics,omitempty"`
	Error               string          `json:"error,omitempty"`
}

// Event is one lifecycle event for a thread, ordered by Sequence
type Event struct {
	ThreadID   string       `json:"thread_id" db:"thread_id"`
	TaskID     string       `json:"task_id,omitempty" db:"task_id"`
	Kind       EventKind    `json:"kind" db:"kind"`
	Sequence   int64        `json:"sequence" db:"sequence"`
	OccurredAt time.Time    `json:"occurred_at" db:"occurred_at"`
	ReceivedAt time.Time    `json:"received_at" db:"received_at"`
	Payload    EventPayload `json:"payload" db:"payload"`
	Anomaly    AnomalyKind  `json:"anomaly,omitempty" db:"anomaly"`
}

// Key identifies an event for deduplication.
func (e *Event) Key() string {
	return fmt.Sprintf("%s/%d", e.ThreadID, e.Sequence)
}

// Validate checks the structural requirements of an event before it is accepted.
func (e *Event) Validate() error {
	if e.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	if e.Sequence < 1 {
		return fmt.Errorf("sequence must be positive, got %d", e.Sequence)
	}
	if e.Kind.String() == "unknown" {
		return fmt.Errorf("unknown event kind %d", uint(e.Kind))
	}
	if e.Kind.IsTaskEvent() && e.TaskID == "" {
		return fmt.Errorf("%s requires task_id", e.Kind)
	}
	if e.Kind == EventTaskContextAmended && len(e.Payload.Output) == 0 && e.Payload.OutputRef == "" {
		return fmt.Errorf("%s requires an output context", e.Kind)
	}
	if e.Payload.TaskType != "" {
		if _, err := ParseTaskType(string(e.Payload.TaskType)); err != nil {
			return err
		}
	}
	for name, raw := range map[string]json.RawMessage{
		"input": e.Payload.Input, "injected": e.Payload.Injected, "output": e.Payload.Output,
	} {
		if len(raw) > 0 && !json.Valid(raw) {
			return fmt.Errorf("%s context is not valid JSON", name)
		}
	}
	return nil
}
