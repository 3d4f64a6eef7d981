package models

import (
	"fmt"
	"time"
)

// TaskType enumerates the kinds of steps a thread can execute
type TaskType string

const (
	TaskTypeUser         TaskType = "user"
	TaskTypeService      TaskType = "service"
	TaskTypeScript       TaskType = "script"
	TaskTypeManual       TaskType = "manual"
	TaskTypeBusinessRule TaskType = "business_rule"
	TaskTypeSend         TaskType = "send"
	TaskTypeReceive      TaskType = "receive"
	TaskTypeCallActivity TaskType = "call_activity"
	TaskTypeSubProcess   TaskType = "sub_process"
	TaskTypeAgent        TaskType = "agent"
)

// AllTaskTypes lists every supported task type.
var AllTaskTypes = []TaskType{
	TaskTypeUser, TaskTypeService, TaskTypeScript, TaskTypeManual, TaskTypeBusinessRule,
	TaskTypeSend, TaskTypeReceive, TaskTypeCallActivity, TaskTypeSubProcess, TaskTypeAgent,
}

// ParseTaskType converts a wire value into a TaskType.
func ParseTaskType(v string) (TaskType, error) {
	for _, t := range AllTaskTypes {
		if string(t) == v {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown task type %q", v)
}

// TaskMetrics captures execution measurements for a task
type TaskMetrics struct {
	DurationMs  int64 `json:"duration_ms"`
	CPUMillis   int64 `json:"cpu_millis,omitempty"`
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
	ErrorCount  int   `json:"error_count"`
	RetryCount  int   `json:"retry_count"`
}

// Task is one execution step within a thread
type Task struct {
	ID                 string      `json:"id" db:"id"`
	ThreadID           string      `json:"thread_id" db:"thread_id"`
	Name               string      `json:"name" db:"name"`
	Type               TaskType    `json:"type" db:"type"`
	Status             Status      `json:"status" db:"status"`
	StartTime          time.Time   `json:"start_time" db:"start_time"`
	EndTime            *time.Time  `json:"end_time,omitempty" db:"end_time"`
	Assignee           string      `json:"assignee,omitempty" db:"assignee"`
	InputRef           string      `json:"input_ref,omitempty" db:"input_ref"`
	InjectedRef        string      `json:"injected_ref,omitempty" db:"injected_ref"`
	OutputRef          string      `json:"output_ref,omitempty" db:"output_ref"`
	PreviousOutputRefs []string    `json:"previous_output_refs,omitempty" db:"previous_output_refs"`
	CalledProcess      string      `json:"called_process,omitempty" db:"called_process"`
	Metrics            TaskMetrics `json:"metrics" db:"metrics"`
	Error              string      `json:"error,omitempty" db:"error"`
	UpdatedAt          time.Time   `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.EndTime != nil {
		end := *t.EndTime
		c.EndTime = &end
	}
	c.PreviousOutputRefs = append([]string(nil), t.PreviousOutputRefs...)
	return &c
}

// ContextRefs returns the live context hashes referenced by the task.
func (t *Task) ContextRefs() []string {
	refs := make([]string, 0, 3)
	for _, r := range []string{t.InputRef, t.InjectedRef, t.OutputRef} {
		if r != "" {
			refs = append(refs, r)
		}
	}
	return refs
}
