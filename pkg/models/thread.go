// Package models defines the domain models for the execution insight service
package models

import (
	"fmt"
	"time"
)

// Status is the lifecycle state shared by threads and tasks
type Status string

const (
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

// AllStatuses lists every lifecycle state.
var AllStatuses = []Status{StatusActive, StatusCompleted, StatusFailed, StatusSuspended, StatusTerminated}

// IsTerminal reports whether no further transition is permitted out of s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

// ParseStatus converts a wire value into a Status.
func ParseStatus(v string) (Status, error) {
	for _, s := range AllStatuses {
		if string(s) == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", v)
}

// AnomalyKind classifies irregularities recorded while applying events
type AnomalyKind string

const (
	AnomalyOutOfOrder   AnomalyKind = "out_of_order"
	AnomalyPostTerminal AnomalyKind = "post_terminal"
	AnomalyRejected     AnomalyKind = "rejected"
	AnomalyImplicitTask AnomalyKind = "implicit_task"
)

// maxAnomalies bounds the anomaly list kept on a thread projection.
const maxAnomalies = 100

// Anomaly is a recorded irregularity for a single applied event
type Anomaly struct {
	Sequence int64       `json:"sequence"`
	Kind     AnomalyKind `json:"kind"`
	Detail   string      `json:"detail,omitempty"`
	At       time.Time   `json:"at"`
}

// TaskTransition is one entry of a thread's execution path
type TaskTransition struct {
	TaskID   string    `json:"task_id"`
	TaskName string    `json:"task_name"`
	TaskType TaskType  `json:"task_type"`
	From     Status    `json:"from,omitempty"`
	To       Status    `json:"to"`
	Sequence int64     `json:"sequence"`
	At       time.Time `json:"at"`
}

// Thread represents one tracked execution of a workflow instance
type Thread struct {
	ID                  string           `json:"id" db:"id"`
	ProcessInstanceID   string           `json:"process_instance_id" db:"process_instance_id"`
	ProcessDefinitionID string           `json:"process_definition_id" db:"process_definition_id"`
	BusinessKey         string           `json:"business_key,omitempty" db:"business_key"`
	Domain              string           `json:"domain,omitempty" db:"domain"`
	Status              Status           `json:"status" db:"status"`
	StartTime           time.Time        `json:"start_time" db:"start_time"`
	EndTime             *time.Time       `json:"end_time,omitempty" db:"end_time"`
	TaskCount           int              `json:"task_count" db:"task_count"`
	CompletedTasks      int              `json:"completed_tasks" db:"completed_tasks"`
	FailedTasks         int              `json:"failed_tasks" db:"failed_tasks"`
	Variables           map[string]any   `json:"variables,omitempty" db:"variables"`
	ExecutionPath       []TaskTransition `json:"execution_path,omitempty" db:"execution_path"`
	LastSequence        int64            `json:"last_sequence" db:"last_sequence"`
	Anomalies           []Anomaly        `json:"anomalies,omitempty" db:"anomalies"`
	UpdatedAt           time.Time        `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without affecting shared snapshots.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	c := *t
	if t.EndTime != nil {
		end := *t.EndTime
		c.EndTime = &end
	}
	if t.Variables != nil {
		c.Variables = make(map[string]any, len(t.Variables))
		for k, v := range t.Variables {
			c.Variables[k] = v
		}
	}
	c.ExecutionPath = append([]TaskTransition(nil), t.ExecutionPath...)
	c.Anomalies = append([]Anomaly(nil), t.Anomalies...)
	return &c
}

// AddAnomaly appends an anomaly, keeping only the most recent entries.
func (t *Thread) AddAnomaly(a Anomaly) {
	t.Anomalies = append(t.Anomalies, a)
	if len(t.Anomalies) > maxAnomalies {
		t.Anomalies = t.Anomalies[len(t.Anomalies)-maxAnomalies:]
	}
}

// CheckInvariants verifies the counter and end-time invariants of a thread.
func (t *Thread) CheckInvariants() error {
	if t.CompletedTasks+t.FailedTasks > t.TaskCount {
		return fmt.Errorf("thread %s: completed (%d) + failed (%d) exceeds task count (%d)",
			t.ID, t.CompletedTasks, t.FailedTasks, t.TaskCount)
	}
	ended := t.Status == StatusCompleted || t.Status == StatusFailed || t.Status == StatusTerminated
	if ended != (t.EndTime != nil) {
		return fmt.Errorf("thread %s: end time presence does not match status %s", t.ID, t.Status)
	}
	return nil
}

// Duration returns the elapsed run time of the thread, or zero while it is running.
func (t *Thread) Duration() time.Duration {
	if t.EndTime == nil {
		return 0
	}
	return t.EndTime.Sub(t.StartTime)
}

// TaskTypes returns the distinct task types seen on the execution path.
func (t *Thread) TaskTypes() map[TaskType]struct{} {
	types := make(map[TaskType]struct{})
	for _, tr := range t.ExecutionPath {
		if tr.TaskType != "" {
			types[tr.TaskType] = struct{}{}
		}
	}
	return types
}

// ThreadFilter restricts thread listings
type ThreadFilter struct {
	Statuses             []Status
	ProcessDefinitionIDs []string
	Domain               string
	StartedAfter         time.Time
	StartedBefore        time.Time
	UpdatedAfter         time.Time
	Limit                int
}

// Matches reports whether a thread satisfies the filter, ignoring Limit.
func (f ThreadFilter) Matches(t *Thread) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.ProcessDefinitionIDs) > 0 {
		found := false
		for _, id := range f.ProcessDefinitionIDs {
			if t.ProcessDefinitionID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Domain != "" && t.Domain != f.Domain {
		return false
	}
	if !f.StartedAfter.IsZero() && t.StartTime.Before(f.StartedAfter) {
		return false
	}
	if !f.StartedBefore.IsZero() && !t.StartTime.Before(f.StartedBefore) {
		return false
	}
	if !f.UpdatedAfter.IsZero() && t.UpdatedAt.Before(f.UpdatedAfter) {
		return false
	}
	return true
}
