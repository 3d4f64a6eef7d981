package models

import (
	"fmt"
	"time"
)

// TriggerKind describes what a proposed change mutates
type TriggerKind string

const (
	TriggerThread            TriggerKind = "thread"
	TriggerTaskType          TriggerKind = "task_type"
	TriggerProcessDefinition TriggerKind = "process_definition"
)

// ChangeTrigger describes a proposed process or system change
type ChangeTrigger struct {
	Kind                TriggerKind `json:"kind"`
	ThreadID            string      `json:"thread_id,omitempty"`
	TaskType            TaskType    `json:"task_type,omitempty"`
	ProcessDefinitionID string      `json:"process_definition_id,omitempty"`
	Description         string      `json:"description,omitempty"`
}

// Fingerprint identifies repeated analyses of the same trigger.
func (t ChangeTrigger) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%s", t.Kind, t.ThreadID, t.TaskType, t.ProcessDefinitionID)
}

// Validate checks the trigger carries the field its kind requires.
func (t ChangeTrigger) Validate() error {
	switch t.Kind {
	case TriggerThread:
		if t.ThreadID == "" {
			return fmt.Errorf("thread trigger requires thread_id")
		}
	case TriggerTaskType:
		if _, err := ParseTaskType(string(t.TaskType)); err != nil {
			return err
		}
	case TriggerProcessDefinition:
		if t.ProcessDefinitionID == "" {
			return fmt.Errorf("process_definition trigger requires process_definition_id")
		}
	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
	return nil
}

// ScopeKind enumerates how far an impact analysis reaches
type ScopeKind string

const (
	ScopeProcessDefinition ScopeKind = "process_definition"
	ScopeDomain            ScopeKind = "domain"
	ScopeGlobal            ScopeKind = "global"
)

// Scope bounds the candidate threads of an impact analysis
type Scope struct {
	Kind                 ScopeKind `json:"kind"`
	HorizonDays          int       `json:"horizon_days"`
	Depth                int       `json:"depth"`
	ProcessDefinitionIDs []string  `json:"process_definition_ids,omitempty"`
	Domain               string    `json:"domain,omitempty"`
	IncludeActive        bool      `json:"include_active"`
}

// ImpactLevel is an ordered severity tier
type ImpactLevel int

const (
	ImpactNegligible ImpactLevel = iota
	ImpactLow
	ImpactMedium
	ImpactHigh
	ImpactCritical
)

func (l ImpactLevel) String() string {
	switch l {
	case ImpactNegligible:
		return "negligible"
	case ImpactLow:
		return "low"
	case ImpactMedium:
		return "medium"
	case ImpactHigh:
		return "high"
	case ImpactCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseImpactLevel converts a wire value into an ImpactLevel.
func ParseImpactLevel(v string) (ImpactLevel, error) {
	for l := ImpactNegligible; l <= ImpactCritical; l++ {
		if l.String() == v {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown impact level %q", v)
}

func (l ImpactLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *ImpactLevel) UnmarshalText(b []byte) error {
	parsed, err := ParseImpactLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Escalate returns the next tier up, saturating at critical.
func (l ImpactLevel) Escalate() ImpactLevel {
	if l >= ImpactCritical {
		return ImpactCritical
	}
	return l + 1
}

// ImpactCategory names a dimension of impact used for mitigation lookup
type ImpactCategory string

const (
	CategoryProcessStructure ImpactCategory = "process_structure"
	CategoryDataContext      ImpactCategory = "data_context"
	CategoryInFlight         ImpactCategory = "in_flight"
	CategoryQuality          ImpactCategory = "quality"
)

// CategoryScore is one category contribution for an impacted thread
type CategoryScore struct {
	Category ImpactCategory `json:"category"`
	Score    float64        `json:"score"`
}

// ImpactedThread is one thread estimated to be affected by a change
type ImpactedThread struct {
	ThreadID            string          `json:"thread_id"`
	ProcessDefinitionID string          `json:"process_definition_id"`
	Status              Status          `json:"status"`
	Score               float64         `json:"score"`
	Level               ImpactLevel     `json:"level"`
	Categories          []CategoryScore `json:"categories"`
}

// Mitigation is a strategy selected from the configured table
type Mitigation struct {
	Category        ImpactCategory `json:"category"`
	Strategy        string         `json:"strategy"`
	Priority        ImpactLevel    `json:"priority"`
	AffectedThreads int            `json:"affected_threads"`
}

// ImpactAnalysis is an immutable change-impact assessment
type ImpactAnalysis struct {
	ID             string           `json:"id" db:"id"`
	Trigger        ChangeTrigger    `json:"trigger" db:"trigger"`
	Scope          Scope            `json:"scope" db:"scope"`
	CandidateCount int              `json:"candidate_count" db:"candidate_count"`
	Impacted       []ImpactedThread `json:"impacted" db:"impacted"`
	OverallRisk    ImpactLevel      `json:"overall_risk" db:"overall_risk"`
	Escalated      bool             `json:"escalated" db:"escalated"`
	Mitigations    []Mitigation     `json:"mitigations" db:"mitigations"`
	Degraded       bool             `json:"degraded" db:"degraded"`
	DegradedReason string           `json:"degraded_reason,omitempty" db:"degraded_reason"`
	PreviousID     string           `json:"previous_id,omitempty" db:"previous_id"`
	ComputedAt     time.Time        `json:"computed_at" db:"computed_at"`
}
