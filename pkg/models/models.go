package models

import (
	"time"
)

// Signature is the derived embedding fingerprint of a completed task or thread
type Signature struct {
	TargetID            string     `json:"target_id" db:"target_id"`
	TargetType          TargetType `json:"target_type" db:"target_type"`
	ThreadID            string     `json:"thread_id" db:"thread_id"`
	Model               string     `json:"model" db:"model"`
	Vector              []float32  `json:"-" db:"vector"`
	Keywords            []string   `json:"keywords,omitempty" db:"keywords"`
	Domain              string     `json:"domain,omitempty" db:"domain"`
	ProcessDefinitionID string     `json:"process_definition_id,omitempty" db:"process_definition_id"`
	Name                string     `json:"name,omitempty" db:"name"`
	TaskType            TaskType   `json:"task_type,omitempty" db:"task_type"`
	Outcome             Status     `json:"outcome" db:"outcome"`
	DurationMs          int64      `json:"duration_ms" db:"duration_ms"`
	CompletedAt         time.Time  `json:"completed_at" db:"completed_at"`
	ComputedAt          time.Time  `json:"computed_at" db:"computed_at"`
}

// FactorScore is one term of a neighbour's weighted similarity decomposition
type FactorScore struct {
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// RecommendationKind labels how a neighbour should be used
type RecommendationKind string

const (
	RecommendBestPractice   RecommendationKind = "best_practice"
	RecommendReference      RecommendationKind = "reference"
	RecommendPatternToAvoid RecommendationKind = "pattern_to_avoid"
)

// Recommendation combines similarity with the neighbour's feedback
type Recommendation struct {
	Kind  RecommendationKind `json:"kind"`
	Score float64            `json:"score"`
}

// Neighbor is one ranked similar execution
type Neighbor struct {
	ID             string         `json:"id"`
	ThreadID       string         `json:"thread_id"`
	Score          float64        `json:"score"`
	Factors        []FactorScore  `json:"factors"`
	FeedbackMean   *float64       `json:"feedback_mean,omitempty"`
	Recommendation Recommendation `json:"recommendation"`
}

// SimilarityRecord is a versioned similarity analysis result
type SimilarityRecord struct {
	ID               string     `json:"id" db:"id"`
	TargetID         string     `json:"target_id" db:"target_id"`
	TargetType       TargetType `json:"target_type" db:"target_type"`
	Neighbors        []Neighbor `json:"neighbors" db:"neighbors"`
	Confidence       float64    `json:"confidence" db:"confidence"`
	Degraded         bool       `json:"degraded" db:"degraded"`
	DegradedReason   string     `json:"degraded_reason,omitempty" db:"degraded_reason"`
	AlgorithmVersion string     `json:"algorithm_version" db:"algorithm_version"`
	ModelVersion     string     `json:"model_version" db:"model_version"`
	PreviousID       string     `json:"previous_id,omitempty" db:"previous_id"`
	ComputedAt       time.Time  `json:"computed_at" db:"computed_at"`
}

// NotificationKind names an outbound lifecycle notification
type NotificationKind string

const (
	NotifyThreadStatusChanged NotificationKind = "thread.status_changed"
	NotifyTaskFinished        NotificationKind = "task.finished"
	NotifyAnomaly             NotificationKind = "thread.anomaly"
)

// Notification is emitted after a state change has been committed
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	ThreadID string           `json:"thread_id"`
	TaskID   string           `json:"task_id,omitempty"`
	Status   Status           `json:"status,omitempty"`
	Sequence int64            `json:"sequence"`
	Detail   string           `json:"detail,omitempty"`
	At       time.Time        `json:"at"`
}

// CompletionNotice tells the similarity indexer a target reached a terminal state
type CompletionNotice struct {
	TargetType TargetType
	TargetID   string
	ThreadID   string
}

// AnalyticsBucket is the rollup for one time window
type AnalyticsBucket struct {
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	ThreadsStarted   int       `json:"threads_started"`
	ThreadsCompleted int       `json:"threads_completed"`
	ThreadsFailed    int       `json:"threads_failed"`
	ThreadsActive    int       `json:"threads_active"`
	MeanDurationMs   float64   `json:"mean_duration_ms"`
	Tasks            int       `json:"tasks"`
	TaskFailureRate  float64   `json:"task_failure_rate"`
	FeedbackCount    int       `json:"feedback_count"`
	FeedbackMean     float64   `json:"feedback_mean"`
}

// AnalyticsSummary is a read-only time-windowed rollup
type AnalyticsSummary struct {
	From        time.Time         `json:"from"`
	To          time.Time         `json:"to"`
	Bucket      string            `json:"bucket"`
	Buckets     []AnalyticsBucket `json:"buckets"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// HealthCheck is the result of a single dependency probe
type HealthCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// HealthSnapshot represents service health at a point in time
type HealthSnapshot struct {
	Status    string        `json:"status"`
	Service   string        `json:"service"`
	Version   string        `json:"version"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []HealthCheck `json:"checks,omitempty"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Category string `json:"category,omitempty"`
}
