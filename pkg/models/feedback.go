package models

import (
	"fmt"
	"time"
)

// TargetType identifies what a feedback entry or analysis is attached to
type TargetType string

const (
	TargetThread TargetType = "thread"
	TargetTask   TargetType = "task"
)

// ParseTargetType converts a wire value into a TargetType.
func ParseTargetType(v string) (TargetType, error) {
	switch TargetType(v) {
	case TargetThread, TargetTask:
		return TargetType(v), nil
	default:
		return "", fmt.Errorf("unknown target type %q", v)
	}
}

// FeedbackType classifies a feedback entry
type FeedbackType string

const (
	FeedbackRating     FeedbackType = "rating"
	FeedbackComment    FeedbackType = "comment"
	FeedbackIssue      FeedbackType = "issue"
	FeedbackSuggestion FeedbackType = "suggestion"
	FeedbackPraise     FeedbackType = "praise"
)

// AllFeedbackTypes lists every feedback type.
var AllFeedbackTypes = []FeedbackType{FeedbackRating, FeedbackComment, FeedbackIssue, FeedbackSuggestion, FeedbackPraise}

// Principal is an authenticated caller
type Principal struct {
	ID          string  `json:"id"`
	Email       string  `json:"email,omitempty"`
	Role        string  `json:"role"`
	Credibility float64 `json:"credibility"`
}

// Resolution is appended once to a feedback entry
type Resolution struct {
	Status     string    `json:"status"`
	Note       string    `json:"note,omitempty"`
	ResolvedBy string    `json:"resolved_by"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Feedback is an immutable rating or remark on a thread or task
type Feedback struct {
	ID         string       `json:"id" db:"id"`
	TargetType TargetType   `json:"target_type" db:"target_type"`
	TargetID   string       `json:"target_id" db:"target_id"`
	ThreadID   string       `json:"thread_id" db:"thread_id"`
	Type       FeedbackType `json:"type" db:"type"`
	Rating     *int         `json:"rating,omitempty" db:"rating"`
	Content    string       `json:"content,omitempty" db:"content"`
	Author     Principal    `json:"author" db:"author"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
	Resolution *Resolution  `json:"resolution,omitempty" db:"resolution"`
}

// TrendDirection summarises the slope of a rating series
type TrendDirection string

const (
	TrendImproving    TrendDirection = "improving"
	TrendDeclining    TrendDirection = "declining"
	TrendStable       TrendDirection = "stable"
	TrendInsufficient TrendDirection = "insufficient_data"
)

// QualityTrend is a least-squares slope over ratings in submission order
type QualityTrend struct {
	Slope     float64        `json:"slope"`
	Direction TrendDirection `json:"direction"`
	Samples   int            `json:"samples"`
}

// FeedbackAggregate is the rolling summary for one target
type FeedbackAggregate struct {
	TargetType       TargetType           `json:"target_type"`
	TargetID         string               `json:"target_id"`
	Count            int                  `json:"count"`
	RatedCount       int                  `json:"rated_count"`
	Mean             float64              `json:"mean"`
	WeightedMean     float64              `json:"weighted_mean"`
	TypeDistribution map[FeedbackType]int `json:"type_distribution"`
	RatingHistogram  map[int]int          `json:"rating_histogram"`
	Resolved         int                  `json:"resolved"`
	Trend            QualityTrend         `json:"trend"`
	UpdatedAt        time.Time            `json:"updated_at"`
}
