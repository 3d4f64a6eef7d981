package config

import (
	"fmt"
	"slices"
)

// Validate checks cross-field constraints that defaults cannot guarantee.
func (c *Config) Validate() error {
	if !slices.Contains([]string{"memory", "postgres"}, c.Storage.Driver) {
		return fmt.Errorf("storage.driver must be memory or postgres, got %q", c.Storage.Driver)
	}
	if !slices.Contains([]string{"memory", "bbolt", "postgres"}, c.ContextStore.Driver) {
		return fmt.Errorf("context_store.driver must be memory, bbolt or postgres, got %q", c.ContextStore.Driver)
	}
	if c.ContextStore.Driver == "postgres" && c.Storage.Driver != "postgres" {
		return fmt.Errorf("context_store.driver postgres requires storage.driver postgres")
	}
	if c.ContextStore.MaxBlobBytes <= 0 {
		return fmt.Errorf("context_store.max_blob_bytes must be positive")
	}
	if c.Ingest.Workers <= 0 || c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("ingest.workers and ingest.queue_size must be positive")
	}
	if c.Ingest.ReorderWindow <= 0 || c.Ingest.ReorderTimeout <= 0 {
		return fmt.Errorf("ingest.reorder_window and ingest.reorder_timeout must be positive")
	}
	if c.Feedback.MinRating >= c.Feedback.MaxRating {
		return fmt.Errorf("feedback.min_rating must be below feedback.max_rating")
	}
	if c.Feedback.Precision < 0 {
		return fmt.Errorf("feedback.precision must not be negative")
	}
	sw := c.Similarity.Weights
	if sw.Structural < 0 || sw.Context < 0 || sw.Outcome < 0 || sw.Structural+sw.Context+sw.Outcome == 0 {
		return fmt.Errorf("similarity.weights must be non-negative and not all zero")
	}
	if c.Similarity.Threshold < 0 || c.Similarity.Threshold > 1 {
		return fmt.Errorf("similarity.threshold must be within [0,1]")
	}
	if !slices.Contains([]string{"id", "recency"}, c.Similarity.TieBreak) {
		return fmt.Errorf("similarity.tie_break must be id or recency, got %q", c.Similarity.TieBreak)
	}
	iw := c.Impact.Weights
	if iw.Structural < 0 || iw.Similarity < 0 || iw.Recency < 0 || iw.Frequency < 0 ||
		iw.Structural+iw.Similarity+iw.Recency+iw.Frequency == 0 {
		return fmt.Errorf("impact.weights must be non-negative and not all zero")
	}
	t := c.Impact.Tiers
	if !(0 < t.Low && t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical && t.Critical <= 1) {
		return fmt.Errorf("impact.tiers must be strictly ascending within (0,1]")
	}
	if c.Impact.EscalationFraction <= 0 || c.Impact.EscalationFraction > 1 {
		return fmt.Errorf("impact.escalation_fraction must be within (0,1]")
	}
	if !slices.Contains([]string{"exponential", "linear"}, c.Impact.Recency.Policy) {
		return fmt.Errorf("impact.recency.policy must be exponential or linear, got %q", c.Impact.Recency.Policy)
	}
	if c.Impact.MaxHorizonDays <= 0 || c.Impact.MaxCandidates <= 0 || c.Impact.MaxDepth < 0 {
		return fmt.Errorf("impact limits must be positive")
	}
	return nil
}
