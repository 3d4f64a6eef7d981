package impact

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"execution-insight/backend/internal/config"
	"execution-insight/backend/pkg/models"
)

var tiers = config.ImpactTiers{Low: 0.2, Medium: 0.4, High: 0.6, Critical: 0.8}

func TestLevel(t *testing.T) {
	tests := []struct {
		score float64
		want  models.ImpactLevel
	}{
		{0, models.ImpactNegligible},
		{0.19, models.ImpactNegligible},
		{0.2, models.ImpactLow},
		{0.45, models.ImpactMedium},
		{0.6, models.ImpactHigh},
		{0.99, models.ImpactCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, level(tt.score, tiers), "score %v", tt.score)
	}
}

func TestOverallRisk(t *testing.T) {
	impacted := []models.ImpactedThread{{Level: models.ImpactHigh}, {Level: models.ImpactLow}}

	risk, escalated := overallRisk(impacted, 10, 0.25)
	assert.Equal(t, models.ImpactHigh, risk)
	assert.False(t, escalated)

	risk, escalated = overallRisk(impacted, 2, 0.25)
	assert.Equal(t, models.ImpactCritical, risk)
	assert.True(t, escalated)

	risk, escalated = overallRisk([]models.ImpactedThread{{Level: models.ImpactCritical}}, 1, 0.25)
	assert.Equal(t, models.ImpactCritical, risk)
	assert.False(t, escalated)

	risk, _ = overallRisk(nil, 0, 0.25)
	assert.Equal(t, models.ImpactNegligible, risk)
}

func TestRecency(t *testing.T) {
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	ended := now.Add(-10 * 24 * time.Hour)
	th := &models.Thread{EndTime: &ended}

	exp := config.RecencyConfig{Policy: RecencyExponential, HalfLife: 10 * 24 * time.Hour}
	assert.InDelta(t, 0.5, recency(th, now, exp, 0), 1e-9)

	lin := config.RecencyConfig{Policy: RecencyLinear}
	assert.InDelta(t, 0.75, recency(th, now, lin, 40*24*time.Hour), 1e-9)
	assert.Zero(t, recency(th, now, lin, 5*24*time.Hour))

	assert.Equal(t, 1.0, recency(&models.Thread{Status: models.StatusActive}, now, exp, 0))
}

func TestGraphDistances(t *testing.T) {
	g := make(graph)
	g.add("order", "payment")
	g.add("checkout", "order")
	g.add("refund", "payment")
	g.add("payment", "payment")

	assert.Equal(t, map[string]int{"payment": 0}, g.distances([]string{"payment"}, 0))
	assert.Equal(t, map[string]int{"payment": 0, "order": 1, "refund": 1}, g.distances([]string{"payment"}, 1))
	assert.Equal(t, map[string]int{"payment": 0, "order": 1, "refund": 1, "checkout": 2}, g.distances([]string{"payment", ""}, 5))
}

func TestTypeOverlap(t *testing.T) {
	a := map[models.TaskType]struct{}{models.TaskTypeAgent: {}, models.TaskTypeUser: {}}
	b := map[models.TaskType]struct{}{models.TaskTypeAgent: {}, models.TaskTypeScript: {}}
	assert.InDelta(t, 1.0/3, typeOverlap(a, b), 1e-9)
	assert.Zero(t, typeOverlap(nil, nil))
}

func TestMitigations(t *testing.T) {
	impacted := []models.ImpactedThread{
		{ThreadID: "a", Level: models.ImpactMedium, Categories: []models.CategoryScore{
			{Category: models.CategoryProcessStructure, Score: 0.5},
			{Category: models.CategoryInFlight, Score: 0.1},
		}},
		{ThreadID: "b", Level: models.ImpactCritical, Categories: []models.CategoryScore{
			{Category: models.CategoryInFlight, Score: 0.9},
		}},
	}
	strategies := map[string][]string{
		"process_structure": {"version it"},
		"in_flight":         {"drain first", "notify owners"},
	}
	got := mitigations(impacted, strategies, tiers)
	assert.Equal(t, []models.Mitigation{
		{Category: models.CategoryInFlight, Strategy: "drain first", Priority: models.ImpactCritical, AffectedThreads: 1},
		{Category: models.CategoryInFlight, Strategy: "notify owners", Priority: models.ImpactCritical, AffectedThreads: 1},
		{Category: models.CategoryProcessStructure, Strategy: "version it", Priority: models.ImpactMedium, AffectedThreads: 1},
	}, got)

	assert.Empty(t, mitigations(nil, strategies, tiers))
}

func TestFactorsScore(t *testing.T) {
	f := factors{structural: 1, similarity: 0.5, recency: 1, frequency: 0}
	w := config.ImpactWeights{Structural: 0.4, Similarity: 0.3, Recency: 0.2, Frequency: 0.1}
	assert.InDelta(t, 0.75, f.score(w), 1e-9)
	assert.Zero(t, f.score(config.ImpactWeights{}))

	unrelated := factors{recency: 1, frequency: 1}
	assert.Zero(t, unrelated.score(w))
}
