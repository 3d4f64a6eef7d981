package similarity

import (
	"sort"

	"execution-insight/backend/internal/config"
	"execution-insight/backend/pkg/models"
)

const (
	FactorStructural = "structural"
	FactorContext    = "context"
	FactorOutcome    = "outcome"
)

const (
	TieBreakID      = "id"
	TieBreakRecency = "recency"
)

// normalizedWeights scales the configured weights to sum to one. All-zero
// weights fall back to equal weights.
func normalizedWeights(w config.SimilarityWeights) (structural, context, outcome float64) {
	total := w.Structural + w.Context + w.Outcome
	if total <= 0 {
		return 1.0 / 3, 1.0 / 3, 1.0 / 3
	}
	return w.Structural / total, w.Context / total, w.Outcome / total
}

// decompose scores a neighbour. The returned score is the sum of the factor
// contributions, so it can be recomputed from the stored factors alone.
func decompose(target, neighbor *models.Signature, contextValue float64, w config.SimilarityWeights) (float64, []models.FactorScore) {
	ws, wc, wo := normalizedWeights(w)
	factors := []models.FactorScore{
		{Name: FactorStructural, Value: structural(target, neighbor), Weight: ws},
		{Name: FactorContext, Value: clamp01(contextValue), Weight: wc},
		{Name: FactorOutcome, Value: outcome(target, neighbor), Weight: wo},
	}
	var score float64
	for i := range factors {
		factors[i].Contribution = factors[i].Value * factors[i].Weight
		score += factors[i].Contribution
	}
	return score, factors
}

func structural(a, b *models.Signature) float64 {
	sameDef := boolScore(a.ProcessDefinitionID != "" && a.ProcessDefinitionID == b.ProcessDefinitionID)
	if a.TargetType == models.TargetThread {
		sameDomain := boolScore(a.Domain != "" && a.Domain == b.Domain)
		return 0.7*sameDef + 0.3*sameDomain
	}
	sameType := boolScore(a.TaskType != "" && a.TaskType == b.TaskType)
	return 0.4*sameType + 0.4*sameDef + 0.2*jaccard(tokens(a.Name), tokens(b.Name))
}

func outcome(a, b *models.Signature) float64 {
	return 0.7*boolScore(a.Outcome == b.Outcome) + 0.3*durationSimilarity(a.DurationMs, b.DurationMs)
}

func durationSimilarity(a, b int64) float64 {
	if a <= 0 && b <= 0 {
		return 1
	}
	if a <= 0 || b <= 0 {
		return 0
	}
	if a > b {
		a, b = b, a
	}
	return float64(a) / float64(b)
}

// recommend combines a neighbour's similarity with its feedback quality.
func recommend(score float64, quality float64, rated bool, bestPractice, avoid float64) models.Recommendation {
	if !rated {
		return models.Recommendation{Kind: models.RecommendReference, Score: score * 0.5}
	}
	switch {
	case quality >= bestPractice:
		return models.Recommendation{Kind: models.RecommendBestPractice, Score: score * quality}
	case quality <= avoid:
		return models.Recommendation{Kind: models.RecommendPatternToAvoid, Score: score * (1 - quality)}
	default:
		return models.Recommendation{Kind: models.RecommendReference, Score: score * quality}
	}
}

// rank orders neighbours by score, breaking ties by the configured policy.
func rank(neighbors []models.Neighbor, completedAt map[string]int64, policy string) {
	sort.SliceStable(neighbors, func(i, j int) bool {
		a, b := neighbors[i], neighbors[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if policy == TieBreakRecency && completedAt[a.ID] != completedAt[b.ID] {
			return completedAt[a.ID] > completedAt[b.ID]
		}
		return a.ID < b.ID
	})
}

func confidence(neighbors []models.Neighbor, degraded bool) float64 {
	if len(neighbors) == 0 {
		return 0
	}
	var sum float64
	for _, n := range neighbors {
		sum += n.Score
	}
	c := sum / float64(len(neighbors))
	if degraded {
		c /= 2
	}
	return c
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
