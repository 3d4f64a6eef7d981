package feedback

import (
	"math"

	"execution-insight/backend/pkg/models"
)

const (
	// minTrendSamples is the fewest ratings a trend is computed from.
	minTrendSamples = 3
	// stableSlope is the slope magnitude below which a trend counts as stable.
	stableSlope = 0.05
)

// Compute builds the aggregate of entries, which must be in submission order.
func Compute(targetType models.TargetType, targetID string, entries []*models.Feedback, precision int) *models.FeedbackAggregate {
	agg := &models.FeedbackAggregate{
		TargetType:       targetType,
		TargetID:         targetID,
		Count:            len(entries),
		TypeDistribution: make(map[models.FeedbackType]int),
		RatingHistogram:  make(map[int]int),
	}

	var (
		sum, weighted, weights float64
		ratings                []float64
	)
	for _, f := range entries {
		agg.TypeDistribution[f.Type]++
		if f.Resolution != nil {
			agg.Resolved++
		}
		if f.Rating == nil {
			continue
		}
		r := float64(*f.Rating)
		agg.RatingHistogram[*f.Rating]++
		ratings = append(ratings, r)
		sum += r
		weighted += r * f.Author.Credibility
		weights += f.Author.Credibility
	}

	agg.RatedCount = len(ratings)
	if agg.RatedCount > 0 {
		mean := sum / float64(agg.RatedCount)
		agg.Mean = round(mean, precision)
		if weights > 0 {
			agg.WeightedMean = round(weighted/weights, precision)
		} else {
			agg.WeightedMean = agg.Mean
		}
	}
	agg.Trend = trend(ratings, precision)
	return agg
}

// trend fits a least-squares line through the ratings against their
// submission index.
func trend(ratings []float64, precision int) models.QualityTrend {
	t := models.QualityTrend{Samples: len(ratings), Direction: models.TrendInsufficient}
	if len(ratings) < minTrendSamples {
		return t
	}
	n := float64(len(ratings))
	meanX := (n - 1) / 2
	var meanY float64
	for _, r := range ratings {
		meanY += r
	}
	meanY /= n

	var num, den float64
	for i, r := range ratings {
		dx := float64(i) - meanX
		num += dx * (r - meanY)
		den += dx * dx
	}
	slope := num / den
	t.Slope = round(slope, precision)
	switch {
	case slope > stableSlope:
		t.Direction = models.TrendImproving
	case slope < -stableSlope:
		t.Direction = models.TrendDeclining
	default:
		t.Direction = models.TrendStable
	}
	return t
}

func round(v float64, precision int) float64 {
	if precision < 0 {
		return v
	}
	p := math.Pow10(precision)
	return math.Round(v*p) / p
}
