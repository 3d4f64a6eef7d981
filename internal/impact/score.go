package impact

import (
	"math"
	"sort"
	"time"

	"execution-insight/backend/internal/config"
	"execution-insight/backend/pkg/models"
)

const (
	RecencyExponential = "exponential"
	RecencyLinear      = "linear"
)

// factors are the weighted inputs of one candidate's score.
type factors struct {
	structural float64
	similarity float64
	recency    float64
	frequency  float64
	quality    float64 // 1 - normalized feedback quality, 0 when unrated
}

// score combines the factors. Recency and frequency only weight a candidate
// that is relevant to the change, so an unrelated thread scores zero however
// recent it is.
func (f factors) score(w config.ImpactWeights) float64 {
	total := w.Structural + w.Similarity + w.Recency + w.Frequency
	if total <= 0 {
		return 0
	}
	relevance := max(f.structural, f.similarity)
	s := w.Structural*f.structural + w.Similarity*f.similarity +
		relevance*(w.Recency*f.recency+w.Frequency*f.frequency)
	return clamp01(s / total)
}

// structuralOverlap scores how much of the changed structure a candidate
// shares. dist is the candidate definition's hop count from the changed one,
// or -1 when unreachable.
func structuralOverlap(trigger models.ChangeTrigger, o origin, th *models.Thread, dist int) float64 {
	proximity := 0.0
	if dist >= 0 {
		proximity = 1 / float64(dist+1)
	}
	switch trigger.Kind {
	case models.TriggerTaskType:
		if _, ok := th.TaskTypes()[trigger.TaskType]; ok {
			return 1
		}
		return 0
	case models.TriggerProcessDefinition:
		return proximity
	default:
		return 0.6*proximity + 0.4*typeOverlap(o.taskTypes, th.TaskTypes())
	}
}

func typeOverlap(a, b map[models.TaskType]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// recency decays with the age of the candidate's last activity. Threads that
// are still running score 1.
func recency(th *models.Thread, now time.Time, cfg config.RecencyConfig, horizon time.Duration) float64 {
	if th.EndTime == nil {
		return 1
	}
	age := now.Sub(*th.EndTime)
	if age <= 0 {
		return 1
	}
	switch cfg.Policy {
	case RecencyLinear:
		if horizon <= 0 {
			return 0
		}
		return clamp01(1 - float64(age)/float64(horizon))
	default:
		if cfg.HalfLife <= 0 {
			return 0
		}
		return math.Pow(0.5, float64(age)/float64(cfg.HalfLife))
	}
}

// frequencies scores each definition by how often it occurs among the
// candidates, relative to the most frequent one.
func frequencies(threads []*models.Thread) map[string]float64 {
	counts := make(map[string]int)
	maxCount := 0
	for _, th := range threads {
		counts[th.ProcessDefinitionID]++
		maxCount = max(maxCount, counts[th.ProcessDefinitionID])
	}
	out := make(map[string]float64, len(counts))
	for def, n := range counts {
		out[def] = float64(n) / float64(maxCount)
	}
	return out
}

// level buckets a score into a tier using the configured lower bounds.
func level(score float64, t config.ImpactTiers) models.ImpactLevel {
	switch {
	case score >= t.Critical:
		return models.ImpactCritical
	case score >= t.High:
		return models.ImpactHigh
	case score >= t.Medium:
		return models.ImpactMedium
	case score >= t.Low:
		return models.ImpactLow
	default:
		return models.ImpactNegligible
	}
}

// overallRisk is the worst tier among impacted threads, raised one tier when
// high or critical threads exceed fraction of the candidates.
func overallRisk(impacted []models.ImpactedThread, candidates int, fraction float64) (models.ImpactLevel, bool) {
	risk := models.ImpactNegligible
	severe := 0
	for _, it := range impacted {
		risk = max(risk, it.Level)
		if it.Level >= models.ImpactHigh {
			severe++
		}
	}
	if candidates > 0 && severe > 0 && float64(severe)/float64(candidates) > fraction {
		escalated := risk.Escalate()
		return escalated, escalated != risk
	}
	return risk, false
}

func categories(th *models.Thread, f factors) []models.CategoryScore {
	inFlight := 0.0
	if !th.Status.IsTerminal() {
		inFlight = f.structural
	}
	return []models.CategoryScore{
		{Category: models.CategoryProcessStructure, Score: f.structural},
		{Category: models.CategoryDataContext, Score: f.similarity},
		{Category: models.CategoryInFlight, Score: inFlight},
		{Category: models.CategoryQuality, Score: f.quality},
	}
}

// mitigations looks up the strategies of every category that reaches the
// low tier on at least one impacted thread. Priority is the worst tier among
// those threads.
func mitigations(impacted []models.ImpactedThread, strategies map[string][]string, tiers config.ImpactTiers) []models.Mitigation {
	type hit struct {
		priority models.ImpactLevel
		threads  int
	}
	hits := make(map[models.ImpactCategory]*hit)
	for _, it := range impacted {
		for _, c := range it.Categories {
			if c.Score < tiers.Low {
				continue
			}
			h := hits[c.Category]
			if h == nil {
				h = &hit{}
				hits[c.Category] = h
			}
			h.threads++
			h.priority = max(h.priority, it.Level)
		}
	}

	order := []models.ImpactCategory{
		models.CategoryProcessStructure, models.CategoryDataContext, models.CategoryInFlight, models.CategoryQuality,
	}
	out := []models.Mitigation{}
	for _, cat := range order {
		h := hits[cat]
		if h == nil {
			continue
		}
		for _, s := range strategies[string(cat)] {
			out = append(out, models.Mitigation{Category: cat, Strategy: s, Priority: h.priority, AffectedThreads: h.threads})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
