// Package impact estimates which threads a proposed process or system change
// would affect and how badly.
//
// Analyses read a recent snapshot of the thread store and the similarity
// index; they may miss events applied while they run. Every result is stored
// as a new immutable record that links to the previous analysis of the same
// trigger.
package impact

import (
	"context"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"execution-insight/backend/internal/config"
	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/internal/logging"
	"execution-insight/backend/internal/repository"
	"execution-insight/backend/pkg/models"
)

// Similarity scores candidate threads against the trigger's representative
// context.
type Similarity interface {
	ScoreThreads(ctx context.Context, trigger models.ChangeTrigger, threadIDs []string) (map[string]float64, error)
}

// Quality supplies feedback aggregates of candidate threads.
type Quality interface {
	Aggregate(ctx context.Context, targetType models.TargetType, id string) (*models.FeedbackAggregate, error)
	Quality(agg *models.FeedbackAggregate) (float64, bool)
}

type Options struct {
	MaxHorizonDays     int
	MaxDepth           int
	MaxCandidates      int
	Parallelism        int
	Weights            config.ImpactWeights
	Tiers              config.ImpactTiers
	EscalationFraction float64
	Recency            config.RecencyConfig
	Strategies         map[string][]string
	Dependencies       map[string][]string
	Clock              clock.Clock
	Logger             *logging.Logger
}

func OptionsFromConfig(cfg config.ImpactConfig) Options {
	return Options{
		MaxHorizonDays:     cfg.MaxHorizonDays,
		MaxDepth:           cfg.MaxDepth,
		MaxCandidates:      cfg.MaxCandidates,
		Parallelism:        cfg.Parallelism,
		Weights:            cfg.Weights,
		Tiers:              cfg.Tiers,
		EscalationFraction: cfg.EscalationFraction,
		Recency:            cfg.Recency,
		Strategies:         cfg.Strategies,
		Dependencies:       cfg.Dependencies,
	}
}

type Analyzer struct {
	threads    repository.ThreadStore
	records    repository.AnalysisStore
	similarity Similarity
	quality    Quality
	opts       Options
	clock      clock.Clock
	logger     *logging.Logger
	tracer     trace.Tracer
}

// NewAnalyzer creates an Analyzer. similarity and quality may be nil.
func NewAnalyzer(threads repository.ThreadStore, records repository.AnalysisStore, similarity Similarity, quality Quality, opts Options) *Analyzer {
	if opts.MaxHorizonDays <= 0 {
		opts.MaxHorizonDays = 365
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = 5000
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	if opts.EscalationFraction <= 0 {
		opts.EscalationFraction = 1
	}
	if opts.Tiers == (config.ImpactTiers{}) {
		opts.Tiers = config.DefaultImpactTiers
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Analyzer{
		threads:    threads,
		records:    records,
		similarity: similarity,
		quality:    quality,
		opts:       opts,
		clock:      opts.Clock,
		logger:     opts.Logger,
		tracer:     otel.Tracer("execution-insight/impact"),
	}
}

// Analyze computes and stores an impact analysis for trigger within scope.
// Scopes beyond the configured limits fail with ErrScopeTooLarge before any
// thread is read. An empty candidate set yields a negligible analysis.
func (a *Analyzer) Analyze(ctx context.Context, trigger models.ChangeTrigger, scope models.Scope) (*models.ImpactAnalysis, error) {
	scope, err := a.checkScope(trigger, scope)
	if err != nil {
		return nil, err
	}

	ctx, span := a.tracer.Start(ctx, "impact.Analyze", trace.WithAttributes(
		attribute.String("trigger_kind", string(trigger.Kind)),
		attribute.String("scope_kind", string(scope.Kind)),
		attribute.Int("horizon_days", scope.HorizonDays),
	))
	defer span.End()

	o, err := a.resolveOrigin(ctx, trigger)
	if err != nil {
		return nil, err
	}
	threads, err := a.candidates(ctx, scope)
	if err != nil {
		return nil, err
	}
	g, err := a.buildGraph(ctx, threads)
	if err != nil {
		return nil, err
	}

	seeds := append([]string{o.definition}, scope.ProcessDefinitionIDs...)
	dist := g.distances(seeds, scope.Depth)

	candidates := threads[:0:0]
	for _, th := range threads {
		if th.ID == o.threadID {
			continue
		}
		if scope.Kind == models.ScopeProcessDefinition {
			if _, ok := dist[th.ProcessDefinitionID]; !ok {
				continue
			}
		}
		candidates = append(candidates, th)
	}
	span.SetAttributes(attribute.Int(logging.CandidatesKey, len(candidates)))

	analysis := &models.ImpactAnalysis{
		ID:             uuid.NewString(),
		Trigger:        trigger,
		Scope:          scope,
		CandidateCount: len(candidates),
		Impacted:       []models.ImpactedThread{},
		Mitigations:    []models.Mitigation{},
		ComputedAt:     a.clock.Now(),
	}

	if len(candidates) > 0 {
		sims, degradeBy, err := a.similarities(ctx, trigger, candidates)
		if err != nil {
			return nil, err
		}
		if degradeBy != nil {
			analysis.Degraded = true
			analysis.DegradedReason = degradeBy.Error()
		}
		scored, err := a.score(ctx, trigger, o, scope, candidates, dist, sims)
		if err != nil {
			return nil, err
		}
		for _, it := range scored {
			if it.Level > models.ImpactNegligible {
				analysis.Impacted = append(analysis.Impacted, it)
			}
		}
		sort.Slice(analysis.Impacted, func(i, j int) bool {
			x, y := analysis.Impacted[i], analysis.Impacted[j]
			if x.Score != y.Score {
				return x.Score > y.Score
			}
			return x.ThreadID < y.ThreadID
		})
		analysis.OverallRisk, analysis.Escalated = overallRisk(analysis.Impacted, len(candidates), a.opts.EscalationFraction)
		analysis.Mitigations = mitigations(analysis.Impacted, a.opts.Strategies, a.opts.Tiers)
	}

	prev, err := a.records.LatestImpact(ctx, trigger.Fingerprint())
	switch {
	case err == nil:
		analysis.PreviousID = prev.ID
	case !apperrors.Is(err, apperrors.ErrNotFound):
		return nil, apperrors.Dependency("analysis_store", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := a.records.SaveImpact(ctx, analysis); err != nil {
		return nil, apperrors.Dependency("analysis_store", err)
	}

	span.SetAttributes(attribute.String(logging.RiskKey, analysis.OverallRisk.String()))
	a.logger.Info("impact analysis stored",
		logging.AnalysisIDKey, analysis.ID, logging.CandidatesKey, len(candidates),
		"impacted", len(analysis.Impacted), logging.RiskKey, analysis.OverallRisk.String(),
		"degraded", analysis.Degraded)

	if analysis.Degraded {
		return analysis, apperrors.Degraded("embedding", degradeBy)
	}
	return analysis, nil
}

// similarities asks the similarity engine for candidate scores. A degraded
// engine leaves every similarity at zero and is reported, not fatal.
func (a *Analyzer) similarities(ctx context.Context, trigger models.ChangeTrigger, threads []*models.Thread) (sims map[string]float64, degradeBy, err error) {
	if a.similarity == nil {
		return nil, nil, nil
	}
	ids := make([]string, len(threads))
	for i, th := range threads {
		ids[i] = th.ID
	}
	sims, err = a.similarity.ScoreThreads(ctx, trigger, ids)
	switch {
	case err == nil:
		return sims, nil, nil
	case ctx.Err() != nil:
		return nil, nil, ctx.Err()
	case apperrors.Is(err, apperrors.ErrAnalysisDegraded), apperrors.Is(err, apperrors.ErrDependencyUnavailable):
		a.logger.Warn("impact analysis without similarity", logging.ErrorKey, err)
		return nil, err, nil
	case apperrors.Is(err, apperrors.ErrNotFound):
		return nil, nil, nil
	default:
		return nil, nil, err
	}
}

func (a *Analyzer) score(ctx context.Context, trigger models.ChangeTrigger, o origin, scope models.Scope,
	threads []*models.Thread, dist map[string]int, sims map[string]float64) ([]models.ImpactedThread, error) {
	now := a.clock.Now()
	horizon := time.Duration(scope.HorizonDays) * 24 * time.Hour
	freq := frequencies(threads)
	out := make([]models.ImpactedThread, len(threads))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Parallelism)
	for i, th := range threads {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, ok := dist[th.ProcessDefinitionID]
			if !ok {
				d = -1
			}
			f := factors{
				structural: structuralOverlap(trigger, o, th, d),
				similarity: sims[th.ID],
				recency:    recency(th, now, a.opts.Recency, horizon),
				frequency:  freq[th.ProcessDefinitionID],
			}
			q, err := a.threadQuality(gctx, th.ID)
			if err != nil {
				return err
			}
			f.quality = q

			s := f.score(a.opts.Weights)
			out[i] = models.ImpactedThread{
				ThreadID:            th.ID,
				ProcessDefinitionID: th.ProcessDefinitionID,
				Status:              th.Status,
				Score:               s,
				Level:               level(s, a.opts.Tiers),
				Categories:          categories(th, f),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return out, nil
}

func (a *Analyzer) threadQuality(ctx context.Context, threadID string) (float64, error) {
	if a.quality == nil {
		return 0, nil
	}
	agg, err := a.quality.Aggregate(ctx, models.TargetThread, threadID)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		a.logger.Warn("feedback aggregate unavailable", logging.ThreadIDKey, threadID, logging.ErrorKey, err)
		return 0, nil
	}
	q, rated := a.quality.Quality(agg)
	if !rated {
		return 0, nil
	}
	return clamp01(1 - q), nil
}

// Get returns a stored analysis.
func (a *Analyzer) Get(ctx context.Context, id string) (*models.ImpactAnalysis, error) {
	return a.records.GetImpact(ctx, id)
}
