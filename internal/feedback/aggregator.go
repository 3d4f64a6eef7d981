// Package feedback records ratings and remarks on threads and tasks and keeps
// a rolling quality aggregate per target.
//
// Entries are append-only. The aggregates are a cache that can always be
// rebuilt from the stored entries.
package feedback

import (
	"context"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"execution-insight/backend/internal/config"
	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/internal/logging"
	"execution-insight/backend/internal/repository"
	"execution-insight/backend/pkg/models"
)

// Targets resolves the thread or task a feedback entry is attached to.
type Targets interface {
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
}

type Options struct {
	MinRating int
	MaxRating int
	Precision int
	Roles     []string
	Clock     clock.Clock
	Logger    *logging.Logger
}

func OptionsFromConfig(cfg config.FeedbackConfig) Options {
	return Options{
		MinRating: cfg.MinRating,
		MaxRating: cfg.MaxRating,
		Precision: cfg.Precision,
		Roles:     cfg.Roles,
	}
}

type Aggregator struct {
	store   repository.FeedbackStore
	targets Targets
	opts    Options
	clock   clock.Clock
	logger  *logging.Logger

	mu    sync.RWMutex
	cache map[string]*models.FeedbackAggregate
	gen   map[string]uint64
}

// NewAggregator creates an Aggregator. targets may be nil, in which case the
// existence of the target is not checked and task feedback must carry its
// thread id.
func NewAggregator(store repository.FeedbackStore, targets Targets, opts Options) *Aggregator {
	if opts.MaxRating <= opts.MinRating {
		opts.MinRating, opts.MaxRating = 1, 5
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Aggregator{
		store:   store,
		targets: targets,
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger,
		cache:   make(map[string]*models.FeedbackAggregate),
		gen:     make(map[string]uint64),
	}
}

// Submit validates and stores f, then refreshes the aggregates of its target
// and, for task feedback, of the owning thread.
func (a *Aggregator) Submit(ctx context.Context, f *models.Feedback) (*models.Feedback, error) {
	if err := a.validate(f); err != nil {
		return nil, err
	}
	entry := *f
	if err := a.resolveThread(ctx, &entry); err != nil {
		return nil, err
	}
	entry.ID = uuid.NewString()
	entry.CreatedAt = a.clock.Now()
	entry.Resolution = nil

	if err := a.store.InsertFeedback(ctx, &entry); err != nil {
		return nil, apperrors.Dependency("feedback_store", err)
	}
	a.logger.Info("feedback submitted",
		logging.FeedbackIDKey, entry.ID, logging.TargetTypeKey, string(entry.TargetType),
		logging.TargetIDKey, entry.TargetID)

	a.refresh(ctx, entry.TargetType, entry.TargetID, entry.ThreadID)
	return &entry, nil
}

func (a *Aggregator) validate(f *models.Feedback) error {
	if f == nil {
		return apperrors.Validation("feedback is required")
	}
	if _, err := models.ParseTargetType(string(f.TargetType)); err != nil {
		return apperrors.Validation("%v", err)
	}
	if strings.TrimSpace(f.TargetID) == "" {
		return apperrors.Validation("target_id is required")
	}
	if !validType(f.Type) {
		return apperrors.Validation("unknown feedback type %q", f.Type)
	}
	if f.Type == models.FeedbackRating && f.Rating == nil {
		return apperrors.Validation("rating feedback requires a rating")
	}
	if f.Rating != nil && (*f.Rating < a.opts.MinRating || *f.Rating > a.opts.MaxRating) {
		return apperrors.Validation("rating %d outside [%d, %d]", *f.Rating, a.opts.MinRating, a.opts.MaxRating)
	}
	if f.Rating == nil && strings.TrimSpace(f.Content) == "" {
		return apperrors.Validation("%s feedback requires content", f.Type)
	}
	if f.Author.ID == "" || f.Author.Role == "" {
		return apperrors.Validation("author id and role are required")
	}
	if len(a.opts.Roles) > 0 && !contains(a.opts.Roles, f.Author.Role) {
		return apperrors.Validation("role %q may not submit feedback", f.Author.Role)
	}
	if f.Author.Credibility < 0 || f.Author.Credibility > 1 {
		return apperrors.Validation("credibility %.2f outside [0, 1]", f.Author.Credibility)
	}
	return nil
}

// resolveThread fills ThreadID from the target and checks the target exists.
func (a *Aggregator) resolveThread(ctx context.Context, f *models.Feedback) error {
	if f.TargetType == models.TargetThread {
		f.ThreadID = f.TargetID
	}
	if a.targets == nil {
		if f.ThreadID == "" {
			return apperrors.Validation("thread_id is required for task feedback")
		}
		return nil
	}

	switch f.TargetType {
	case models.TargetThread:
		if _, err := a.targets.GetThread(ctx, f.TargetID); err != nil {
			return targetErr(err, "thread", f.TargetID)
		}
	case models.TargetTask:
		task, err := a.targets.GetTask(ctx, f.TargetID)
		if err != nil {
			return targetErr(err, "task", f.TargetID)
		}
		f.ThreadID = task.ThreadID
	}
	return nil
}

func targetErr(err error, kind, id string) error {
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return apperrors.Wrapf(err, "feedback target %s %s", kind, id)
	}
	return apperrors.Dependency("thread_store", err)
}

// Resolve appends a resolution to an entry. It fails with ErrNotFound for an
// unknown id and ErrAlreadyResolved when the entry already has one.
func (a *Aggregator) Resolve(ctx context.Context, id string, r models.Resolution) (*models.Feedback, error) {
	if strings.TrimSpace(r.Status) == "" {
		return nil, apperrors.Validation("resolution status is required")
	}
	if r.ResolvedBy == "" {
		return nil, apperrors.Validation("resolved_by is required")
	}
	r.ResolvedAt = a.clock.Now()

	f, err := a.store.ResolveFeedback(ctx, id, r)
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound), apperrors.Is(err, apperrors.ErrAlreadyResolved):
		return nil, err
	case err != nil:
		return nil, apperrors.Dependency("feedback_store", err)
	}
	a.logger.Info("feedback resolved", logging.FeedbackIDKey, id, "status", r.Status)
	a.refresh(ctx, f.TargetType, f.TargetID, f.ThreadID)
	return f, nil
}

// Aggregate returns the quality summary of a target. Thread aggregates
// include the feedback left on the thread's tasks.
func (a *Aggregator) Aggregate(ctx context.Context, targetType models.TargetType, id string) (*models.FeedbackAggregate, error) {
	if _, err := models.ParseTargetType(string(targetType)); err != nil {
		return nil, apperrors.Validation("%v", err)
	}
	key := cacheKey(targetType, id)
	a.mu.RLock()
	cached, ok := a.cache[key]
	gen := a.gen[key]
	a.mu.RUnlock()
	if ok {
		return cloneAggregate(cached), nil
	}

	agg, err := a.compute(ctx, targetType, id)
	if err != nil {
		return nil, err
	}
	// Only cache when no change landed while computing.
	a.mu.Lock()
	if a.gen[key] == gen {
		a.cache[key] = agg
	}
	a.mu.Unlock()
	return cloneAggregate(agg), nil
}

// List returns the entries on a target in submission order.
func (a *Aggregator) List(ctx context.Context, targetType models.TargetType, id string) ([]*models.Feedback, error) {
	var (
		entries []*models.Feedback
		err     error
	)
	if targetType == models.TargetThread {
		entries, err = a.store.ListFeedbackByThread(ctx, id)
	} else {
		entries, err = a.store.ListFeedbackByTarget(ctx, targetType, id)
	}
	if err != nil {
		return nil, apperrors.Dependency("feedback_store", err)
	}
	return entries, nil
}

// Quality maps an aggregate's mean onto [0, 1]. ok is false when nothing was rated.
func (a *Aggregator) Quality(agg *models.FeedbackAggregate) (q float64, ok bool) {
	if agg == nil || agg.RatedCount == 0 {
		return 0, false
	}
	span := float64(a.opts.MaxRating - a.opts.MinRating)
	q = (agg.WeightedMean - float64(a.opts.MinRating)) / span
	return clamp01(q), true
}

func (a *Aggregator) compute(ctx context.Context, targetType models.TargetType, id string) (*models.FeedbackAggregate, error) {
	entries, err := a.List(ctx, targetType, id)
	if err != nil {
		return nil, err
	}
	agg := Compute(targetType, id, entries, a.opts.Precision)
	agg.UpdatedAt = a.clock.Now()
	return agg, nil
}

// refresh invalidates the aggregates touched by a change and recomputes them.
// A failed recompute leaves the entry empty; the next read fills it.
func (a *Aggregator) refresh(ctx context.Context, targetType models.TargetType, targetID, threadID string) {
	keys := []targetKey{{targetType, targetID}}
	if targetType == models.TargetTask && threadID != "" {
		keys = append(keys, targetKey{models.TargetThread, threadID})
	}

	a.mu.Lock()
	for _, k := range keys {
		key := cacheKey(k.tt, k.id)
		a.gen[key]++
		delete(a.cache, key)
	}
	a.mu.Unlock()

	for _, k := range keys {
		if _, err := a.Aggregate(ctx, k.tt, k.id); err != nil {
			a.logger.Warn("feedback aggregate refresh failed",
				logging.TargetTypeKey, string(k.tt), logging.TargetIDKey, k.id, logging.ErrorKey, err)
		}
	}
}

type targetKey struct {
	tt models.TargetType
	id string
}

func cacheKey(targetType models.TargetType, id string) string {
	return string(targetType) + "/" + id
}

func cloneAggregate(agg *models.FeedbackAggregate) *models.FeedbackAggregate {
	c := *agg
	c.TypeDistribution = make(map[models.FeedbackType]int, len(agg.TypeDistribution))
	for k, v := range agg.TypeDistribution {
		c.TypeDistribution[k] = v
	}
	c.RatingHistogram = make(map[int]int, len(agg.RatingHistogram))
	for k, v := range agg.RatingHistogram {
		c.RatingHistogram[k] = v
	}
	return &c
}

func validType(t models.FeedbackType) bool {
	for _, ft := range models.AllFeedbackTypes {
		if ft == t {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
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
