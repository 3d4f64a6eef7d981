// Package analytics builds read-only, time-bucketed rollups over threads,
// tasks and feedback. It never writes.
package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/internal/repository"
	"execution-insight/backend/pkg/models"
)

const (
	BucketHour = "hour"
	BucketDay  = "day"
	BucketWeek = "week"
)

// MaxBuckets bounds the size of one summary.
const MaxBuckets = 1000

// Source is the read side of the stores a summary needs.
type Source interface {
	ListThreads(ctx context.Context, filter models.ThreadFilter) ([]*models.Thread, error)
	ListTasks(ctx context.Context, threadID string) ([]*models.Task, error)
	ListFeedbackBetween(ctx context.Context, from, to time.Time) ([]*models.Feedback, error)
}

var _ Source = (repository.Store)(nil)

// Query selects the window and optional filters of a summary.
type Query struct {
	From                time.Time
	To                  time.Time
	Bucket              string
	Domain              string
	ProcessDefinitionID string
}

type Aggregator struct {
	src         Source
	clock       clock.Clock
	parallelism int
}

func NewAggregator(src Source, clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	return &Aggregator{src: src, clock: clk, parallelism: 8}
}

func bucketSize(name string) (time.Duration, error) {
	switch name {
	case BucketHour:
		return time.Hour, nil
	case "", BucketDay:
		return 24 * time.Hour, nil
	case BucketWeek:
		return 7 * 24 * time.Hour, nil
	default:
		return 0, apperrors.Validation("unknown bucket %q", name)
	}
}

// Summary rolls threads, tasks and feedback into buckets of [From, To). A
// zero To means now; a zero From means one bucket before To.
func (a *Aggregator) Summary(ctx context.Context, q Query) (*models.AnalyticsSummary, error) {
	size, err := bucketSize(q.Bucket)
	if err != nil {
		return nil, err
	}
	if q.Bucket == "" {
		q.Bucket = BucketDay
	}
	now := a.clock.Now()
	if q.To.IsZero() {
		q.To = now
	}
	if q.From.IsZero() {
		q.From = q.To.Add(-size)
	}
	if !q.From.Before(q.To) {
		return nil, apperrors.Validation("from must be before to")
	}
	n := int((q.To.Sub(q.From) + size - 1) / size)
	if n > MaxBuckets {
		return nil, apperrors.Wrapf(apperrors.ErrScopeTooLarge, "%d buckets exceeds the maximum of %d", n, MaxBuckets)
	}

	buckets := make([]models.AnalyticsBucket, n)
	for i := range buckets {
		start := q.From.Add(time.Duration(i) * size)
		end := start.Add(size)
		if end.After(q.To) {
			end = q.To
		}
		buckets[i] = models.AnalyticsBucket{Start: start, End: end}
	}
	index := func(t time.Time) int {
		if t.Before(q.From) || !t.Before(q.To) {
			return -1
		}
		return int(t.Sub(q.From) / size)
	}

	filter := models.ThreadFilter{StartedBefore: q.To, Domain: q.Domain}
	if q.ProcessDefinitionID != "" {
		filter.ProcessDefinitionIDs = []string{q.ProcessDefinitionID}
	}
	threads, err := a.src.ListThreads(ctx, filter)
	if err != nil {
		return nil, apperrors.Dependency("thread_store", err)
	}

	var (
		durations = make([]int64, n)
		ended     = make([]int, n)
		relevant  []*models.Thread
	)
	for _, th := range threads {
		if th.EndTime != nil && th.EndTime.Before(q.From) {
			continue
		}
		relevant = append(relevant, th)
		if i := index(th.StartTime); i >= 0 {
			buckets[i].ThreadsStarted++
		}
		if th.EndTime != nil {
			if i := index(*th.EndTime); i >= 0 {
				switch th.Status {
				case models.StatusCompleted:
					buckets[i].ThreadsCompleted++
				case models.StatusFailed, models.StatusTerminated:
					buckets[i].ThreadsFailed++
				}
				durations[i] += th.Duration().Milliseconds()
				ended[i]++
			}
		}
		for i := range buckets {
			b := &buckets[i]
			if th.StartTime.Before(b.End) && (th.EndTime == nil || !th.EndTime.Before(b.End)) {
				b.ThreadsActive++
			}
		}
	}
	for i := range buckets {
		if ended[i] > 0 {
			buckets[i].MeanDurationMs = float64(durations[i]) / float64(ended[i])
		}
	}

	if err := a.rollupTasks(ctx, relevant, buckets, index); err != nil {
		return nil, err
	}
	if err := a.rollupFeedback(ctx, q, threads, buckets, index); err != nil {
		return nil, err
	}

	return &models.AnalyticsSummary{
		From:        q.From,
		To:          q.To,
		Bucket:      q.Bucket,
		Buckets:     buckets,
		GeneratedAt: now,
	}, nil
}

func (a *Aggregator) rollupTasks(ctx context.Context, threads []*models.Thread, buckets []models.AnalyticsBucket, index func(time.Time) int) error {
	failed := make([]int, len(buckets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallelism)
	for _, th := range threads {
		if th.TaskCount == 0 {
			continue
		}
		g.Go(func() error {
			tasks, err := a.src.ListTasks(gctx, th.ID)
			if err != nil {
				return apperrors.Dependency("thread_store", err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, t := range tasks {
				if t.EndTime == nil {
					continue
				}
				i := index(*t.EndTime)
				if i < 0 {
					continue
				}
				buckets[i].Tasks++
				if t.Status == models.StatusFailed {
					failed[i]++
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i := range buckets {
		if buckets[i].Tasks > 0 {
			buckets[i].TaskFailureRate = float64(failed[i]) / float64(buckets[i].Tasks)
		}
	}
	return nil
}

func (a *Aggregator) rollupFeedback(ctx context.Context, q Query, threads []*models.Thread, buckets []models.AnalyticsBucket, index func(time.Time) int) error {
	entries, err := a.src.ListFeedbackBetween(ctx, q.From, q.To)
	if err != nil {
		return apperrors.Dependency("feedback_store", err)
	}
	filtered := q.Domain != "" || q.ProcessDefinitionID != ""
	inScope := make(map[string]bool, len(threads))
	for _, th := range threads {
		inScope[th.ID] = true
	}

	sums := make([]int, len(buckets))
	rated := make([]int, len(buckets))
	for _, f := range entries {
		if filtered && !inScope[f.ThreadID] {
			continue
		}
		i := index(f.CreatedAt)
		if i < 0 {
			continue
		}
		buckets[i].FeedbackCount++
		if f.Rating != nil {
			sums[i] += *f.Rating
			rated[i]++
		}
	}
	for i := range buckets {
		if rated[i] > 0 {
			buckets[i].FeedbackMean = float64(sums[i]) / float64(rated[i])
		}
	}
	return nil
}
