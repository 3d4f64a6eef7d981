package similarity

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/internal/logging"
	"execution-insight/backend/pkg/models"
)

// Indexer keeps the index current. It consumes completion notices from the
// ingestor, backfills on an interval and reindexes when the engine detects a
// model change.
type Indexer struct {
	engine   *Engine
	feed     chan models.CompletionNotice
	interval time.Duration
	clock    clock.Clock
	logger   *logging.Logger

	indexed atomic.Int64
	failed  atomic.Int64
}

func NewIndexer(engine *Engine, buffer int, backfillInterval time.Duration) *Indexer {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Indexer{
		engine:   engine,
		feed:     make(chan models.CompletionNotice, buffer),
		interval: backfillInterval,
		clock:    engine.clock,
		logger:   engine.logger.With("component", "similarity_indexer"),
	}
}

// Offer queues a notice without blocking. A dropped notice is picked up by
// the next backfill.
func (ix *Indexer) Offer(n models.CompletionNotice) bool {
	select {
	case ix.feed <- n:
		return true
	default:
		return false
	}
}

// Counts returns how many targets were indexed and how many failed.
func (ix *Indexer) Counts() (indexed, failed int64) {
	return ix.indexed.Load(), ix.failed.Load()
}

// Run blocks until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) {
	if err := ix.engine.Load(ctx); err != nil && ctx.Err() == nil {
		ix.logger.Warn("similarity index load failed, will retry on backfill", logging.ErrorKey, err)
	}
	ix.backfill(ctx)

	var tick <-chan time.Time
	if ix.interval > 0 {
		ticker := ix.clock.Ticker(ix.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-ix.feed:
			ix.index(ctx, n)
		case <-tick:
			if ix.engine.Index().Snapshot().Model() == "" {
				if err := ix.engine.Load(ctx); err != nil && ctx.Err() == nil {
					ix.logger.Warn("similarity index load failed", logging.ErrorKey, err)
					continue
				}
			}
			ix.backfill(ctx)
		case <-ix.engine.ReindexRequests():
			n, err := ix.engine.Reindex(ctx)
			if err != nil && ctx.Err() == nil {
				ix.logger.Error("reindex failed", logging.ErrorKey, err)
				continue
			}
			ix.logger.Info("reindex finished", logging.SizeKey, n)
		}
	}
}

func (ix *Indexer) index(ctx context.Context, n models.CompletionNotice) {
	ok, err := ix.engine.IndexTarget(ctx, n.TargetType, n.TargetID)
	switch {
	case err == nil:
		if ok {
			ix.indexed.Add(1)
		}
	case apperrors.Is(err, apperrors.ErrTargetNotReady):
		ix.logger.Debug("completion notice for a target that is not terminal",
			logging.TargetTypeKey, string(n.TargetType), logging.TargetIDKey, n.TargetID)
	case ctx.Err() != nil:
	default:
		ix.failed.Add(1)
		// the next backfill must revisit this target's thread
		ix.engine.setBackfillMark(time.Time{})
		ix.logger.Warn("indexing failed",
			logging.TargetTypeKey, string(n.TargetType), logging.TargetIDKey, n.TargetID, logging.ErrorKey, err)
	}
}

func (ix *Indexer) backfill(ctx context.Context) {
	n, err := ix.engine.Backfill(ctx)
	ix.indexed.Add(int64(n))
	if err != nil && ctx.Err() == nil {
		ix.failed.Add(1)
		ix.logger.Warn("similarity backfill incomplete", logging.SizeKey, n, logging.ErrorKey, err)
	}
}
