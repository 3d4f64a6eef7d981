// Package ingest accepts lifecycle events from the execution engine, orders
// them per thread and hands them to the state machine.
//
// Events are routed to a fixed set of shard workers by a hash of the thread
// id, so each thread has exactly one writer. Gaps in a thread's sequence are
// buffered up to a window or a timeout and then applied anyway, flagged
// out_of_order.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"execution-insight/backend/internal/config"
	"execution-insight/backend/internal/contextstore"
	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/internal/logging"
	"execution-insight/backend/internal/notify"
	"execution-insight/backend/internal/threadstate"
	"execution-insight/backend/pkg/models"
)

// ErrStopped is returned by Ingest once the workers have shut down.
var ErrStopped = apperrors.New("ingestor stopped")

// Status is the disposition of one ingested event.
type Status string

const (
	StatusApplied   Status = "applied"
	StatusDuplicate Status = "duplicate"
	StatusBuffered  Status = "buffered"
	StatusRejected  Status = "rejected"
	StatusInvalid   Status = "invalid"
)

type Result struct {
	ThreadID string             `json:"thread_id"`
	Sequence int64              `json:"sequence"`
	Status   Status             `json:"status,omitempty"`
	Anomaly  models.AnomalyKind `json:"anomaly,omitempty"`
	Detail   string             `json:"detail,omitempty"`
}

// BatchResult is the per-event outcome of IngestBatch.
type BatchResult struct {
	Result
	Error    string `json:"error,omitempty"`
	Category string `json:"category,omitempty"`
}

// Applier applies one ordered event. *threadstate.Machine implements it.
type Applier interface {
	Apply(ctx context.Context, ev *models.Event) (*threadstate.Outcome, error)
}

// Watermarks supplies the last applied sequence of a thread after a restart.
type Watermarks interface {
	GetThread(ctx context.Context, id string) (*models.Thread, error)
}

// ContextWriter stores raw task contexts and returns their hashes.
type ContextWriter interface {
	Put(ctx context.Context, data []byte) (string, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

// CompletionSink receives terminal transitions. Offer must not block.
type CompletionSink interface {
	Offer(n models.CompletionNotice) bool
}

type Options struct {
	Workers        int
	QueueSize      int
	ReorderWindow  int
	ReorderTimeout time.Duration
	FlushInterval  time.Duration

	Publisher   notify.Publisher
	Completions CompletionSink
	Clock       clock.Clock
	Logger      *logging.Logger
}

// OptionsFromConfig maps the ingest configuration section onto Options.
func OptionsFromConfig(cfg config.IngestConfig) Options {
	return Options{
		Workers:        cfg.Workers,
		QueueSize:      cfg.QueueSize,
		ReorderWindow:  cfg.ReorderWindow,
		ReorderTimeout: cfg.ReorderTimeout,
		FlushInterval:  cfg.FlushInterval,
	}
}

// Stats counts event dispositions since start.
type Stats struct {
	Applied            int64 `json:"applied"`
	Duplicate          int64 `json:"duplicate"`
	Buffered           int64 `json:"buffered"`
	Rejected           int64 `json:"rejected"`
	Invalid            int64 `json:"invalid"`
	OutOfOrder         int64 `json:"out_of_order"`
	CompletionsDropped int64 `json:"completions_dropped"`
	PublishFailures    int64 `json:"publish_failures"`
}

type Ingestor struct {
	machine  Applier
	marks    Watermarks
	contexts ContextWriter
	opts     Options
	clock    clock.Clock
	logger   *logging.Logger
	metrics  *metrics

	shards  []*shard
	started atomic.Bool
	wg      sync.WaitGroup
	stopped chan struct{}
}

func New(machine Applier, marks Watermarks, contexts ContextWriter, opts Options) *Ingestor {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.ReorderWindow <= 0 {
		opts.ReorderWindow = 1
	}
	if opts.Publisher == nil {
		opts.Publisher = notify.Noop{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	in := &Ingestor{
		machine:  machine,
		marks:    marks,
		contexts: contexts,
		opts:     opts,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  newMetrics(),
		stopped:  make(chan struct{}),
	}
	in.shards = make([]*shard, opts.Workers)
	for i := range in.shards {
		in.shards[i] = &shard{
			id:       i,
			in:       in,
			requests: make(chan request, opts.QueueSize),
			threads:  make(map[string]*threadOrder),
			logger:   opts.Logger.With(logging.WorkerKey, i),
		}
	}
	return in
}

// Start launches the shard workers. They run until ctx is cancelled; use
// WaitForCompletion to wait for them to exit.
func (in *Ingestor) Start(ctx context.Context) {
	if !in.started.CompareAndSwap(false, true) {
		return
	}
	for _, s := range in.shards {
		in.wg.Add(1)
		go func(s *shard) {
			defer in.wg.Done()
			s.run(ctx)
		}(s)
	}
	go func() {
		in.wg.Wait()
		close(in.stopped)
	}()
}

// WaitForCompletion blocks until every worker has exited.
func (in *Ingestor) WaitForCompletion() {
	if !in.started.Load() {
		return
	}
	<-in.stopped
}

// Ingest accepts one event and returns its disposition once the owning
// worker has handled it. A buffered event is acknowledged before it is
// applied. Start must have been called.
func (in *Ingestor) Ingest(ctx context.Context, ev *models.Event) (Result, error) {
	if ev == nil {
		return Result{Status: StatusInvalid}, apperrors.Validation("event is required")
	}
	res := Result{ThreadID: ev.ThreadID, Sequence: ev.Sequence}
	if err := ev.Validate(); err != nil {
		in.metrics.record(ctx, StatusInvalid)
		res.Status, res.Detail = StatusInvalid, err.Error()
		return res, apperrors.Validation("%v", err)
	}

	e := *ev
	now := in.clock.Now()
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = now
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = e.ReceivedAt
	}
	e.Anomaly = ""
	if err := in.captureContexts(ctx, &e); err != nil {
		switch apperrors.Classify(err) {
		case apperrors.CategoryValidation, apperrors.CategoryLimit:
			in.metrics.record(ctx, StatusInvalid)
			res.Status, res.Detail = StatusInvalid, err.Error()
		}
		return res, err
	}

	return in.dispatch(ctx, in.shardFor(e.ThreadID), request{ev: &e, reply: make(chan reply, 1)}, res)
}

func (in *Ingestor) dispatch(ctx context.Context, s *shard, req request, res Result) (Result, error) {
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return res, ctx.Err()
	case <-in.stopped:
		return res, ErrStopped
	}
	select {
	case r := <-req.reply:
		return r.res, r.err
	case <-ctx.Done():
		return res, ctx.Err()
	case <-in.stopped:
		return res, ErrStopped
	}
}

// IngestBatch ingests events in order per thread; different threads proceed
// concurrently. Results are returned in input order.
func (in *Ingestor) IngestBatch(ctx context.Context, events []*models.Event) []BatchResult {
	results := make([]BatchResult, len(events))
	groups := make(map[string][]int)
	var order []string
	for i, ev := range events {
		id := ""
		if ev != nil {
			id = ev.ThreadID
		}
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(in.shards))
	for _, id := range order {
		idx := groups[id]
		g.Go(func() error {
			for _, i := range idx {
				res, err := in.Ingest(gctx, events[i])
				results[i] = BatchResult{Result: res}
				if err != nil {
					results[i].Error = err.Error()
					results[i].Category = string(apperrors.Classify(err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// FlushExpired applies every buffered event that has waited longer than the
// reorder timeout. The workers also do this on their own ticker.
func (in *Ingestor) FlushExpired(ctx context.Context) error {
	for _, s := range in.shards {
		if _, err := in.dispatch(ctx, s, request{flush: true, reply: make(chan reply, 1)}, Result{}); err != nil {
			return err
		}
	}
	return nil
}

func (in *Ingestor) Stats() Stats {
	return in.metrics.snapshot()
}

func (in *Ingestor) shardFor(threadID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(threadID))
	return in.shards[h.Sum32()%uint32(len(in.shards))]
}

// captureContexts moves raw payload contexts into the context store and
// leaves only their hashes on the event. A hash sent without a body must name
// a stored context.
func (in *Ingestor) captureContexts(ctx context.Context, ev *models.Event) error {
	slots := []struct {
		name string
		raw  *json.RawMessage
		ref  *string
	}{
		{"input", &ev.Payload.Input, &ev.Payload.InputRef},
		{"injected", &ev.Payload.Injected, &ev.Payload.InjectedRef},
		{"output", &ev.Payload.Output, &ev.Payload.OutputRef},
	}
	for _, slot := range slots {
		if len(*slot.raw) == 0 {
			if *slot.ref != "" {
				if err := in.checkRef(ctx, slot.name, *slot.ref); err != nil {
					return err
				}
			}
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, *slot.raw); err != nil {
			return apperrors.Validation("%s context: %v", slot.name, err)
		}
		h, err := in.contexts.Put(ctx, buf.Bytes())
		if err != nil {
			return apperrors.Wrapf(err, "storing %s context for %s", slot.name, ev.Key())
		}
		*slot.ref = h
		*slot.raw = nil
	}
	return nil
}

func (in *Ingestor) checkRef(ctx context.Context, name, ref string) error {
	if !contextstore.ValidHash(ref) {
		return apperrors.Validation("%s_ref %q is not a context hash", name, ref)
	}
	ok, err := in.contexts.Exists(ctx, ref)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Validation("%s_ref %s does not name a stored context", name, ref)
	}
	return nil
}

// emit publishes the notifications of a committed outcome and offers its
// completions to the indexer. Nothing here can undo the commit.
func (in *Ingestor) emit(ctx context.Context, out *threadstate.Outcome) {
	for _, n := range out.Notifications {
		if err := in.opts.Publisher.Publish(ctx, n); err != nil {
			in.metrics.publishFailed(ctx)
			in.logger.Warn("notification publish failed",
				logging.ThreadIDKey, n.ThreadID, logging.NotificationKey, string(n.Kind), logging.ErrorKey, err)
		}
	}
	if in.opts.Completions == nil {
		return
	}
	for _, c := range out.Completions {
		if !in.opts.Completions.Offer(c) {
			in.metrics.completionDropped(ctx)
			in.logger.Warn("completion feed full, dropping notice",
				logging.TargetTypeKey, string(c.TargetType), logging.TargetIDKey, c.TargetID)
		}
	}
}
