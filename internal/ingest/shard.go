package ingest

import (
	"context"
	"time"

	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/internal/logging"
	"execution-insight/backend/internal/repository"
	"execution-insight/backend/pkg/models"
)

// stopFlushTimeout bounds the final flush of buffered events on shutdown.
const stopFlushTimeout = 5 * time.Second

// idleFactor times the reorder timeout is how long a thread without buffered
// events stays cached before its watermark is reloaded from the store.
const idleFactor = 10

type request struct {
	ev    *models.Event
	flush bool
	reply chan reply
}

type reply struct {
	res Result
	err error
}

// shard owns the ordering state of every thread hashed to it.
type shard struct {
	id       int
	in       *Ingestor
	requests chan request
	threads  map[string]*threadOrder
	logger   *logging.Logger
}

func (s *shard) run(ctx context.Context) {
	var tick <-chan time.Time
	if s.in.opts.FlushInterval > 0 {
		ticker := s.in.clock.Ticker(s.in.opts.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.shutdown(ctx)
			return
		case req := <-s.requests:
			if req.flush {
				s.flushExpired(ctx, s.in.clock.Now())
				req.reply <- reply{}
				continue
			}
			res, err := s.handle(ctx, req.ev)
			req.reply <- reply{res: res, err: err}
		case <-tick:
			s.flushExpired(ctx, s.in.clock.Now())
		}
	}
}

// shutdown applies whatever is still buffered so acknowledged events are not
// lost with the process.
func (s *shard) shutdown(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), stopFlushTimeout)
	defer cancel()
	for _, o := range s.threads {
		if len(o.buffered) > 0 {
			s.drain(ctx, o, true)
		}
		if n := len(o.buffered); n > 0 {
			s.logger.Warn("dropping buffered events on shutdown", "count", n)
		}
	}
}

func (s *shard) handle(ctx context.Context, ev *models.Event) (Result, error) {
	now := s.in.clock.Now()
	o, err := s.order(ctx, ev.ThreadID)
	if err != nil {
		return Result{ThreadID: ev.ThreadID, Sequence: ev.Sequence}, err
	}
	o.lastSeen = now

	if o.seen(ev.Sequence) {
		s.in.metrics.record(ctx, StatusDuplicate)
		return Result{ThreadID: ev.ThreadID, Sequence: ev.Sequence, Status: StatusDuplicate}, nil
	}

	if ev.Sequence == o.last+1 {
		res, retry, err := s.apply(ctx, o, ev)
		if !retry {
			s.drain(ctx, o, false)
		}
		return res, err
	}

	o.hold(ev, now)
	if len(o.buffered) > s.in.opts.ReorderWindow {
		if r, ok := s.drain(ctx, o, true)[ev.Sequence]; ok {
			return r.res, r.err
		}
	}
	s.in.metrics.record(ctx, StatusBuffered)
	s.logger.Debug("buffered event",
		logging.ThreadIDKey, ev.ThreadID, logging.SequenceKey, ev.Sequence, "waiting_for", o.last+1)
	return Result{ThreadID: ev.ThreadID, Sequence: ev.Sequence, Status: StatusBuffered}, nil
}

// order returns the ordering state of a thread, loading its watermark from
// the store the first time the shard sees it.
func (s *shard) order(ctx context.Context, threadID string) (*threadOrder, error) {
	if o, ok := s.threads[threadID]; ok {
		return o, nil
	}
	var last int64
	th, err := s.in.marks.GetThread(ctx, threadID)
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
	case err != nil:
		return nil, apperrors.Dependency("thread_store", err)
	default:
		last = th.LastSequence
	}
	o := newThreadOrder(last)
	s.threads[threadID] = o
	return o, nil
}

// apply hands one event to the state machine. retry is true when nothing was
// committed and the watermark did not move.
func (s *shard) apply(ctx context.Context, o *threadOrder, ev *models.Event) (res Result, retry bool, err error) {
	res = Result{ThreadID: ev.ThreadID, Sequence: ev.Sequence, Anomaly: ev.Anomaly}

	out, err := s.in.machine.Apply(ctx, ev)
	switch {
	case apperrors.Is(err, repository.ErrDuplicateEvent):
		o.advance(ev.Sequence)
		res.Status = StatusDuplicate
		s.in.metrics.record(ctx, res.Status)
		return res, false, nil
	case apperrors.Classify(err) == apperrors.CategoryValidation:
		o.advance(ev.Sequence)
		res.Status, res.Detail = StatusInvalid, err.Error()
		s.in.metrics.record(ctx, res.Status)
		return res, false, err
	case err != nil:
		return res, true, err
	}

	o.advance(ev.Sequence)
	res.Status = StatusApplied
	res.Anomaly = out.Event.Anomaly
	if out.Rejection != nil {
		res.Status, res.Detail = StatusRejected, out.Rejection.Error()
	}
	s.in.metrics.record(ctx, res.Status)
	s.in.emit(ctx, out)
	return res, false, out.Rejection
}

// drain applies buffered events that are next in sequence. With force set it
// also closes gaps, flagging the first event after each gap out_of_order.
// It stops at the first failure that left the store untouched.
func (s *shard) drain(ctx context.Context, o *threadOrder, force bool) map[int64]reply {
	results := make(map[int64]reply)
	for {
		p, ok := o.next()
		if !ok {
			break
		}
		seq := p.ev.Sequence
		if seq <= o.last {
			delete(o.buffered, seq)
			continue
		}
		if seq != o.last+1 {
			if !force {
				break
			}
			p.ev.Anomaly = models.AnomalyOutOfOrder
			s.in.metrics.outOfOrderApplied(ctx)
			s.logger.Warn("applying event out of order",
				logging.ThreadIDKey, p.ev.ThreadID, logging.SequenceKey, seq, "expected", o.last+1)
		}
		delete(o.buffered, seq)

		res, retry, err := s.apply(ctx, o, p.ev)
		if retry {
			o.buffered[seq] = p
			s.logger.Error("applying buffered event failed",
				logging.ThreadIDKey, p.ev.ThreadID, logging.SequenceKey, seq, logging.ErrorKey, err)
			break
		}
		results[seq] = reply{res: res, err: err}
	}
	return results
}

// flushExpired forces out threads whose oldest buffered event has waited
// past the reorder timeout and forgets idle threads.
func (s *shard) flushExpired(ctx context.Context, now time.Time) {
	timeout := s.in.opts.ReorderTimeout
	for id, o := range s.threads {
		if oldest, ok := o.oldest(); ok && now.Sub(oldest) >= timeout {
			s.drain(ctx, o, true)
		}
		if len(o.buffered) == 0 && timeout > 0 && now.Sub(o.lastSeen) >= idleFactor*timeout {
			delete(s.threads, id)
		}
	}
}
