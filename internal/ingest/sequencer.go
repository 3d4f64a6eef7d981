package ingest

import (
	"sort"
	"time"

	"execution-insight/backend/pkg/models"
)

// pending is an event waiting for a sequence gap to close.
type pending struct {
	ev *models.Event
	at time.Time
}

// threadOrder tracks the applied watermark and the reorder buffer of one thread.
// It is owned by a single shard and never shared.
type threadOrder struct {
	last     int64
	buffered map[int64]pending
	lastSeen time.Time
}

func newThreadOrder(last int64) *threadOrder {
	return &threadOrder{last: last, buffered: make(map[int64]pending)}
}

// seen reports whether seq was already applied or is waiting in the buffer.
func (o *threadOrder) seen(seq int64) bool {
	if seq <= o.last {
		return true
	}
	_, ok := o.buffered[seq]
	return ok
}

func (o *threadOrder) hold(ev *models.Event, now time.Time) {
	o.buffered[ev.Sequence] = pending{ev: ev, at: now}
}

// next returns the lowest buffered sequence.
func (o *threadOrder) next() (pending, bool) {
	if len(o.buffered) == 0 {
		return pending{}, false
	}
	seqs := make([]int64, 0, len(o.buffered))
	for s := range o.buffered {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return o.buffered[seqs[0]], true
}

// oldest returns the arrival time of the longest waiting event.
func (o *threadOrder) oldest() (time.Time, bool) {
	var oldest time.Time
	for _, p := range o.buffered {
		if oldest.IsZero() || p.at.Before(oldest) {
			oldest = p.at
		}
	}
	return oldest, !oldest.IsZero()
}

// advance moves the watermark forward. It never moves backwards.
func (o *threadOrder) advance(seq int64) {
	if seq > o.last {
		o.last = seq
	}
}
