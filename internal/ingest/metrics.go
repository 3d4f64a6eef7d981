package ingest

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "execution-insight/ingest"

type metrics struct {
	events     metric.Int64Counter
	outOfOrder metric.Int64Counter
	dropped    metric.Int64Counter
	publishErr metric.Int64Counter

	applied, duplicate, buffered, rejected, invalid atomic.Int64

	outOfOrderN, droppedN, publishErrN atomic.Int64
}

func newMetrics() *metrics {
	meter := otel.Meter(meterName)
	return &metrics{
		events:     counter(meter, "insight.ingest.events", "Ingested events by disposition."),
		outOfOrder: counter(meter, "insight.ingest.out_of_order", "Events applied after the reorder window closed."),
		dropped:    counter(meter, "insight.ingest.completions_dropped", "Completion notices dropped because the feed was full."),
		publishErr: counter(meter, "insight.ingest.publish_failures", "Notifications that could not be published."),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		otel.Handle(err)
		return noop.Int64Counter{}
	}
	return c
}

func (m *metrics) record(ctx context.Context, status Status) {
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	switch status {
	case StatusApplied:
		m.applied.Add(1)
	case StatusDuplicate:
		m.duplicate.Add(1)
	case StatusBuffered:
		m.buffered.Add(1)
	case StatusRejected:
		m.rejected.Add(1)
	case StatusInvalid:
		m.invalid.Add(1)
	}
}

func (m *metrics) outOfOrderApplied(ctx context.Context) {
	m.outOfOrder.Add(ctx, 1)
	m.outOfOrderN.Add(1)
}

func (m *metrics) completionDropped(ctx context.Context) {
	m.dropped.Add(ctx, 1)
	m.droppedN.Add(1)
}

func (m *metrics) publishFailed(ctx context.Context) {
	m.publishErr.Add(ctx, 1)
	m.publishErrN.Add(1)
}

func (m *metrics) snapshot() Stats {
	return Stats{
		Applied:            m.applied.Load(),
		Duplicate:          m.duplicate.Load(),
		Buffered:           m.buffered.Load(),
		Rejected:           m.rejected.Load(),
		Invalid:            m.invalid.Load(),
		OutOfOrder:         m.outOfOrderN.Load(),
		CompletionsDropped: m.droppedN.Load(),
		PublishFailures:    m.publishErrN.Load(),
	}
}
