package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Gauges are read at collection time. Nil funcs are skipped.
type Gauges struct {
	QueueDepth    func() int
	QueueBuffered func() time.Duration
	FillerFrames  func() uint64
	Reconnects    func() uint64
	Listeners     func() int
}

// Metrics records station instruments. A nil *Metrics records nothing.
type Metrics struct {
	productions        metric.Int64Counter
	productionDuration metric.Float64Histogram
	queueDrops         metric.Int64Counter
	skipped            metric.Int64Counter
}

// NewMetrics creates the instruments on meter and registers the gauges.
func NewMetrics(meter metric.Meter, g Gauges) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.productions, err = meter.Int64Counter("airwaves.productions",
		metric.WithDescription("Finished production cycles by outcome")); err != nil {
		return nil, err
	}
	if m.productionDuration, err = meter.Float64Histogram("airwaves.production.duration",
		metric.WithDescription("Wall time of a production cycle"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.queueDrops, err = meter.Int64Counter("airwaves.queue.drops",
		metric.WithDescription("Segments dropped by the playback queue")); err != nil {
		return nil, err
	}
	if m.skipped, err = meter.Int64Counter("airwaves.scheduler.skipped",
		metric.WithDescription("Due ticks skipped because a production was in flight")); err != nil {
		return nil, err
	}

	depth, err := meter.Int64ObservableGauge("airwaves.queue.depth",
		metric.WithDescription("Segments waiting in the playback queue"))
	if err != nil {
		return nil, err
	}
	buffered, err := meter.Float64ObservableGauge("airwaves.queue.buffered",
		metric.WithDescription("Audio waiting in the playback queue"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	filler, err := meter.Int64ObservableCounter("airwaves.sink.filler_frames",
		metric.WithDescription("Frames emitted while the queue was empty"))
	if err != nil {
		return nil, err
	}
	reconnects, err := meter.Int64ObservableCounter("airwaves.sink.reconnects",
		metric.WithDescription("Icecast uplink reconnects"))
	if err != nil {
		return nil, err
	}
	listeners, err := meter.Int64ObservableGauge("airwaves.listeners",
		metric.WithDescription("Connected local listeners"))
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if g.QueueDepth != nil {
			o.ObserveInt64(depth, int64(g.QueueDepth()))
		}
		if g.QueueBuffered != nil {
			o.ObserveFloat64(buffered, g.QueueBuffered().Seconds())
		}
		if g.FillerFrames != nil {
			o.ObserveInt64(filler, int64(g.FillerFrames()))
		}
		if g.Reconnects != nil {
			o.ObserveInt64(reconnects, int64(g.Reconnects()))
		}
		if g.Listeners != nil {
			o.ObserveInt64(listeners, int64(g.Listeners()))
		}
		return nil
	}, depth, buffered, filler, reconnects, listeners)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ProductionDone records one finished cycle.
func (m *Metrics) ProductionDone(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.productions.Add(ctx, 1, attrs)
	m.productionDuration.Record(ctx, d.Seconds(), attrs)
}

// QueueDropped records one evicted or rejected segment.
func (m *Metrics) QueueDropped(ctx context.Context, kind, reason string) {
	if m == nil {
		return
	}
	m.queueDrops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("reason", reason),
	))
}

// Skipped records one due tick skipped while a production was in flight.
func (m *Metrics) Skipped(ctx context.Context) {
	if m == nil {
		return
	}
	m.skipped.Add(ctx, 1)
}
