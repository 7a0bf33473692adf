package playback

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	items metric.Int64Counter
	wait  metric.Float64Histogram
	reg   metric.Registration
	depth atomic.Int64
}

func newMetrics(log *slog.Logger) *metrics {
	m := &metrics{}
	meter := otel.Meter("github.com/loqalabs/loqa-greeter/playback")

	var err error
	m.items, err = meter.Int64Counter("greeter.playback.items",
		metric.WithDescription("Clips that left the active slot, by outcome"))
	if err != nil {
		log.Warn("failed to create playback counter", slogError(err))
	}
	m.wait, err = meter.Float64Histogram("greeter.playback.wait",
		metric.WithDescription("Time a clip spent queued before loading"),
		metric.WithUnit("ms"))
	if err != nil {
		log.Warn("failed to create playback wait histogram", slogError(err))
	}
	depth, err := meter.Int64ObservableGauge("greeter.playback.queue_depth",
		metric.WithDescription("Pending clips waiting for the active slot"))
	if err != nil {
		log.Warn("failed to create queue depth gauge", slogError(err))
		return m
	}
	m.reg, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(depth, m.depth.Load())
		return nil
	}, depth)
	if err != nil {
		log.Warn("failed to register queue depth callback", slogError(err))
	}
	return m
}

func (m *metrics) finished(outcome Outcome) {
	if m.items == nil {
		return
	}
	m.items.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (m *metrics) waited(d time.Duration) {
	if m.wait == nil || d < 0 {
		return
	}
	m.wait.Record(context.Background(), float64(d)/float64(time.Millisecond))
}

func (m *metrics) setDepth(n int) {
	m.depth.Store(int64(n))
}

func (m *metrics) close() {
	if m.reg != nil {
		_ = m.reg.Unregister()
	}
}
