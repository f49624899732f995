package gateway

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "bizhub/realtime/gateway"

type hubMetrics struct {
	active   metric.Int64UpDownCounter
	enqueued metric.Int64Counter
	dropped  metric.Int64Counter
	evicted  metric.Int64Counter
	rejected metric.Int64Counter
}

func newHubMetrics() *hubMetrics {
	m := otel.Meter(meterName)
	fallback := noop.NewMeterProvider().Meter(meterName)

	active, err := m.Int64UpDownCounter("realtime.connections.active", metric.WithDescription("Open realtime connections."))
	if err != nil {
		active, _ = fallback.Int64UpDownCounter("realtime.connections.active")
	}
	enqueued, err := m.Int64Counter("realtime.frames.enqueued", metric.WithDescription("Event frames queued for delivery."))
	if err != nil {
		enqueued, _ = fallback.Int64Counter("realtime.frames.enqueued")
	}
	dropped, err := m.Int64Counter("realtime.frames.dropped", metric.WithDescription("Event frames dropped on a full send queue."))
	if err != nil {
		dropped, _ = fallback.Int64Counter("realtime.frames.dropped")
	}
	evicted, err := m.Int64Counter("realtime.consumers.evicted", metric.WithDescription("Connections closed for falling behind."))
	if err != nil {
		evicted, _ = fallback.Int64Counter("realtime.consumers.evicted")
	}
	rejected, err := m.Int64Counter("realtime.handshakes.rejected", metric.WithDescription("Connection attempts refused at handshake."))
	if err != nil {
		rejected, _ = fallback.Int64Counter("realtime.handshakes.rejected")
	}
	return &hubMetrics{active: active, enqueued: enqueued, dropped: dropped, evicted: evicted, rejected: rejected}
}

func eventAttr(event string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("event", event))
}

func (m *hubMetrics) connOpened() { m.active.Add(context.Background(), 1) }

func (m *hubMetrics) connClosed() { m.active.Add(context.Background(), -1) }

func (m *hubMetrics) frameQueued(event string) {
	m.enqueued.Add(context.Background(), 1, eventAttr(event))
}

func (m *hubMetrics) frameDropped(event string) {
	m.dropped.Add(context.Background(), 1, eventAttr(event))
}

func (m *hubMetrics) consumerEvicted() { m.evicted.Add(context.Background(), 1) }

func (m *hubMetrics) handshakeRejected(reason string) {
	m.rejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}
