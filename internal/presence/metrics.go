package presence

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "chat-relay/presence"

type metrics struct {
	broadcasts metric.Int64Counter
	deliveries metric.Int64Counter
	dropped    metric.Int64Counter
	offline    metric.Int64Counter
}

func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	return &metrics{
		broadcasts: counter(meter, "relay_status_broadcasts_total", "Status broadcasts triggered"),
		deliveries: counter(meter, "relay_deliveries_total", "Events written to live connections"),
		dropped:    counter(meter, "relay_deliveries_dropped_total", "Deliveries suppressed or failed"),
		offline:    counter(meter, "relay_offline_transitions_total", "Users marked offline"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func (m *metrics) drop(reason string) {
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) wentOffline(source string) {
	m.offline.Add(context.Background(), 1, metric.WithAttributes(attribute.String("source", source)))
}
