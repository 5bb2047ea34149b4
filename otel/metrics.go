package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalrules/bus"
)

// MetricsHandler translates rule lifecycle events into OpenTelemetry metrics.
// It counts events by kind and tracks how many rules are currently stored.
type MetricsHandler struct {
	events metric.Int64Counter
	active metric.Int64UpDownCounter
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	events, err := meter.Int64Counter("petalrules.rule.events",
		metric.WithDescription("Number of rule lifecycle events"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter("petalrules.rules.active",
		metric.WithDescription("Rules created minus rules deleted since startup"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{events: events, active: active}, nil
}

// Handle records one event.
func (h *MetricsHandler) Handle(e bus.Event) {
	ctx := context.Background()
	h.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(e.Kind)),
	))

	switch e.Kind {
	case bus.EventRuleCreated:
		h.active.Add(ctx, 1)
	case bus.EventRuleDeleted:
		h.active.Add(ctx, -1)
	}
}
