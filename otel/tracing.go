// Package otel provides OpenTelemetry integration for rule parsing,
// evaluation and lifecycle events.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalrules/bus"
)

// TracingHandler turns rule lifecycle events into spans. Each created,
// deleted or combined event becomes one span named after the event kind.
// Evaluations are traced by RuleObserver instead.
type TracingHandler struct {
	tracer trace.Tracer
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{tracer: tracer}
}

// Handle records a span for e.
func (h *TracingHandler) Handle(e bus.Event) {
	switch e.Kind {
	case bus.EventRuleCreated, bus.EventRuleDeleted, bus.EventRuleCombined:
	default:
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int64("petalrules.seq", int64(e.Seq)), // #nosec G115 -- sequence numbers stay far below MaxInt64
	}
	if e.RuleID != "" {
		attrs = append(attrs, attribute.String("petalrules.rule_id", e.RuleID))
	}
	if e.RuleName != "" {
		attrs = append(attrs, attribute.String("petalrules.rule_name", e.RuleName))
	}
	if text, ok := e.Payload["rule"].(string); ok {
		attrs = append(attrs, attribute.String("petalrules.rule", text))
	}
	if op, ok := e.Payload["op"].(string); ok {
		attrs = append(attrs, attribute.String("petalrules.op", op))
	}

	_, span := h.tracer.Start(context.Background(), string(e.Kind),
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(e.Time),
	)
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(e.Time))
}

// EventHandler consumes one bus event.
type EventHandler interface {
	Handle(e bus.Event)
}

// Attach subscribes to every event on eb and feeds each one to handlers in
// a background goroutine. The returned function detaches and waits for the
// goroutine to exit.
func Attach(eb bus.EventBus, handlers ...EventHandler) (detach func()) {
	sub := eb.SubscribeAll()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub.Events() {
			for _, h := range handlers {
				h.Handle(e)
			}
		}
	}()
	return func() {
		_ = sub.Close()
		<-done
	}
}
