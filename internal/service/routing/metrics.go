package routing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type routingMetrics struct {
	fanoutChildren      metric.Int64Counter
	aggregateResponses  metric.Int64Counter
	pendingBuffered     metric.Int64Counter
	adapterStateChanges metric.Int64Counter
}

func newRoutingMetrics() *routingMetrics {
	meter := otel.Meter("basket.routing")
	m := &routingMetrics{}
	m.fanoutChildren, _ = meter.Int64Counter("basket_fanout_children",
		metric.WithDescription("Child requests dispatched by subscription fan-out"),
		metric.WithUnit("{request}"))
	m.aggregateResponses, _ = meter.Int64Counter("basket_aggregate_responses",
		metric.WithDescription("Aggregate subscription responses emitted to the client"),
		metric.WithUnit("{response}"))
	m.pendingBuffered, _ = meter.Int64Counter("basket_pending_buffered",
		metric.WithDescription("Adapter messages buffered while their fan-out was still in flight"),
		metric.WithUnit("{message}"))
	m.adapterStateChanges, _ = meter.Int64Counter("basket_adapter_state_changes",
		metric.WithDescription("Adapter connection state transitions"),
		metric.WithUnit("{transition}"))
	return m
}

func (m *routingMetrics) recordFanOut(kind SubscriptionKind, children int) {
	if m == nil || m.fanoutChildren == nil {
		return
	}
	m.fanoutChildren.Add(context.Background(), int64(children),
		metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *routingMetrics) recordResponse(err error) {
	if m == nil || m.aggregateResponses == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.aggregateResponses.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("result", result)))
}

func (m *routingMetrics) recordBuffered() {
	if m == nil || m.pendingBuffered == nil {
		return
	}
	m.pendingBuffered.Add(context.Background(), 1)
}

func (m *routingMetrics) recordStateChange(state string) {
	if m == nil || m.adapterStateChanges == nil {
		return
	}
	m.adapterStateChanges.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("state", state)))
}
