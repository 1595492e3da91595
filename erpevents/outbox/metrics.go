package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

type relayMetrics struct {
	eventsPublished metric.Int64Counter
	eventsFailed    metric.Int64Counter
	queueDepth      metric.Int64Gauge
	cycleLatency    metric.Float64Histogram
}

func newRelayMetrics(provider metric.MeterProvider) (relayMetrics, error) {
	var metrics relayMetrics

	if provider == nil {
		return metrics, nil
	}

	meter := provider.Meter("erpevents.outbox")

	var err error

	metrics.eventsPublished, err = meter.Int64Counter(
		"outbox.relay.events_published",
		metric.WithDescription("Outbox records confirmed by the broker and marked published"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("events_published counter: %w", err)
	}

	metrics.eventsFailed, err = meter.Int64Counter(
		"outbox.relay.events_failed",
		metric.WithDescription("Outbox records that failed to publish and stay pending"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("events_failed counter: %w", err)
	}

	metrics.queueDepth, err = meter.Int64Gauge(
		"outbox.relay.queue_depth",
		metric.WithDescription("Records picked up by the last relay cycle"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("queue_depth gauge: %w", err)
	}

	metrics.cycleLatency, err = meter.Float64Histogram(
		"outbox.relay.cycle_duration_seconds",
		metric.WithDescription("Duration of one relay cycle"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("cycle_duration histogram: %w", err)
	}

	return metrics, nil
}
