package metrics

import "pricecore/logger"

// DropMetric identifies the metric name emitted when events are dropped.
type DropMetric string

const (
	// DropMetricPriceUpdate records dropped price update events.
	DropMetricPriceUpdate DropMetric = "price_update_events_dropped"
	// DropMetricSignificantChange records dropped significant change events.
	DropMetricSignificantChange DropMetric = "significant_change_events_dropped"
	// DropMetricSink records events the Kafka sink could not enqueue.
	DropMetricSink DropMetric = "sink_events_dropped"
)

// EmitDropMetric logs and counts one dropped event. The symbol is attached to
// the log line when known.
func EmitDropMetric(log *logger.Log, metric DropMetric, symbol string) {
	fields := logger.Fields{}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if eventsDropped != nil {
		eventsDropped.WithLabelValues(string(metric)).Inc()
	}
	logger.IncrementDroppedEvent()
	log.LogMetric("event_drops", string(metric), 1, "counter", fields)
}
