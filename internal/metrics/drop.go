package metrics

import "github.com/KOPOData2025/Hana1QLiving-sub002/logger"

// DropMetric identifies the metric name emitted when messages are dropped.
type DropMetric string

const (
	// DropMetricClientQueue records messages evicted from a full client queue.
	DropMetricClientQueue DropMetric = "client_queue_messages_dropped"
	// DropMetricUpdateChannel records updates dropped from the full internal update channel.
	DropMetricUpdateChannel DropMetric = "update_channel_messages_dropped"
)

// EmitDropMetric logs and emits a metric representing a dropped message. The
// metric value is always incremented by one so callers should invoke this
// helper for each dropped message. Optional metadata (session, product,
// kind) is added to the metric fields when provided which enables downstream
// aggregation per client and stream type.
func EmitDropMetric(log *logger.Log, metric DropMetric, sessionID, productID, kind string) {
	fields := logger.Fields{}
	if sessionID != "" {
		fields["session_id"] = sessionID
	}
	if productID != "" {
		fields["product_id"] = productID
	}
	if kind != "" {
		fields["kind"] = kind
	}

	EmitMetric(log, "message_drops", string(metric), 1, "counter", fields)
}
