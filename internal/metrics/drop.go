package metrics

import "bookflow/logger"

// DropMetric names the queue an event was dropped from.
type DropMetric string

const (
	DropMetricDiffQueue     DropMetric = "diff_messages_dropped"
	DropMetricSnapshotQueue DropMetric = "snapshot_messages_dropped"
	DropMetricTradeQueue    DropMetric = "trade_messages_dropped"
	// DropMetricIntake counts diffs rejected by a full reconciler intake.
	DropMetricIntake DropMetric = "intake_messages_dropped"
)

// EmitDropMetric counts one dropped event and emits it as a structured metric.
// pair and stage are attached when set.
func EmitDropMetric(log *logger.Log, metric DropMetric, pair, stage string) {
	QueueDrops.WithLabelValues(string(metric)).Inc()

	fields := logger.Fields{}
	if pair != "" {
		fields["pair"] = pair
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
