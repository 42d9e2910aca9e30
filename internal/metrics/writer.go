package metrics

import "bookflow/logger"

// WriterStats holds the running totals of a sink writer.
type WriterStats struct {
	MessagesWritten int64
	BatchesWritten  int64
	BytesWritten    int64
	ErrorsCount     int64
	QueueLen        int
	QueueCap        int
}

// ReportWriter emits the writer totals as metrics and one summary line.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	errorRate := float64(0)
	if stats.BatchesWritten+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.BatchesWritten+stats.ErrorsCount)
	}

	EmitMetric(log, component, "messages_written", stats.MessagesWritten, "counter", nil)
	EmitMetric(log, component, "batches_written", stats.BatchesWritten, "counter", nil)
	EmitMetric(log, component, "bytes_written", stats.BytesWritten, "counter", logger.Fields{"unit": "bytes"})
	EmitMetric(log, component, "errors_count", stats.ErrorsCount, "counter", nil)
	EmitMetric(log, component, "error_rate", errorRate, "gauge", nil)
	EmitMetric(log, component, "queue_len", stats.QueueLen, "gauge", nil)

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"messages_written": stats.MessagesWritten,
		"batches_written":  stats.BatchesWritten,
		"bytes_written":    stats.BytesWritten,
		"errors_count":     stats.ErrorsCount,
		"error_rate":       errorRate,
		"queue_len":        stats.QueueLen,
		"queue_cap":        stats.QueueCap,
	})

	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}
	entry.Info(component + " metrics")
}
