// Package metrics exposes the engine's Prometheus collectors, structured
// metric events and the periodic runtime report.
//
// Collectors are registered on Registry and served by Handler:
//
//	bookflow_stream_frames_total{pair,stream}
//	bookflow_stream_decode_errors_total{pair,stream}
//	bookflow_stream_reconnects_total{pair,stream}
//	bookflow_diffs_applied_total{pair}
//	bookflow_diffs_discarded_total{pair}
//	bookflow_pending_overflow_total{pair}
//	bookflow_reseeds_total{pair}
//	bookflow_snapshot_fetches_total{pair,source}
//	bookflow_snapshot_failures_total{pair,source}
//	bookflow_queue_drops_total{queue}
//	bookflow_reconciler_state{pair}
//	bookflow_sequence_id{pair}
//	bookflow_pending_diffs{pair}
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bookflow"

// Registry holds every collector of the process.
var Registry = prometheus.NewRegistry()

var (
	StreamFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_frames_total",
		Help:      "Frames read from a stream",
	}, []string{"pair", "stream"})

	StreamAcks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_acks_total",
		Help:      "Acknowledgements written back to a stream",
	}, []string{"pair", "stream"})

	StreamDecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_decode_errors_total",
		Help:      "Frames whose envelope or payload could not be decoded",
	}, []string{"pair", "stream"})

	StreamReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_reconnects_total",
		Help:      "Failed stream attempts followed by a reconnect",
	}, []string{"pair", "stream"})

	DiffsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "diffs_applied_total",
		Help:      "Diffs applied to a live book, including replays",
	}, []string{"pair"})

	DiffsDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "diffs_discarded_total",
		Help:      "Diffs discarded because their sequence id was not newer than the book",
	}, []string{"pair"})

	PendingOverflow = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pending_overflow_total",
		Help:      "Buffered diffs evicted while waiting for a snapshot",
	}, []string{"pair"})

	Reseeds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reseeds_total",
		Help:      "Snapshots applied to an unseeded or stale book",
	}, []string{"pair"})

	SnapshotFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_fetches_total",
		Help:      "Successful REST snapshot fetches",
	}, []string{"pair", "source"})

	SnapshotFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_failures_total",
		Help:      "Failed REST snapshot fetches",
	}, []string{"pair", "source"})

	QueueDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_drops_total",
		Help:      "Events dropped because a bounded queue was full",
	}, []string{"queue"})

	ReconcilerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reconciler_state",
		Help:      "0 unseeded, 1 live, 2 stale",
	}, []string{"pair"})

	SequenceID = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sequence_id",
		Help:      "Sequence id of the last applied book update",
	}, []string{"pair"})

	PendingDiffs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_diffs",
		Help:      "Diffs buffered while the book waits for a snapshot",
	}, []string{"pair"})
)

func init() {
	Registry.MustRegister(
		StreamFrames,
		StreamAcks,
		StreamDecodeErrors,
		StreamReconnects,
		DiffsApplied,
		DiffsDiscarded,
		PendingOverflow,
		Reseeds,
		SnapshotFetches,
		SnapshotFailures,
		QueueDrops,
		ReconcilerState,
		SequenceID,
		PendingDiffs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// ForgetPair drops every per-pair series once a pair leaves the active set.
func ForgetPair(pair string) {
	labels := prometheus.Labels{"pair": pair}
	for _, vec := range []*prometheus.CounterVec{
		StreamFrames, StreamAcks, StreamDecodeErrors, StreamReconnects, DiffsApplied,
		DiffsDiscarded, PendingOverflow, Reseeds, SnapshotFetches, SnapshotFailures,
	} {
		vec.DeletePartialMatch(labels)
	}
	for _, vec := range []*prometheus.GaugeVec{ReconcilerState, SequenceID, PendingDiffs} {
		vec.DeletePartialMatch(labels)
	}
}
