// Package metrics provides Prometheus metrics for the annexwatch daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Content tracker metrics
	trackerCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annexwatch_tracker_calls_total",
			Help: "Total git and git-annex invocations",
		},
		[]string{"kind", "status"},
	)

	trackerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "annexwatch_tracker_call_duration_seconds",
			Help:    "Duration of git and git-annex invocations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Queue metrics
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "annexwatch_queue_depth",
			Help: "Tasks waiting for admission",
		},
		[]string{"queue"},
	)

	queueRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "annexwatch_queue_running",
			Help: "Tasks currently executing",
		},
		[]string{"queue"},
	)

	// Reconciliation metrics
	scansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annexwatch_scans_total",
			Help: "Completed scans by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	scanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "annexwatch_scan_duration_seconds",
			Help:    "Scan duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1200},
		},
		[]string{"kind"},
	)

	aggregatePassesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "annexwatch_aggregate_passes_total",
			Help: "Folder aggregation passes run",
		},
	)

	directoriesResolvedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "annexwatch_directories_resolved_total",
			Help: "Directory rows resolved by aggregation",
		},
	)

	pathQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annexwatch_path_queries_total",
			Help: "Per-path status queries by outcome",
		},
		[]string{"status"},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annexwatch_notifications_total",
			Help: "Notifications published to subscribers",
		},
		[]string{"type"},
	)

	watcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annexwatch_watcher_events_total",
			Help: "Debounced filesystem events by operation",
		},
		[]string{"op"},
	)

	watchedTrees = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "annexwatch_watched_trees",
			Help: "Number of watched trees",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordTrackerCall records one git or git-annex invocation.
func RecordTrackerCall(kind string, duration time.Duration, err error) {
	trackerCallsTotal.WithLabelValues(kind, status(err)).Inc()
	trackerCallDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetQueueDepth sets the queued and running gauges of a queue.
func SetQueueDepth(queue string, queued, running int) {
	queueDepth.WithLabelValues(queue).Set(float64(queued))
	queueRunning.WithLabelValues(queue).Set(float64(running))
}

// RecordScan records a finished full or incremental scan.
func RecordScan(kind string, duration time.Duration, err error) {
	scansTotal.WithLabelValues(kind, status(err)).Inc()
	scanDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordAggregatePass records one aggregation pass and what it resolved.
func RecordAggregatePass(resolved int) {
	aggregatePassesTotal.Inc()
	directoriesResolvedTotal.Add(float64(resolved))
}

// RecordPathQuery records a worker's status query.
func RecordPathQuery(err error) {
	pathQueriesTotal.WithLabelValues(status(err)).Inc()
}

// RecordNotification records a published notification.
func RecordNotification(kind string) {
	notificationsTotal.WithLabelValues(kind).Inc()
}

// RecordWatcherEvent counts one debounced watcher event.
func RecordWatcherEvent(op string) {
	watcherEventsTotal.WithLabelValues(op).Inc()
}

// SetWatchedTrees sets the number of watched trees.
func SetWatchedTrees(n int) {
	watchedTrees.Set(float64(n))
}
