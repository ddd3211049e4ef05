package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task source metrics
	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horde_tasksource_ticks_total",
			Help: "Total number of task source ticks",
		},
		[]string{"result"},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "horde_tasksource_tick_duration_seconds",
			Help:    "Task source tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	batchesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horde_batches_scheduled_total",
			Help: "Total number of batches placed on the dispatch queue",
		},
		[]string{"pool", "online"},
	)

	batchesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horde_batches_rejected_total",
			Help: "Total number of batches completed without running, by error",
		},
		[]string{"error"},
	)

	queueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "horde_dispatch_queue_length",
			Help: "Number of batches waiting for an agent",
		},
	)

	// Lease metrics
	leasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horde_leases_total",
			Help: "Total number of lease transitions",
		},
		[]string{"event"},
	)

	// Garbage collection metrics
	gcBlobsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horde_gc_blobs_deleted_total",
			Help: "Total number of blobs deleted by garbage collection",
		},
		[]string{"namespace"},
	)

	gcRefsExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horde_gc_refs_expired_total",
			Help: "Total number of expired refs removed by garbage collection",
		},
		[]string{"namespace"},
	)

	gcLiveBlobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "horde_gc_live_blobs",
			Help: "Number of blobs reachable from refs at the last sweep",
		},
		[]string{"namespace"},
	)

	gcDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "horde_gc_duration_seconds",
			Help:    "Garbage collection sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"namespace"},
	)
)

// RecordTick records one task source pass
func RecordTick(err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ticksTotal.WithLabelValues(result).Inc()
	tickDuration.Observe(durationSeconds)
}

// RecordBatchScheduled records a batch entering the dispatch queue
func RecordBatchScheduled(pool string, online bool) {
	label := "false"
	if online {
		label = "true"
	}
	batchesScheduled.WithLabelValues(pool, label).Inc()
}

// RecordBatchRejected records a batch completed by the scheduler itself
func RecordBatchRejected(errorCode string) {
	batchesRejected.WithLabelValues(errorCode).Inc()
}

// SetQueueLength sets the dispatch queue length
func SetQueueLength(n int) {
	queueLength.Set(float64(n))
}

// RecordLease records a lease event: assigned, completed, cancelled, lost
func RecordLease(event string) {
	leasesTotal.WithLabelValues(event).Inc()
}

// RecordGC records the outcome of one namespace sweep
func RecordGC(namespace string, live, deleted, expiredRefs int, durationSeconds float64) {
	gcLiveBlobs.WithLabelValues(namespace).Set(float64(live))
	gcBlobsDeleted.WithLabelValues(namespace).Add(float64(deleted))
	gcRefsExpired.WithLabelValues(namespace).Add(float64(expiredRefs))
	gcDuration.WithLabelValues(namespace).Observe(durationSeconds)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
