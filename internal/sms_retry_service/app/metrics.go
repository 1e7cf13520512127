package app

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	enqueueCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sms_retry",
			Name:      "enqueue_total",
			Help:      "Enqueue requests by result.",
		},
		[]string{"result"}, // enqueued, duplicate, not_retryable, invalid, error
	)

	attemptsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sms_retry",
			Name:      "attempts_total",
			Help:      "Retry attempts by outcome.",
		},
		[]string{"outcome"}, // delivered, rescheduled, failed, released, lost_claim, store_error
	)

	attemptDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sms_retry",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of the transport call for one retry attempt.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	batchDurationHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sms_retry",
			Name:      "batch_duration_seconds",
			Help:      "Duration of one ProcessBatch run.",
			Buckets:   []float64{.05, .1, .5, 1, 5, 10, 30, 60, 120},
		},
	)

	reclaimedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sms_retry",
			Name:      "reclaimed_total",
			Help:      "In-flight entries returned to pending after the stuck timeout.",
		},
	)

	cleanupDeletedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sms_retry",
			Name:      "cleanup_deleted_total",
			Help:      "Terminal entries deleted by the retention job.",
		},
	)

	schedulerRunsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sms_retry",
			Name:      "scheduler_runs_total",
			Help:      "Scheduler job runs by job and status.",
		},
		[]string{"job", "status"}, // job: process_batch, cleanup
	)

	callbacksCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sms_retry",
			Name:      "delivery_callbacks_total",
			Help:      "Delivery callbacks by mapped status and result.",
		},
		[]string{"mapped_status", "result"},
	)
)

var (
	httpRequestsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sms_retry",
			Name:      "http_requests_total",
			Help:      "HTTP requests by matched route and status.",
		},
		[]string{"route", "method", "status"},
	)

	httpRequestDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sms_retry",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP handler latency by route.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 5},
		},
		[]string{"route", "method"},
	)
)

// ObserveHTTPRequest records one served request. route is the matched
// pattern, never the raw path, so entry ids do not become label values.
func ObserveHTTPRequest(route, method string, status int, elapsed time.Duration) {
	httpRequestsCounter.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	httpRequestDurationHist.WithLabelValues(route, method).Observe(elapsed.Seconds())
}
