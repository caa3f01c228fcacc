// Package metrics exposes Prometheus collectors for the archiver service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reconcileOutcomesTotal     *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	messagesMarkedDeletedTotal prometheus.Counter
	searchQueriesTotal         prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaySeconds      prometheus.Histogram
	activeWorkers              prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		reconcileOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbgdb_reconcile_outcomes_total",
				Help: "Total reconciliations, labeled by entity kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbgdb_fetches_total",
				Help: "Total fetch attempts, labeled by target kind and result.",
			},
			[]string{"kind", "result"},
		)

		messagesMarkedDeletedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tbgdb_messages_marked_deleted_total",
				Help: "Total messages soft-deleted after vanishing from a topic listing.",
			},
		)

		searchQueriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tbgdb_search_queries_total",
				Help: "Total full-text search queries served.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tbgdb_rate_limit_delay_seconds",
				Help:    "Histogram of politeness budget wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tbgdb_active_workers",
				Help: "Number of workers currently processing a fetch target.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveReconcile increments the reconciliation counter.
func ObserveReconcile(kind, outcome string) {
	reconcileOutcomesTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveFetch increments the fetch counter for the given target kind and result.
func ObserveFetch(kind, result string) {
	fetchesTotal.WithLabelValues(kind, result).Inc()
}

// ObserveMessageMarkedDeleted increments the soft-delete counter.
func ObserveMessageMarkedDeleted() {
	messagesMarkedDeletedTotal.Inc()
}

// ObserveSearchQuery increments the search query counter.
func ObserveSearchQuery() {
	searchQueriesTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a politeness budget wait.
func ObserveRateLimitDelay(duration time.Duration) {
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
