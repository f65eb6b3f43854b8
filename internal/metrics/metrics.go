// Package metrics exposes Prometheus collectors for the fetch engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchRequestsTotal          *prometheus.CounterVec
	fetchRequestDurationSeconds *prometheus.HistogramVec
	fetchBytesTotal             *prometheus.CounterVec
	fetchRetriesTotal           *prometheus.CounterVec
	fetchRetriesExhaustedTotal  prometheus.Counter
	rateLimitDelaysSeconds      *prometheus.HistogramVec
	poolWorkers                 *prometheus.GaugeVec
	poolQueueDepth              prometheus.Gauge
	poolWorkersReplacedTotal    *prometheus.CounterVec
	poolOverflowTotal           prometheus.Counter
	processorTasksTotal         *prometheus.CounterVec
	processorFallbacksTotal     *prometheus.CounterVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchengine_requests_total",
				Help: "Total number of upstream requests, labeled by host, mode and outcome.",
			},
			[]string{"host", "mode", "outcome"},
		)

		fetchRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchengine_request_duration_seconds",
				Help:    "Histogram of upstream request latencies, labeled by mode.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"mode"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchengine_bytes_total",
				Help: "Total number of response bytes read, labeled by host.",
			},
			[]string{"host"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchengine_retries_total",
				Help: "Total number of retry attempts, labeled by reason.",
			},
			[]string{"reason"},
		)

		fetchRetriesExhaustedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetchengine_retries_exhausted_total",
				Help: "Total number of URLs that failed after exhausting retries.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchengine_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"scope"},
		)

		poolWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fetchengine_pool_workers",
				Help: "Worker pool size, labeled by kind (current, target, active).",
			},
			[]string{"kind"},
		)

		poolQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchengine_pool_queue_depth",
				Help: "Number of tasks waiting in the worker pool queue.",
			},
		)

		poolWorkersReplacedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchengine_pool_workers_replaced_total",
				Help: "Total number of workers replaced, labeled by cause.",
			},
			[]string{"cause"},
		)

		poolOverflowTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetchengine_pool_overflow_total",
				Help: "Total number of tasks executed on the overflow lane.",
			},
		)

		processorTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchengine_processor_tasks_total",
				Help: "Total number of parsed bodies, labeled by mode (inline, pooled).",
			},
			[]string{"mode"},
		)

		processorFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchengine_processor_fallbacks_total",
				Help: "Total number of pooled parses that fell back to inline, labeled by cause.",
			},
			[]string{"cause"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests served, labeled by method and code.",
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
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one upstream attempt.
func ObserveRequest(rawURL, mode, outcome string, bytesRead int, duration time.Duration) {
	Init()
	host := SanitizeHost(rawURL)
	fetchRequestsTotal.WithLabelValues(host, mode, outcome).Inc()
	fetchRequestDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
	if bytesRead > 0 {
		fetchBytesTotal.WithLabelValues(host).Add(float64(bytesRead))
	}
}

// ObserveRetry increments the retry counter for the given reason.
func ObserveRetry(reason string) {
	Init()
	fetchRetriesTotal.WithLabelValues(reason).Inc()
}

// ObserveRetriesExhausted counts a URL that ran out of retries.
func ObserveRetriesExhausted() {
	Init()
	fetchRetriesExhaustedTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(scope string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(scope).Observe(duration.Seconds())
}

// SetPoolGauges publishes the pool sizes and queue depth.
func SetPoolGauges(current, target, active, queued int) {
	Init()
	poolWorkers.WithLabelValues("current").Set(float64(current))
	poolWorkers.WithLabelValues("target").Set(float64(target))
	poolWorkers.WithLabelValues("active").Set(float64(active))
	poolQueueDepth.Set(float64(queued))
}

// ObserveWorkerReplaced counts a replaced worker.
func ObserveWorkerReplaced(cause string) {
	Init()
	poolWorkersReplacedTotal.WithLabelValues(cause).Inc()
}

// ObserveOverflow counts a task executed on the overflow lane.
func ObserveOverflow() {
	Init()
	poolOverflowTotal.Inc()
}

// ObserveParse counts a parsed body by execution mode.
func ObserveParse(mode string) {
	Init()
	processorTasksTotal.WithLabelValues(mode).Inc()
}

// ObserveParseFallback counts a pooled parse that ran inline instead.
func ObserveParseFallback(cause string) {
	Init()
	processorFallbacksTotal.WithLabelValues(cause).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
