// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	robotsFallbacksTotal       *prometheus.CounterVec
	headlessPromotionsTotal    *prometheus.CounterVec
	extractionsTotal           *prometheus.CounterVec
	completionDurationSeconds  *prometheus.HistogramVec
	checkpointsTotal           *prometheus.CounterVec
	batchDurationSeconds       prometheus.Histogram
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once        sync.Once
	initialized atomic.Bool
)

// Init registers the collectors with the default registry. It is safe to
// call more than once. Observe functions are no-ops until Init has run.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twostage_fetches_total",
				Help: "Page fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twostage_fetch_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twostage_fetch_retries_total",
				Help: "Fetch attempts repeated after a transient failure, labeled by site.",
			},
			[]string{"site"},
		)
		robotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twostage_robots_fallbacks_total",
				Help: "robots.txt probes that timed out and were treated as allow-all, labeled by site.",
			},
			[]string{"site"},
		)

		headlessPromotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twostage_headless_promotions_total",
				Help: "Plain fetches re-rendered in headless Chrome, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twostage_extractions_total",
				Help: "Link extraction attempts, labeled by result.",
			},
			[]string{"result"},
		)

		completionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "twostage_completion_duration_seconds",
				Help:    "Latency of extraction model calls, labeled by provider and result.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 60},
			},
			[]string{"provider", "result"},
		)

		checkpointsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twostage_checkpoints_total",
				Help: "State checkpoints written, labeled by result.",
			},
			[]string{"result"},
		)

		batchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "twostage_batch_duration_seconds",
				Help:    "Wall time per extraction batch.",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800},
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twostage_jobs_total",
				Help: "Jobs finished by the scheduler, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "twostage_active_workers",
				Help: "Number of workers currently running a job.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "twostage_rate_limit_delays_seconds",
				Help:    "Time spent waiting on per-domain rate limits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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
		initialized.Store(true)
	})
}

func enabled() bool {
	return initialized.Load()
}

// SanitizeSite extracts a lowercase hostname, or "unknown".
func SanitizeSite(rawURL string) string {
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

// ObserveFetch counts one fetch of rawURL.
func ObserveFetch(rawURL string, status int, bytesFetched int) {
	if !enabled() {
		return
	}
	site := SanitizeSite(rawURL)
	fetchesTotal.WithLabelValues(site, strconv.Itoa(status)).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveFetchRetry counts one repeated fetch of rawURL.
func ObserveFetchRetry(rawURL string) {
	if !enabled() {
		return
	}
	fetchRetriesTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveRobotsFallback counts a robots.txt probe answered with allow-all.
func ObserveRobotsFallback(rawURL string) {
	if !enabled() {
		return
	}
	robotsFallbacksTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveHeadlessPromotion counts one page promoted to headless rendering.
func ObserveHeadlessPromotion(rawURL string, ok bool) {
	if !enabled() {
		return
	}
	result := "rendered"
	if !ok {
		result = "fallback"
	}
	headlessPromotionsTotal.WithLabelValues(SanitizeSite(rawURL), result).Inc()
}

// ObserveExtraction counts one link attempt; result is "success",
// "transport_failure" or "extraction_failure".
func ObserveExtraction(result string) {
	if !enabled() {
		return
	}
	extractionsTotal.WithLabelValues(result).Inc()
}

// ObserveCompletion records one model call.
func ObserveCompletion(provider string, ok bool, duration time.Duration) {
	if !enabled() {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	completionDurationSeconds.WithLabelValues(provider, result).Observe(duration.Seconds())
}

// ObserveCheckpoint counts one checkpoint write.
func ObserveCheckpoint(ok bool) {
	if !enabled() {
		return
	}
	if ok {
		checkpointsTotal.WithLabelValues("success").Inc()
		return
	}
	checkpointsTotal.WithLabelValues("error").Inc()
}

// ObserveBatch records the duration of one extraction batch.
func ObserveBatch(duration time.Duration) {
	if !enabled() {
		return
	}
	batchDurationSeconds.Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	if !enabled() {
		return
	}
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if !enabled() {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if !enabled() {
		return
	}
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if !enabled() {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if !enabled() {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
