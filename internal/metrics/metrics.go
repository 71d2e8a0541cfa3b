// Package metrics exposes Prometheus collectors for the media scraper.
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
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	fetchesInFlight            prometheus.Gauge
	fetchDurationSeconds       *prometheus.HistogramVec
	candidatesOfferedTotal     *prometheus.CounterVec
	queueDepth                 prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

func init() {
	Init()
}

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediascraper_jobs_total",
				Help: "Jobs finished, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediascraper_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		fetchesInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediascraper_fetches_in_flight",
				Help: "Number of page fetches currently in progress.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mediascraper_fetch_duration_seconds",
				Help:    "Page fetch latency, labeled by outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"outcome"},
		)

		candidatesOfferedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediascraper_candidates_offered_total",
				Help: "Media candidates offered to the store, labeled by kind.",
			},
			[]string{"kind"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediascraper_queue_depth",
				Help: "Jobs waiting in the queue.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mediascraper_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host rate limiter.",
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
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
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

// ObserveJob counts a finished job by outcome.
func ObserveJob(outcome string) {
	jobsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// StartFetch marks a fetch in flight and returns a func that records its
// duration under the given outcome.
func StartFetch() func(outcome string) {
	fetchesInFlight.Inc()
	start := time.Now()
	return func(outcome string) {
		fetchesInFlight.Dec()
		fetchDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}

// ObserveCandidates adds n offered candidates of kind.
func ObserveCandidates(kind string, n int) {
	if n <= 0 {
		return
	}
	candidatesOfferedTotal.WithLabelValues(kind).Add(float64(n))
}

// SetQueueDepth records the number of queued jobs.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
