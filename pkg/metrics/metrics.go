// Package metrics defines the Prometheus collectors used by the ingestion
// pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the ingestion service.
type Metrics struct {
	APIRequestsTotal      *prometheus.CounterVec
	APIRequestDuration    *prometheus.HistogramVec
	APIRetriesTotal       *prometheus.CounterVec
	RateLimiterWait       prometheus.Histogram
	PagesTotal            *prometheus.CounterVec
	ListingsTotal         *prometheus.CounterVec
	BatchCommitDuration   *prometheus.HistogramVec
	EnrichmentsTotal      *prometheus.CounterVec
	CleanupDeletedTotal   *prometheus.CounterVec
	CacheInvalidatedTotal prometheus.Counter
	RunsTotal             *prometheus.CounterVec
	RunDuration           prometheus.Histogram
	CircuitBreakerState   *prometheus.GaugeVec

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates all collectors and registers them with reg. Passing nil uses the
// process-wide default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_api_requests_total",
				Help: "Upstream API requests by endpoint and status class.",
			},
			[]string{"endpoint", "status"},
		),
		APIRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listing_api_request_duration_seconds",
				Help:    "Upstream API request latency in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"endpoint"},
		),
		APIRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_api_retries_total",
				Help: "Backoff retries by operation.",
			},
			[]string{"operation"},
		),
		RateLimiterWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "listing_rate_limiter_wait_seconds",
				Help:    "Time callers spent waiting for rate limiter admission.",
				Buckets: []float64{0, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
		),
		PagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_pages_total",
				Help: "Fetched pages by result (ok, empty, failed).",
			},
			[]string{"result"},
		),
		ListingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listings_processed_total",
				Help: "Listings by pipeline outcome (new, updated, duplicate, replaced, skipped, error).",
			},
			[]string{"outcome"},
		),
		BatchCommitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listing_batch_commit_duration_seconds",
				Help:    "Batch transaction latency by status.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"status"},
		),
		EnrichmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_enrichments_total",
				Help: "Enrichment attempts by result (api, fallback, unchanged).",
			},
			[]string{"result"},
		),
		CleanupDeletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_cleanup_total",
				Help: "Stale listings removed by retention cleanup, by status.",
			},
			[]string{"status"},
		),
		CacheInvalidatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "listing_cache_keys_invalidated_total",
				Help: "Response-cache keys removed after committed batches.",
			},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_runs_total",
				Help: "Completed ingestion runs by termination reason.",
			},
			[]string{"reason"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingestion_run_duration_seconds",
				Help:    "Wall time of ingestion runs.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "operator_http_requests_total",
				Help: "Operator API requests by method, path and status code.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "operator_http_request_duration_seconds",
				Help:    "Operator API request latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "operator_http_requests_in_flight",
				Help: "Operator API requests currently being served.",
			},
		),
	}

	reg.MustRegister(
		m.APIRequestsTotal,
		m.APIRequestDuration,
		m.APIRetriesTotal,
		m.RateLimiterWait,
		m.PagesTotal,
		m.ListingsTotal,
		m.BatchCommitDuration,
		m.EnrichmentsTotal,
		m.CleanupDeletedTotal,
		m.CacheInvalidatedTotal,
		m.RunsTotal,
		m.RunDuration,
		m.CircuitBreakerState,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}

	return m
}

// NewNop returns collectors registered on a private registry, for tests and
// tools that never expose /metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape HTTP handler for the registry the
// collectors were registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
