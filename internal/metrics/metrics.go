// Package metrics exports Prometheus metrics for the search service, the
// ask flow and the embedding build.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perbu/studyrag/pkg/search"
)

const namespace = "studyrag"

// Outcome label values
const (
	OutcomeOK       = "ok"
	OutcomeEmpty    = "empty"
	OutcomeError    = "error"
	OutcomeUpstream = "upstream_error"
)

var latencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics owns a registry and every collector studyrag exports
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	searches       *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
	searchResults  prometheus.Histogram

	asks        *prometheus.CounterVec
	askDuration prometheus.Histogram

	embeddingCalls    *prometheus.CounterVec
	embeddingTexts    prometheus.Counter
	embeddingDuration prometheus.Histogram

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	segments prometheus.Gauge
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   latencyBuckets,
	}, []string{"method", "route"})

	m.searches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "requests_total",
		Help:      "Total number of searches by mode and outcome",
	}, []string{"mode", "outcome"})

	m.searchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "duration_seconds",
		Help:      "Search duration in seconds, including the query embedding",
		Buckets:   latencyBuckets,
	}, []string{"mode"})

	m.searchResults = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "results",
		Help:      "Number of results returned per search",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})

	m.asks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ask",
		Name:      "requests_total",
		Help:      "Total number of ask requests by status",
	}, []string{"status"})

	m.askDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ask",
		Name:      "duration_seconds",
		Help:      "Ask duration in seconds, including the completion",
		Buckets:   []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
	})

	m.embeddingCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "calls_total",
		Help:      "Total number of batch embedding calls",
	}, []string{"outcome"})

	m.embeddingTexts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "texts_total",
		Help:      "Total number of texts sent for embedding",
	})

	m.embeddingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "call_duration_seconds",
		Help:      "Batch embedding call duration in seconds",
		Buckets:   latencyBuckets,
	})

	m.cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total number of cache hits",
	}, []string{"cache"})

	m.cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total number of cache misses",
	}, []string{"cache"})

	m.segments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "indexed_segments",
		Help:      "Number of segments in the loaded bundle",
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.searches, m.searchDuration, m.searchResults,
		m.asks, m.askDuration,
		m.embeddingCalls, m.embeddingTexts, m.embeddingDuration,
		m.cacheHits, m.cacheMisses,
		m.segments,
	)
	return m
}

// Registry returns the registry the collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRequest records one HTTP request
func (m *Metrics) RecordRequest(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveSearch records one search
func (m *Metrics) ObserveSearch(mode string, results int, elapsed time.Duration, err error) {
	m.searches.WithLabelValues(mode, outcome(results, err)).Inc()
	m.searchDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	if err == nil {
		m.searchResults.Observe(float64(results))
	}
}

// ObserveAsk records one ask request. Failures are counted under the
// outcome of the error instead of the status.
func (m *Metrics) ObserveAsk(status string, elapsed time.Duration, err error) {
	if err != nil {
		status = outcome(0, err)
	}
	m.asks.WithLabelValues(status).Inc()
	m.askDuration.Observe(elapsed.Seconds())
}

// ObserveEmbedding records one batch embedding call
func (m *Metrics) ObserveEmbedding(texts int, elapsed time.Duration, err error) {
	result := OutcomeOK
	if err != nil {
		result = OutcomeError
	}
	m.embeddingCalls.WithLabelValues(result).Inc()
	m.embeddingTexts.Add(float64(texts))
	m.embeddingDuration.Observe(elapsed.Seconds())
}

// RecordHit counts a cache hit
func (m *Metrics) RecordHit(_ context.Context, cacheName string) {
	m.cacheHits.WithLabelValues(cacheName).Inc()
}

// RecordMiss counts a cache miss
func (m *Metrics) RecordMiss(_ context.Context, cacheName string) {
	m.cacheMisses.WithLabelValues(cacheName).Inc()
}

// SetSegments records the size of the loaded bundle
func (m *Metrics) SetSegments(n int) {
	m.segments.Set(float64(n))
}

func outcome(results int, err error) string {
	switch {
	case errors.Is(err, search.ErrUpstream):
		return OutcomeUpstream
	case err != nil:
		return OutcomeError
	case results == 0:
		return OutcomeEmpty
	default:
		return OutcomeOK
	}
}
