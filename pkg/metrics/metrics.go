// Package metrics exposes chatgate's Prometheus instrumentation.
//
// Metrics:
//   - chatgate_cache_hits_total / chatgate_cache_misses_total{cache}
//   - chatgate_cache_errors_total{cache}: backend failures absorbed by fallback
//   - chatgate_upstream_requests_total{op,outcome}
//   - chatgate_upstream_request_duration_seconds{op}
//   - chatgate_relay_sessions_total{state}: streaming sessions by final state
//   - chatgate_relay_active_sessions
//   - chatgate_relay_deltas_total
//
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatgate"

// Collector groups every chatgate metric.
type Collector struct {
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	cacheErrors      *prometheus.CounterVec
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	relaySessions    *prometheus.CounterVec
	relayActive      prometheus.Gauge
	relayDeltas      prometheus.Counter
}

// New creates a Collector and registers it with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		}, []string{"cache"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		}, []string{"cache"}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Cache backend failures that fell back to the inference service",
		}, []string{"cache"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Calls to the inference service by operation and outcome",
		}, []string{"op", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of inference service calls",
			// LLM latencies: 100ms to a minute
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"op"}),
		relaySessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_sessions_total",
			Help:      "Streaming relay sessions by final state",
		}, []string{"state"}),
		relayActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_active_sessions",
			Help:      "Streaming relay sessions currently open",
		}),
		relayDeltas: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_deltas_total",
			Help:      "Content fragments forwarded to streaming clients",
		}),
	}

	reg.MustRegister(
		c.cacheHits,
		c.cacheMisses,
		c.cacheErrors,
		c.upstreamRequests,
		c.upstreamDuration,
		c.relaySessions,
		c.relayActive,
		c.relayDeltas,
	)
	return c
}

// CacheHit records a hit in the named cache ("completion", "models", ...).
func (c *Collector) CacheHit(name string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(name).Inc()
}

// CacheMiss records a miss in the named cache.
func (c *Collector) CacheMiss(name string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(name).Inc()
}

// CacheError records a backend failure in the named cache.
func (c *Collector) CacheError(name string) {
	if c == nil {
		return
	}
	c.cacheErrors.WithLabelValues(name).Inc()
}

// Upstream records one inference service call.
func (c *Collector) Upstream(op, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.upstreamRequests.WithLabelValues(op, outcome).Inc()
	c.upstreamDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RelayOpened marks a streaming session as started.
func (c *Collector) RelayOpened() {
	if c == nil {
		return
	}
	c.relayActive.Inc()
}

// RelayFinished marks a streaming session as ended in state.
func (c *Collector) RelayFinished(state string) {
	if c == nil {
		return
	}
	c.relayActive.Dec()
	c.relaySessions.WithLabelValues(state).Inc()
}

// RelayDelta counts one forwarded fragment.
func (c *Collector) RelayDelta() {
	if c == nil {
		return
	}
	c.relayDeltas.Inc()
}
