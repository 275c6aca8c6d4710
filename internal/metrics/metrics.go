// Package metrics exposes the engine's Prometheus collectors. A process-wide
// default is initialized lazily so library users who never scrape pay only
// for counter increments.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for the cache engine.
type Metrics struct {
	registry *prometheus.Registry

	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	staleHits     *prometheus.CounterVec
	promotions    *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	corruptions   *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	writeFailures *prometheus.CounterVec
}

var (
	defaultMu sync.Mutex
	def       *Metrics
)

// New creates a Metrics instance on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      name,
			Help:      help,
		}, labels)
		registry.MustRegister(c)
		return c
	}

	m.hits = counter("hits_total", "Cache hits by namespace and serving tier.", "namespace", "tier")
	m.misses = counter("misses_total", "Cache misses by namespace.", "namespace")
	m.staleHits = counter("stale_hits_total", "Reads that found only an expired entry.", "namespace")
	m.promotions = counter("promotions_total", "Entries copied into a faster tier.", "namespace", "tier")
	m.evictions = counter("evictions_total", "Entries removed under capacity pressure.", "namespace", "tier", "expired")
	m.corruptions = counter("corruptions_total", "Undecodable entries removed by self-heal.", "namespace", "tier")
	m.invalidations = counter("invalidations_total", "Explicit invalidations (key, tag or clear).", "namespace")
	m.writeFailures = counter("write_failures_total", "Writes that failed after the eviction retry.", "namespace", "tier")

	return m
}

// Default returns the process-wide instance, creating it on first use.
func Default() *Metrics {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if def == nil {
		def = New()
	}
	return def
}

// Handler serves the default registry in Prometheus exposition format.
func Handler() http.Handler {
	m := Default()
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func RecordHit(namespace, tier string) {
	Default().hits.WithLabelValues(namespace, tier).Inc()
}

func RecordMiss(namespace string) {
	Default().misses.WithLabelValues(namespace).Inc()
}

func RecordStaleHit(namespace string) {
	Default().staleHits.WithLabelValues(namespace).Inc()
}

func RecordPromotion(namespace, tier string) {
	Default().promotions.WithLabelValues(namespace, tier).Inc()
}

func RecordEviction(namespace, tier string, expired bool) {
	label := "false"
	if expired {
		label = "true"
	}
	Default().evictions.WithLabelValues(namespace, tier, label).Inc()
}

func RecordCorruption(namespace, tier string) {
	Default().corruptions.WithLabelValues(namespace, tier).Inc()
}

func RecordInvalidation(namespace string) {
	Default().invalidations.WithLabelValues(namespace).Inc()
}

func RecordWriteFailure(namespace, tier string) {
	Default().writeFailures.WithLabelValues(namespace, tier).Inc()
}
