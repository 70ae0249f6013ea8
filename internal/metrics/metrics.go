// Package metrics exposes the Prometheus metrics of the timeline engine and
// its HTTP surface. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric on its own registry.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	ColdStarts      *prometheus.CounterVec
	FanoutRecipient prometheus.Histogram
	AggregatorRuns  *prometheus.CounterVec
	AggregatorItems *prometheus.CounterVec
	StaleRefs       prometheus.Counter
	LiveClients     prometheus.Gauge
}

// NewCollector creates a collector whose metric names carry namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		ColdStarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cold_starts_total",
				Help:      "Cold-start reconstructions by result",
			},
			[]string{"result"},
		),
		FanoutRecipient: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fanout_recipients",
				Help:      "Number of home timelines written per new post",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		AggregatorRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregator_runs_total",
				Help:      "Batch aggregator runs by result",
			},
			[]string{"result"},
		),
		AggregatorItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregator_entries_total",
				Help:      "Entries processed by the batch aggregator",
			},
			[]string{"kind", "result"},
		),
		StaleRefs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_references_total",
				Help:      "Timeline entries that could not be hydrated",
			},
		),
		LiveClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_clients",
				Help:      "Connected live-update websocket clients",
			},
		),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.ColdStarts,
		c.FanoutRecipient,
		c.AggregatorRuns,
		c.AggregatorItems,
		c.StaleRefs,
		c.LiveClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (c *Collector) ColdStart(result string) {
	if c == nil {
		return
	}
	c.ColdStarts.WithLabelValues(result).Inc()
}

func (c *Collector) Fanout(recipients int) {
	if c == nil {
		return
	}
	c.FanoutRecipient.Observe(float64(recipients))
}

func (c *Collector) AggregatorRun(result string) {
	if c == nil {
		return
	}
	c.AggregatorRuns.WithLabelValues(result).Inc()
}

func (c *Collector) AggregatorEntries(kind, result string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.AggregatorItems.WithLabelValues(kind, result).Add(float64(n))
}

func (c *Collector) StaleReferences(n int) {
	if c == nil || n == 0 {
		return
	}
	c.StaleRefs.Add(float64(n))
}

func (c *Collector) LiveClient(delta int) {
	if c == nil {
		return
	}
	c.LiveClients.Add(float64(delta))
}
