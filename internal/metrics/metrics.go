// Package metrics provides Prometheus metrics for link rewriting and crawling.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// LinksDetected counts links handed to the plugin chain.
	LinksDetected prometheus.Counter

	// LinksRewritten counts links whose URL the chain changed.
	LinksRewritten prometheus.Counter

	// LinksRejected counts links a plugin told the host to skip.
	LinksRejected prometheus.Counter

	// PagesFetched counts crawler fetches by status label.
	PagesFetched *prometheus.CounterVec

	// FetchDuration tracks crawler fetch duration in seconds.
	FetchDuration prometheus.Histogram
)

// NewRegistry returns a private registry with runtime collectors and the
// linkscrub metrics registered.
func NewRegistry() *prometheus.Registry {
	// Use a custom registry so loaded .so plugins cannot collide with ours
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	Register(registry)
	return registry
}

// Register registers the linkscrub metrics with the provided registry.
// Must be called once during startup.
func Register(registry prometheus.Registerer) {
	LinksDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkscrub_links_detected_total",
		Help: "Total number of links passed through the plugin chain",
	})
	LinksRewritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkscrub_links_rewritten_total",
		Help: "Total number of links changed by the plugin chain",
	})
	LinksRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkscrub_links_rejected_total",
		Help: "Total number of links a plugin asked the host to skip",
	})
	PagesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkscrub_pages_fetched_total",
			Help: "Total number of pages fetched by the crawler",
		},
		[]string{"status"},
	)
	FetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "linkscrub_fetch_duration_seconds",
		Help:    "Crawler fetch duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	registry.MustRegister(LinksDetected, LinksRewritten, LinksRejected, PagesFetched, FetchDuration)
}

// RecordLink records one pass through the plugin chain.
// Safe to call before Register (metrics will be nil).
func RecordLink(rewritten, rejected bool) {
	if LinksDetected == nil {
		return
	}
	LinksDetected.Inc()
	if rewritten {
		LinksRewritten.Inc()
	}
	if rejected {
		LinksRejected.Inc()
	}
}

// RecordFetch records a crawler fetch. A statusCode of 0 means the request
// never produced a response.
func RecordFetch(statusCode int, durationSeconds float64) {
	if PagesFetched == nil || FetchDuration == nil {
		return
	}
	PagesFetched.WithLabelValues(StatusLabel(statusCode)).Inc()
	FetchDuration.Observe(durationSeconds)
}

// StatusLabel maps a status code to its class label ("2xx", "4xx", ...),
// or "error" when there was no response.
func StatusLabel(statusCode int) string {
	if statusCode < 100 || statusCode > 599 {
		return "error"
	}
	return strconv.Itoa(statusCode/100) + "xx"
}
