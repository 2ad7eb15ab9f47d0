// Package metrics owns the Prometheus registry and the collectors shared by
// the API and dispatcher processes. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the pipeline reports.
type Metrics struct {
	registry          *prometheus.Registry
	dispatchOutcomes  *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
	valuationDuration prometheus.Histogram
	tokenRefreshes    *prometheus.CounterVec
	outboxRelayed     *prometheus.CounterVec
	enqueueFailures   *prometheus.CounterVec
}

// New creates a registry with Go/process collectors and the pipeline collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		dispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_outcomes_total",
			Help: "Delivery attempts by platform and outcome.",
		}, []string{"platform", "outcome"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_destination_seconds",
			Help:    "Destination call latency by platform.",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		valuationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "valuation_seconds",
			Help:    "Time from config load to committed lead and event.",
			Buckets: []float64{.005, .01, .025, .05, .075, .1, .25, .5, 1},
		}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_refreshes_total",
			Help: "OAuth access token refreshes by result.",
		}, []string{"result"}),
		outboxRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_outbox_relayed_total",
			Help: "Outbox rows handed to the queue by platform.",
		}, []string{"platform"}),
		enqueueFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_enqueue_failures_total",
			Help: "Failed enqueue attempts by platform.",
		}, []string{"platform"}),
	}

	reg.MustRegister(m.dispatchOutcomes, m.dispatchDuration, m.valuationDuration, m.tokenRefreshes, m.outboxRelayed, m.enqueueFailures)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) DispatchOutcome(platform, outcome string) {
	if m == nil {
		return
	}
	m.dispatchOutcomes.WithLabelValues(platform, outcome).Inc()
}

func (m *Metrics) ObserveDispatch(platform string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(platform).Observe(d.Seconds())
}

func (m *Metrics) ObserveValuation(d time.Duration) {
	if m == nil {
		return
	}
	m.valuationDuration.Observe(d.Seconds())
}

func (m *Metrics) TokenRefresh(result string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) OutboxRelayed(platform string) {
	if m == nil {
		return
	}
	m.outboxRelayed.WithLabelValues(platform).Inc()
}

func (m *Metrics) EnqueueFailed(platform string) {
	if m == nil {
		return
	}
	m.enqueueFailures.WithLabelValues(platform).Inc()
}
