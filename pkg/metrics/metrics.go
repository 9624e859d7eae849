// Package metrics exposes request and sweep counters for Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	sweepsTotal     prometheus.Counter
	sweepSkipped    *prometheus.CounterVec
	managedItems    prometheus.Gauge
	requestDuration prometheus.Histogram
}

// New registers the collectors on a fresh registry, together with the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "certmgr_requests_total",
			Help: "Certificate requests by result.",
		}, []string{"result"}),
		sweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "certmgr_renewal_sweeps_total",
			Help: "Renewal sweeps started.",
		}),
		sweepSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "certmgr_sweep_skipped_total",
			Help: "Items skipped by the renewal sweep, by reason.",
		}, []string{"reason"}),
		managedItems: factory.NewGauge(prometheus.GaugeOpts{
			Name: "certmgr_managed_items",
			Help: "Managed certificates seen by the last sweep.",
		}),
		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "certmgr_request_duration_seconds",
			Help:    "Duration of certificate requests.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
}

// ObserveRequest records the outcome of one request.
func (m *Metrics) ObserveRequest(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(result).Inc()
	m.requestDuration.Observe(d.Seconds())
}

// SweepStarted counts a renewal sweep.
func (m *Metrics) SweepStarted() {
	if m == nil {
		return
	}
	m.sweepsTotal.Inc()
}

// SweepSkipped counts an item the sweep did not renew.
func (m *Metrics) SweepSkipped(reason string) {
	if m == nil {
		return
	}
	m.sweepSkipped.WithLabelValues(reason).Inc()
}

// SetManagedItems records the number of items the sweep considered.
func (m *Metrics) SetManagedItems(n int) {
	if m == nil {
		return
	}
	m.managedItems.Set(float64(n))
}
