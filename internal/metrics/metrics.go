// Package metrics – Prometheus collectors for the capture pipeline.
//
// # Overview
//
// Metrics owns a private registry so tests can create as many instances as
// they like. Every method is safe on a nil *Metrics, which lets components
// record unconditionally whether or not metrics were configured.
//
//	m := metrics.New()
//	r.Handle("/metrics", m.Handler())
//
// # Metric catalogue
//
//	execmon_executions_captured_total{source}  – counter: executions delivered by a capture source
//	execmon_events_dropped_total{reason}       – counter: events lost before reaching the store
//	execmon_frames_malformed_total             – counter: transport frames rejected by the decoder
//	execmon_lines_skipped_total                – counter: text backend lines that failed to parse
//	execmon_store_evictions_total              – counter: entries evicted from the live window
//	execmon_enrich_lookups_total{result}       – counter: process lookups (found, not_found, error)
//
// Gauges backed by live state (store length, ring occupancy) are attached
// with GaugeFunc.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "execmon"

// Drop reasons used with EventDropped.
const (
	DropTransportFull = "transport_full"
	DropHeader        = "header"
	DropChannelFull   = "channel_full"
	DropOversize      = "oversize"
)

// Metrics holds the execmon collectors.
type Metrics struct {
	registry *prometheus.Registry

	captured  *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	malformed prometheus.Counter
	skipped   prometheus.Counter
	evictions prometheus.Counter
	enrich    *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		captured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_captured_total",
			Help:      "Executions delivered by a capture source.",
		}, []string{"source"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events lost before reaching the live store.",
		}, []string{"reason"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_malformed_total",
			Help:      "Transport frames rejected by the decoder.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_skipped_total",
			Help:      "Text backend lines that failed to parse.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_evictions_total",
			Help:      "Entries evicted from the live window.",
		}),
		enrich: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrich_lookups_total",
			Help:      "Process table lookups by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.captured, m.dropped, m.malformed, m.skipped, m.evictions, m.enrich)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// ExecutionCaptured counts one execution delivered by source.
func (m *Metrics) ExecutionCaptured(source string) {
	if m == nil {
		return
	}
	m.captured.WithLabelValues(source).Inc()
}

// EventDropped counts one event lost for reason.
func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// EventsDropped adds n to the drop counter for reason.
func (m *Metrics) EventsDropped(reason string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.dropped.WithLabelValues(reason).Add(float64(n))
}

// FrameMalformed counts one rejected transport frame.
func (m *Metrics) FrameMalformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// LineSkipped counts one unparseable text backend line.
func (m *Metrics) LineSkipped() {
	if m == nil {
		return
	}
	m.skipped.Inc()
}

// StoreEvicted counts one live store eviction.
func (m *Metrics) StoreEvicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

// EnrichLookup counts one process lookup with the given result.
func (m *Metrics) EnrichLookup(result string) {
	if m == nil {
		return
	}
	m.enrich.WithLabelValues(result).Inc()
}
