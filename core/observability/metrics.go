// Package observability exposes server internals as prometheus metrics.
// Every recorder is safe to use through a nil pointer, which records
// nothing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hostcore"

// Request outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeAborted   = "aborted"
	OutcomeRejected  = "rejected"
)

// PumpMetrics records request processing
type PumpMetrics struct {
	requests       *prometheus.CounterVec
	outstanding    prometheus.Gauge
	duration       prometheus.Histogram
	acceptErrors   prometheus.Counter
	dispatchErrors prometheus.Counter
}

// NewPumpMetrics creates and registers the pump collectors
func NewPumpMetrics(reg prometheus.Registerer) (*PumpMetrics, error) {
	m := &PumpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "requests_total",
			Help:      "Requests processed, by outcome.",
		}, []string{"outcome"}),
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "outstanding_requests",
			Help:      "Requests currently being processed.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "request_duration_seconds",
			Help:      "Time from dispatch to completion.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "accept_errors_total",
			Help:      "Listener accept failures.",
		}),
		dispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "dispatch_errors_total",
			Help:      "Accepted requests that could not be queued.",
		}),
	}

	for _, c := range []prometheus.Collector{m.requests, m.outstanding, m.duration, m.acceptErrors, m.dispatchErrors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RequestStarted counts a request entering the pump
func (m *PumpMetrics) RequestStarted() {
	if m == nil {
		return
	}
	m.outstanding.Inc()
}

// RequestFinished records how a request ended
func (m *PumpMetrics) RequestFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.outstanding.Dec()
	m.requests.WithLabelValues(outcome).Inc()
	m.duration.Observe(d.Seconds())
}

// AcceptFailed counts a listener failure
func (m *PumpMetrics) AcceptFailed() {
	if m == nil {
		return
	}
	m.acceptErrors.Inc()
}

// DispatchFailed counts a request that could not be queued
func (m *PumpMetrics) DispatchFailed() {
	if m == nil {
		return
	}
	m.dispatchErrors.Inc()
}

// ListenerMetrics records connection handling of a listener
type ListenerMetrics struct {
	open     prometheus.Gauge
	accepted prometheus.Counter
	closed   *prometheus.CounterVec
}

// NewListenerMetrics creates and registers collectors for the listener
// named backend
func NewListenerMetrics(reg prometheus.Registerer, backend string) (*ListenerMetrics, error) {
	labels := prometheus.Labels{"backend": backend}
	m := &ListenerMetrics{
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "listener",
			Name:        "open_connections",
			Help:        "Connections currently open.",
			ConstLabels: labels,
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "listener",
			Name:        "accepted_connections_total",
			Help:        "Connections accepted.",
			ConstLabels: labels,
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "listener",
			Name:        "closed_connections_total",
			Help:        "Connections closed, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{m.open, m.accepted, m.closed} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Accepted counts a new connection
func (m *ListenerMetrics) Accepted() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.open.Inc()
}

// Closed counts a closed connection
func (m *ListenerMetrics) Closed(reason string) {
	if m == nil {
		return
	}
	m.open.Dec()
	m.closed.WithLabelValues(reason).Inc()
}
