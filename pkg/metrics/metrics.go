// Package metrics holds the Prometheus collectors for a replay environment.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "harreplay"

// Dispatch results used as the "result" label.
const (
	ResultServed        = "served"
	ResultUnknownOrigin = "unknown_origin"
	ResultUnknownPath   = "unknown_path"
	ResultExhausted     = "exhausted"
)

type Metrics struct {
	registry *prometheus.Registry

	Requests          *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	Listeners         prometheus.Gauge
	Resets            prometheus.Counter
	ClosedConnections prometheus.Counter
	CloseErrors       prometheus.Counter
	Certificates      *prometheus.CounterVec
	Installs          *prometheus.CounterVec
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Replayed requests by result",
		}, []string{"result"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Client connections currently open on replay listeners",
		}),
		Listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners",
			Help:      "Replay listeners currently bound",
		}),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Environment resets",
		}),
		ClosedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reset_closed_connections_total",
			Help:      "Connections force-closed by resets",
		}),
		CloseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reset_close_errors_total",
			Help:      "Connection close failures ignored during resets",
		}),
		Certificates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificates_total",
			Help:      "Certificate lookups by source",
		}, []string{"source"}),
		Installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_total",
			Help:      "Trace installs by result",
		}, []string{"result"}),
	}
	r.MustRegister(
		m.Requests,
		m.ActiveConnections,
		m.Listeners,
		m.Resets,
		m.ClosedConnections,
		m.CloseErrors,
		m.Certificates,
		m.Installs,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(result string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(result).Inc()
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) ListenerUp() {
	if m == nil {
		return
	}
	m.Listeners.Inc()
}

func (m *Metrics) ListenerDown() {
	if m == nil {
		return
	}
	m.Listeners.Dec()
}

// ObserveReset records one reset and the outcome of its connection sweep.
func (m *Metrics) ObserveReset(closed, failed int) {
	if m == nil {
		return
	}
	m.Resets.Inc()
	m.ClosedConnections.Add(float64(closed))
	m.CloseErrors.Add(float64(failed))
}

// ObserveCertificate records where a certificate came from: memory, store
// or authority.
func (m *Metrics) ObserveCertificate(source string) {
	if m == nil {
		return
	}
	m.Certificates.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveInstall(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.Installs.WithLabelValues(result).Inc()
}
