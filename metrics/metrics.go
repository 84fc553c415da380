// Package metrics holds the Prometheus collectors of the application host.
//
// Collectors are registered on a private registry instead of the global default so that
// several hosts (or several tests) can live in one process. A nil *Metrics is valid and
// turns every recording method into a no-op, which keeps call sites free of nil checks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// RPC metrics
	RPCCalls    *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec

	// Exchange metrics
	ExchangeSends *prometheus.CounterVec

	// Service process metrics
	ServicesActive prometheus.Gauge
	ServiceSpawns  prometheus.Counter
	ServiceExits   *prometheus.CounterVec

	// Channel metrics
	ChannelsOpen prometheus.Gauge

	// Side transport metrics
	SideConnections prometheus.Gauge

	// UI bridge metrics
	UIConnections prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new metrics collector backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RPCCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apphost_rpc_calls_total",
				Help: "Total number of RPC calls dispatched by servers",
			},
			[]string{"method", "outcome"},
		),
		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apphost_rpc_call_duration_seconds",
				Help:    "RPC handler duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method"},
		),
		ExchangeSends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apphost_exchange_sends_total",
				Help: "Envelopes handed to the exchange, by result",
			},
			[]string{"result"},
		),
		ServicesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "apphost_services_active",
				Help: "Number of running service processes",
			},
		),
		ServiceSpawns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "apphost_service_spawns_total",
				Help: "Total number of service processes spawned",
			},
		),
		ServiceExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apphost_service_exits_total",
				Help: "Service process exits by reason",
			},
			[]string{"reason"},
		),
		ChannelsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "apphost_channels_open",
				Help: "Number of channels currently held in channel tables",
			},
		),
		SideConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "apphost_side_connections",
				Help: "Number of live side transport connections",
			},
		),
		UIConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "apphost_ui_connections",
				Help: "Number of connected UI surfaces",
			},
		),
	}
}

// Registry returns the Prometheus registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the collectors.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCall records one dispatched RPC call.
func (m *Metrics) ObserveCall(method string, failed bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.RPCCalls.WithLabelValues(method, outcome).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ExchangeSend records whether an envelope found a handler.
func (m *Metrics) ExchangeSend(delivered bool) {
	if m == nil {
		return
	}
	if delivered {
		m.ExchangeSends.WithLabelValues("delivered").Inc()
		return
	}
	m.ExchangeSends.WithLabelValues("dropped").Inc()
}

// ServiceStarted records a spawned service process.
func (m *Metrics) ServiceStarted() {
	if m == nil {
		return
	}
	m.ServiceSpawns.Inc()
	m.ServicesActive.Inc()
}

// ServiceStopped records a service process exit.
func (m *Metrics) ServiceStopped(reason string) {
	if m == nil {
		return
	}
	m.ServicesActive.Dec()
	m.ServiceExits.WithLabelValues(reason).Inc()
}

// ChannelOpened records a channel entering a channel table.
func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.ChannelsOpen.Inc()
}

// ChannelClosed records a channel leaving a channel table.
func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.ChannelsOpen.Dec()
}

// SideConnection adjusts the live side transport connection gauge.
func (m *Metrics) SideConnection(delta float64) {
	if m == nil {
		return
	}
	m.SideConnections.Add(delta)
}

// UIConnection adjusts the connected UI surface gauge.
func (m *Metrics) UIConnection(delta float64) {
	if m == nil {
		return
	}
	m.UIConnections.Add(delta)
}
