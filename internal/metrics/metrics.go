// Package metrics exposes the bridge's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll cycle results.
const (
	ResultOK        = "ok"
	ResultTransport = "transport_error"
	ResultError     = "error"
)

// Metrics groups every collector the bridge updates.
type Metrics struct {
	reg *prometheus.Registry

	connected       prometheus.Gauge
	connectAttempts *prometheus.CounterVec
	pollCycles      *prometheus.CounterVec
	decodeFailures  *prometheus.CounterVec
	commands        *prometheus.CounterVec
	opLatency       *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		reg: reg,
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "birdbridge_connected",
			Help: "1 while the peripheral connection is live.",
		}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "birdbridge_connect_attempts_total",
			Help: "Connection attempts by result.",
		}, []string{"result"}),
		pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "birdbridge_poll_cycles_total",
			Help: "Completed poll cycles by result.",
		}, []string{"result"}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "birdbridge_decode_failures_total",
			Help: "Payloads that could not be decoded, by attribute.",
		}, []string{"attribute"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "birdbridge_commands_total",
			Help: "Operator commands by target and result.",
		}, []string{"target", "result"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "birdbridge_attribute_op_seconds",
			Help:    "Latency of attribute operations on the wireless link.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"op"}),
	}
	reg.MustRegister(m.connected, m.connectAttempts, m.pollCycles, m.decodeFailures, m.commands, m.opLatency)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) ConnectAttempt(err error) {
	m.connectAttempts.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) PollCycle(res string) {
	m.pollCycles.WithLabelValues(res).Inc()
}

func (m *Metrics) DecodeFailure(attribute string) {
	m.decodeFailures.WithLabelValues(attribute).Inc()
}

func (m *Metrics) Command(target string, err error) {
	m.commands.WithLabelValues(target, result(err)).Inc()
}

// ObserveOp matches ble.ClientOptions.Observe.
func (m *Metrics) ObserveOp(op string, elapsed time.Duration, _ error) {
	m.opLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
