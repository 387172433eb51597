// Package metrics exposes connection-level Prometheus metrics for a btcnet
// node. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opd-ai/btcnet/channel"
	"github.com/opd-ai/btcnet/protocol"
)

const namespace = "btcnet"

// Gauges supply the current sizes of the shared registries.
type Gauges struct {
	Connections func() int
	Pending     func() int
	Hosts       func() int
}

// Metrics records dial, handshake and channel lifecycle events.
type Metrics struct {
	dials      *prometheus.CounterVec
	handshakes *prometheus.CounterVec
	stops      *prometheus.CounterVec
}

// New registers the node's collectors with reg.
func New(reg prometheus.Registerer, gauges Gauges) (*Metrics, error) {
	m := &Metrics{
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dials_total",
			Help:      "Outgoing connection attempts by result.",
		}, []string{"result"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Completed version handshakes by session and result.",
		}, []string{"session", "result"}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_stops_total",
			Help:      "Registered channels stopped, by reason.",
		}, []string{"reason"}),
	}

	collectors := []prometheus.Collector{m.dials, m.handshakes, m.stops}
	collectors = appendGauge(collectors, "connections", "Registered peer connections.", gauges.Connections)
	collectors = appendGauge(collectors, "pending", "Connection attempts in flight.", gauges.Pending)
	collectors = appendGauge(collectors, "hosts", "Addresses in the host pool.", gauges.Hosts)

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

func appendGauge(collectors []prometheus.Collector, name, help string, fn func() int) []prometheus.Collector {
	if fn == nil {
		return collectors
	}
	return append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) }))
}

// Dial records the outcome of one dial.
func (m *Metrics) Dial(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.dials.WithLabelValues(result).Inc()
}

// Handshake records the outcome of one handshake in the named session.
func (m *Metrics) Handshake(session string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = Reason(err)
	}
	m.handshakes.WithLabelValues(session, result).Inc()
}

// Stopped records a registered channel stopping.
func (m *Metrics) Stopped(reason error) {
	if m == nil {
		return
	}
	m.stops.WithLabelValues(Reason(reason)).Inc()
}

// Reason maps a stop or failure cause onto a short label.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, channel.ErrServiceStopped):
		return "shutdown"
	case errors.Is(err, protocol.ErrSelfConnection):
		return "self"
	case errors.Is(err, protocol.ErrInsufficientServices),
		errors.Is(err, protocol.ErrInsufficientVersion):
		return "rejected"
	case errors.Is(err, protocol.ErrInvalidConfiguration):
		return "misconfigured"
	case errors.Is(err, channel.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, channel.ErrMalformed):
		return "malformed"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, channel.ErrStopped):
		return "stopped"
	default:
		return "error"
	}
}
