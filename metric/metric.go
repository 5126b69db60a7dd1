// Package metric exposes Prometheus instrumentation for the hub: live
// connection gauges derived from the registry and counters for message
// traffic.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lounger-Habitat/GameServer/registry"
)

// Metrics bundles the hub's Prometheus collectors. A nil *Metrics is valid
// and turns every recording call into a no-op.
type Metrics struct {
	promReg *prometheus.Registry

	messagesRouted      prometheus.Counter
	broadcastDeliveries prometheus.Counter
	envelopeErrors      *prometheus.CounterVec
}

// Error kinds for the envelope error counter.
const (
	ErrKindValidation  = "validation"
	ErrKindRouting     = "routing"
	ErrKindUnknownType = "unknown_type"
	ErrKindInternal    = "internal"
)

// New creates the hub metrics, registering a connection collector backed by
// the given registry.
func New(reg *registry.Registry) *Metrics {
	m := &Metrics{
		promReg: prometheus.NewRegistry(),
		messagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gameserver_messages_routed_total",
			Help: "Direct messages successfully routed by the hub.",
		}),
		broadcastDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gameserver_broadcast_deliveries_total",
			Help: "Individual deliveries made by environment broadcasts.",
		}),
		envelopeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gameserver_envelope_errors_total",
			Help: "Inbound envelopes answered with an error envelope.",
		}, []string{"kind"}),
	}

	m.promReg.MustRegister(
		m.messagesRouted,
		m.broadcastDeliveries,
		m.envelopeErrors,
		newConnectionCollector(reg),
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.promReg, promhttp.HandlerOpts{})
}

// MessageRouted records one successfully routed direct message.
func (m *Metrics) MessageRouted() {
	if m == nil {
		return
	}
	m.messagesRouted.Inc()
}

// BroadcastDelivered records n successful broadcast deliveries.
func (m *Metrics) BroadcastDelivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.broadcastDeliveries.Add(float64(n))
}

// EnvelopeError records an inbound envelope answered with an error envelope.
func (m *Metrics) EnvelopeError(kind string) {
	if m == nil {
		return
	}
	m.envelopeErrors.WithLabelValues(kind).Inc()
}

// connectionCollector reports live connection counts per role at scrape time
// from a registry snapshot, so no counter bookkeeping can drift from the
// registry's actual state.
type connectionCollector struct {
	reg  *registry.Registry
	desc *prometheus.Desc
}

func newConnectionCollector(reg *registry.Registry) *connectionCollector {
	return &connectionCollector{
		reg: reg,
		desc: prometheus.NewDesc(
			"gameserver_connections",
			"Live hub connections by participant role.",
			[]string{"role"}, nil,
		),
	}
}

func (c *connectionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *connectionCollector) Collect(ch chan<- prometheus.Metric) {
	info := c.reg.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue,
		float64(len(info.Environments)), "env")
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue,
		float64(info.AgentInfo().Total), "agent")
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue,
		float64(info.HumanInfo().Total), "human")
}
