package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the server's prometheus instruments.
type Metrics struct {
	SessionsActive     prometheus.Gauge
	SessionsCreated    prometheus.Counter
	SessionsTerminated prometheus.Counter
	PeerEvents         *prometheus.CounterVec
	AddressesInUse     prometheus.Gauge
}

// NewMetrics registers the server's instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weavectl_sessions_active",
			Help: "Number of live sessions.",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weavectl_sessions_created_total",
			Help: "Total sessions created.",
		}),
		SessionsTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weavectl_sessions_terminated_total",
			Help: "Total sessions terminated.",
		}),
		PeerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weavectl_peer_events_total",
			Help: "Peer events pushed to weavers, by type.",
		}, []string{"type"}),
		AddressesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weavectl_mesh_addresses_in_use",
			Help: "Mesh IPv6 addresses currently allocated.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.SessionsActive, m.SessionsCreated, m.SessionsTerminated, m.PeerEvents, m.AddressesInUse)
	}
	return m
}
