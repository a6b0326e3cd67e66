package rendezvous

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are kept on a private registry so several hubs can share a
// process, as they do in tests.
type Metrics struct {
	registry *prometheus.Registry
	peers    prometheus.Gauge
	rooms    prometheus.Gauge
	signals  prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_rendezvous_peers",
			Help: "Number of registered participants on this node",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_rendezvous_rooms",
			Help: "Number of open rooms on this node",
		}),
		signals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_rendezvous_signals_relayed_total",
			Help: "Handshake payloads relayed between participants",
		}),
	}
	m.registry.MustRegister(m.peers, m.rooms, m.signals, collectors.NewBuildInfoCollector())
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
