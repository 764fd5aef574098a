// Package metrics exposes the server's prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	RoomsOpen       prometheus.Gauge
	Participants    prometheus.Gauge
	Requests        *prometheus.CounterVec
	WireErrors      *prometheus.CounterVec
	NodeAllocations prometheus.Counter
	NodeReleases    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RoomsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomd_rooms_open",
			Help: "Rooms currently allocated on a media node.",
		}),
		Participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomd_participants",
			Help: "Participants currently joined across all rooms.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomd_requests_total",
			Help: "Signaling requests received, by method.",
		}, []string{"method"}),
		WireErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomd_wire_errors_total",
			Help: "Error responses sent, by error code.",
		}, []string{"code"}),
		NodeAllocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomd_node_allocations_total",
			Help: "Room allocations onto media nodes.",
		}),
		NodeReleases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomd_node_releases_total",
			Help: "Room releases from media nodes.",
		}),
	}
	reg.MustRegister(m.RoomsOpen, m.Participants, m.Requests, m.WireErrors, m.NodeAllocations, m.NodeReleases)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
