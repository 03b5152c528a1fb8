// Package metrics exposes Prometheus collectors for connections, rooms and
// relayed messages.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements registry.Observer. Every method is a counter or gauge
// update and never blocks.
type Metrics struct {
	reg *prometheus.Registry

	Connections       prometheus.Gauge
	RejectedConns     prometheus.Counter
	Rooms             prometheus.Gauge
	RoomsCreated      prometheus.Counter
	JoinedSessions    prometheus.Gauge
	MessagesRelayed   prometheus.Counter
	MessageDeliveries prometheus.Counter
	FramesDropped     *prometheus.CounterVec

	mu     sync.Mutex
	counts map[string]int
}

// New registers the collectors on a private registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg:    prometheus.NewRegistry(),
		counts: make(map[string]int),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pinchat_active_connections",
			Help: "Admitted websocket connections.",
		}),
		RejectedConns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pinchat_rejected_connections_total",
			Help: "Connections refused because their identity already had a live connection.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pinchat_rooms",
			Help: "Rooms currently open.",
		}),
		RoomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pinchat_rooms_created_total",
			Help: "Rooms opened since start.",
		}),
		JoinedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pinchat_joined_sessions",
			Help: "Sessions currently inside a room.",
		}),
		MessagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pinchat_messages_relayed_total",
			Help: "send_message events relayed to a room.",
		}),
		MessageDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pinchat_message_deliveries_total",
			Help: "receive_message frames handed to member connections.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pinchat_inbound_frames_dropped_total",
			Help: "Inbound frames discarded before dispatch, by reason.",
		}, []string{"reason"}),
	}
	m.reg.MustRegister(
		m.Connections,
		m.RejectedConns,
		m.Rooms,
		m.RoomsCreated,
		m.JoinedSessions,
		m.MessagesRelayed,
		m.MessageDeliveries,
		m.FramesDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the metrics for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// DropFrame counts an inbound frame discarded for reason.
func (m *Metrics) DropFrame(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// SessionAdmitted counts a live connection.
func (m *Metrics) SessionAdmitted(string) { m.Connections.Inc() }

// SessionRejected counts a refused connection attempt.
func (m *Metrics) SessionRejected(string) { m.RejectedConns.Inc() }

// SessionReleased drops a live connection.
func (m *Metrics) SessionReleased(string) { m.Connections.Dec() }

// RoomOpened counts an open room and a creation.
func (m *Metrics) RoomOpened(string, int) {
	m.Rooms.Inc()
	m.RoomsCreated.Inc()
}

// RoomClosed drops an open room.
func (m *Metrics) RoomClosed(string) { m.Rooms.Dec() }

// PresenceChanged tracks joined sessions from the per-room counts. The
// registry reports every membership change, so the gauge is kept by delta.
func (m *Metrics) PresenceChanged(pin string, count, _ int) {
	m.JoinedSessions.Add(float64(count - m.swapCount(pin, count)))
}

// MessageRelayed counts one relayed message and its deliveries.
func (m *Metrics) MessageRelayed(_ string, recipients int) {
	m.MessagesRelayed.Inc()
	m.MessageDeliveries.Add(float64(recipients))
}

func (m *Metrics) swapCount(pin string, count int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.counts[pin]
	if count == 0 {
		delete(m.counts, pin)
	} else {
		m.counts[pin] = count
	}
	return prev
}
