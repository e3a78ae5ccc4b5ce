package app

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the hub's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	Registry *prometheus.Registry

	onlineUsers   prometheus.Gauge
	connections   prometheus.Gauge
	videoRooms    prometheus.Gauge
	presence      *prometheus.CounterVec
	messages      *prometheus.CounterVec
	relayFailures *prometheus.CounterVec
	signals       *prometheus.CounterVec
	videoJoins    *prometheus.CounterVec
	framesDropped *prometheus.CounterVec
	eventsLimited *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg, or on a fresh registry when reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Registry: reg,
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_online_users",
			Help: "Users with at least one live connection.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_connections_active",
			Help: "Authenticated live connections.",
		}),
		videoRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_video_rooms_active",
			Help: "Video mesh rooms with at least one member.",
		}),
		presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_presence_transitions_total",
			Help: "Online/offline transitions announced.",
		}, []string{"status"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_messages_relayed_total",
			Help: "Messages persisted and fanned out.",
		}, []string{"kind"}),
		relayFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_relay_failures_total",
			Help: "Messages rejected before delivery.",
		}, []string{"reason"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_signals_total",
			Help: "Video signaling payloads by outcome and kind.",
		}, []string{"outcome", "kind"}),
		videoJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_video_joins_total",
			Help: "Video room join attempts by result.",
		}, []string{"result"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_frames_dropped_total",
			Help: "Outbound frames refused by a full send buffer.",
		}, []string{"action"}),
		eventsLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_events_rate_limited_total",
			Help: "Inbound events dropped by the rate limiter.",
		}, []string{"type"}),
	}
	reg.MustRegister(
		m.onlineUsers,
		m.connections,
		m.videoRooms,
		m.presence,
		m.messages,
		m.relayFailures,
		m.signals,
		m.videoJoins,
		m.framesDropped,
		m.eventsLimited,
	)
	return m
}

func (m *Metrics) Presence(status string) {
	if m == nil {
		return
	}
	m.presence.WithLabelValues(status).Inc()
}

func (m *Metrics) SetOnline(users, conns int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(users))
	m.connections.Set(float64(conns))
}

func (m *Metrics) SetVideoRooms(n int) {
	if m == nil {
		return
	}
	m.videoRooms.Set(float64(n))
}

func (m *Metrics) MessageRelayed(kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind).Inc()
}

func (m *Metrics) RelayFailed(reason string) {
	if m == nil {
		return
	}
	m.relayFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Signal(outcome, kind string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(outcome, kind).Inc()
}

func (m *Metrics) VideoJoin(result string) {
	if m == nil {
		return
	}
	m.videoJoins.WithLabelValues(result).Inc()
}

func (m *Metrics) FrameDropped(action BackpressureAction) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(action.String()).Inc()
}

func (m *Metrics) RateLimited(eventType string) {
	if m == nil {
		return
	}
	m.eventsLimited.WithLabelValues(eventType).Inc()
}
