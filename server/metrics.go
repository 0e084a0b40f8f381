package server

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	sessions       prometheus.Gauge
	usersOnline    prometheus.Gauge
	routed         *prometheus.CounterVec
	drained        *prometheus.CounterVec
	auth           *prometheus.CounterVec
	protocolErrors prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fastchat_sessions_active",
			Help: "Client connections currently held by this server.",
		}),
		usersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fastchat_users_online",
			Help: "Authenticated users attached to this server.",
		}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastchat_routed_total",
			Help: "Routing decisions by outcome.",
		}, []string{"decision"}),
		drained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastchat_offline_drained_total",
			Help: "Offline envelopes delivered at login.",
		}, []string{"kind"}),
		auth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastchat_auth_total",
			Help: "Authentication attempts by result.",
		}, []string{"result"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastchat_protocol_errors_total",
			Help: "Frames that could not be decoded or were unexpected.",
		}),
	}

	reg.MustRegister(m.sessions, m.usersOnline, m.routed, m.drained, m.auth, m.protocolErrors)
	return m
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) SetUsersOnline(n int) {
	if m == nil {
		return
	}
	m.usersOnline.Set(float64(n))
}

func (m *Metrics) RecordRoute(d Decision) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(d.String()).Inc()
}

func (m *Metrics) RecordDrained(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.drained.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) RecordAuth(result string) {
	if m == nil {
		return
	}
	m.auth.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}
