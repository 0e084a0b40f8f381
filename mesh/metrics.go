package mesh

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	links            prometheus.Gauge
	handshakeFailure prometheus.Counter
	dialRetries      prometheus.Counter
	frames           *prometheus.CounterVec
	envelopes        *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		links: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fastchat_mesh_links",
			Help: "Established links to peer servers.",
		}),
		handshakeFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastchat_mesh_handshake_failure_total",
			Help: "Inbound or outbound mesh handshakes that were rejected.",
		}),
		dialRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastchat_mesh_dial_retries_total",
			Help: "Dial attempts to lower peers that had to be retried.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastchat_mesh_frames_total",
			Help: "Frames exchanged over mesh links.",
		}, []string{"direction"}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastchat_mesh_envelopes_total",
			Help: "Envelopes exchanged over mesh links.",
		}, []string{"direction"}),
	}

	reg.MustRegister(m.links, m.handshakeFailure, m.dialRetries, m.frames, m.envelopes)
	return m
}

func (m *Metrics) SetLinks(n int) {
	if m == nil {
		return
	}
	m.links.Set(float64(n))
}

func (m *Metrics) RecordHandshakeFailure() {
	if m == nil {
		return
	}
	m.handshakeFailure.Inc()
}

func (m *Metrics) RecordDialRetry() {
	if m == nil {
		return
	}
	m.dialRetries.Inc()
}

// RecordSent counts one outbound frame carrying n envelopes.
func (m *Metrics) RecordSent(n int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues("out").Inc()
	m.envelopes.WithLabelValues("out").Add(float64(n))
}

// RecordReceived counts one inbound frame carrying n envelopes.
func (m *Metrics) RecordReceived(n int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues("in").Inc()
	m.envelopes.WithLabelValues("in").Add(float64(n))
}
