package balancer

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	assignments *prometheus.CounterVec
	failures    prometheus.Counter
	throttled   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastchat_balancer_assignments_total",
			Help: "Signed assignments sent to clients, by server id.",
		}, []string{"server"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastchat_balancer_failures_total",
			Help: "Connections closed without an assignment.",
		}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastchat_balancer_throttled_total",
			Help: "Connections that waited on the assignment rate limit.",
		}),
	}

	reg.MustRegister(m.assignments, m.failures, m.throttled)
	return m
}

func (m *Metrics) RecordAssignment(server int) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(strconv.Itoa(server)).Inc()
}

func (m *Metrics) RecordFailure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}

func (m *Metrics) RecordThrottled() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}
