package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	transitions     *prometheus.CounterVec
	sweepCancelled  prometheus.Counter
	fanoutDelivered prometheus.Counter
	fanoutDropped   prometheus.Counter
	subscribers     *prometheus.GaugeVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qms",
			Name:      "ticket_transitions_total",
			Help:      "Lifecycle operations by action and outcome.",
		}, []string{"action", "outcome"}),
		sweepCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qms",
			Name:      "sweep_cancelled_total",
			Help:      "Stale waiting tickets cancelled by the sweep.",
		}),
		fanoutDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qms",
			Name:      "fanout_delivered_total",
			Help:      "Change notifications queued to subscriber sessions.",
		}),
		fanoutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qms",
			Name:      "fanout_dropped_total",
			Help:      "Change notifications dropped because a session buffer was full.",
		}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qms",
			Name:      "realtime_sessions",
			Help:      "Connected realtime sessions by transport.",
		}, []string{"transport"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qms",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qms",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.transitions,
			m.sweepCancelled,
			m.fanoutDelivered,
			m.fanoutDropped,
			m.subscribers,
			m.requests,
			m.requestDuration,
		)
	}
	return m
}

func (m *Metrics) Transition(action, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) SweepCancelled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepCancelled.Add(float64(n))
}

func (m *Metrics) FanoutDelivered() {
	if m == nil {
		return
	}
	m.fanoutDelivered.Inc()
}

func (m *Metrics) FanoutDropped() {
	if m == nil {
		return
	}
	m.fanoutDropped.Inc()
}

func (m *Metrics) SessionOpened(transport string) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(transport).Inc()
}

func (m *Metrics) SessionClosed(transport string) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(transport).Dec()
}

func (m *Metrics) Request(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
