// Package metrics exposes the service's Prometheus collectors. Every method
// is safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fulfillment"

type Metrics struct {
	registry *prometheus.Registry

	Transitions       *prometheus.CounterVec
	Conflicts         prometheus.Counter
	Redemptions       *prometheus.CounterVec
	NotificationsSent *prometheus.CounterVec
	NotificationFails *prometheus.CounterVec
	QueueDropped      prometheus.Counter
	BreakerState      *prometheus.GaugeVec
	Requests          *prometheus.CounterVec
	LatencyMS         *prometheus.HistogramVec
}

func New(service string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "transitions_total",
			Help:      "Committed order timeline entries by status.",
		}, []string{"status"}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "transition_conflicts_total",
			Help:      "Transitions rejected because the order changed concurrently.",
		}),
		Redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "code_redemptions_total",
			Help:      "One-time code redemption attempts by purpose and result.",
		}, []string{"purpose", "result"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "notifications_sent_total",
			Help:      "Outbound notifications delivered by channel.",
		}, []string{"channel"}),
		NotificationFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "notification_failures_total",
			Help:      "Outbound notifications that failed by channel.",
		}, []string{"channel"}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "notification_queue_dropped_total",
			Help:      "Notification tasks dropped because the queue was full.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state by channel (0 closed, 1 open, 2 half-open).",
		}, []string{"channel"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
	}

	m.registry.MustRegister(
		m.Transitions, m.Conflicts, m.Redemptions,
		m.NotificationsSent, m.NotificationFails, m.QueueDropped, m.BreakerState,
		m.Requests, m.LatencyMS,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

func (m *Metrics) Redemption(purpose, result string) {
	if m == nil {
		return
	}
	m.Redemptions.WithLabelValues(purpose, result).Inc()
}

func (m *Metrics) NotificationSent(channel string) {
	if m == nil {
		return
	}
	m.NotificationsSent.WithLabelValues(channel).Inc()
}

func (m *Metrics) NotificationFailed(channel string) {
	if m == nil {
		return
	}
	m.NotificationFails.WithLabelValues(channel).Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.QueueDropped.Inc()
}

func (m *Metrics) SetBreakerState(channel string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(channel).Set(float64(state))
}

func (m *Metrics) ObserveRequest(handler string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(float64(elapsed.Milliseconds()))
}
