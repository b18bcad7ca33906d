// Package metrics собирает prometheus-метрики маршрутизации и эскалации.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pr_router"

type Metrics struct {
	routingDecisions      *prometheus.CounterVec
	assignmentsCreated    prometheus.Counter
	escalationTransitions *prometheus.CounterVec
	notifications         *prometheus.CounterVec
	sweepDuration         prometheus.Histogram
}

// New создает коллекторы и регистрирует их в reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		routingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routed pull request events by outcome.",
		}, []string{"outcome"}),
		assignmentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_created_total",
			Help:      "Review assignments persisted.",
		}),
		escalationTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_transitions_total",
			Help:      "Assignment transitions made by the escalation sweep.",
		}, []string{"to"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by kind and result.",
		}, []string{"kind", "result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of escalation sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.routingDecisions,
		m.assignmentsCreated,
		m.escalationTransitions,
		m.notifications,
		m.sweepDuration,
	)

	return m
}

// Все методы допускают nil-получатель, чтобы компоненты работали без метрик

func (m *Metrics) RoutingDecision(outcome string) {
	if m == nil {
		return
	}
	m.routingDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AssignmentsCreated(n int) {
	if m == nil {
		return
	}
	m.assignmentsCreated.Add(float64(n))
}

func (m *Metrics) EscalationTransition(to string) {
	if m == nil {
		return
	}
	m.escalationTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) Notification(kind string, err error) {
	if m == nil {
		return
	}
	result := "delivered"
	if err != nil {
		result = "failed"
	}
	m.notifications.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}
