package metrics

import "github.com/prometheus/client_golang/prometheus"

// GovernanceMetrics exposes counters and histograms for booking governance.
type GovernanceMetrics struct {
	bookingAttempts *prometheus.CounterVec
	bookingLatency  *prometheus.HistogramVec
	overrides       *prometheus.CounterVec
	capacityChecks  *prometheus.CounterVec
	intentsCreated  prometheus.Counter
	notifications   *prometheus.CounterVec
	streamDropped   prometheus.Counter
}

func NewGovernanceMetrics(reg prometheus.Registerer) *GovernanceMetrics {
	m := &GovernanceMetrics{
		bookingAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carepath",
			Subsystem: "governance",
			Name:      "booking_attempts_total",
			Help:      "Booking attempts by outcome, pool and rejection code",
		}, []string{"outcome", "pool", "code"}),
		bookingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "carepath",
			Subsystem: "governance",
			Name:      "booking_latency_seconds",
			Help:      "Latency of the booking transaction",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		overrides: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carepath",
			Subsystem: "governance",
			Name:      "overrides_total",
			Help:      "Governance overrides granted, by rule and actor role",
		}, []string{"rule", "role"}),
		capacityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carepath",
			Subsystem: "governance",
			Name:      "capacity_evaluations_total",
			Help:      "Capacity monitor evaluations by derived result",
		}, []string{"result"}),
		intentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carepath",
			Subsystem: "governance",
			Name:      "slot_intents_created_total",
			Help:      "Slot intents created by the pre-scheduler",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carepath",
			Subsystem: "notification",
			Name:      "dispatch_total",
			Help:      "Notification dispatches by event and status",
		}, []string{"event", "status"}),
		streamDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carepath",
			Subsystem: "notification",
			Name:      "stream_dropped_total",
			Help:      "Events dropped for slow websocket clients",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingAttempts, m.bookingLatency, m.overrides, m.capacityChecks, m.intentsCreated, m.notifications, m.streamDropped)
	return m
}

// ObserveBooking records one booking attempt. code is empty on success.
func (m *GovernanceMetrics) ObserveBooking(pool, code string, seconds float64) {
	if m == nil {
		return
	}
	outcome := "booked"
	if code != "" {
		outcome = "rejected"
	}
	m.bookingAttempts.WithLabelValues(outcome, pool, code).Inc()
	m.bookingLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *GovernanceMetrics) ObserveOverride(rule, role string) {
	if m == nil {
		return
	}
	m.overrides.WithLabelValues(rule, role).Inc()
}

func (m *GovernanceMetrics) ObserveCapacity(blocked bool) {
	if m == nil {
		return
	}
	result := "open"
	if blocked {
		result = "blocked"
	}
	m.capacityChecks.WithLabelValues(result).Inc()
}

func (m *GovernanceMetrics) ObserveIntents(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.intentsCreated.Add(float64(n))
}

func (m *GovernanceMetrics) ObserveNotification(event, status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(event, status).Inc()
}

func (m *GovernanceMetrics) ObserveStreamDrop() {
	if m == nil {
		return
	}
	m.streamDropped.Inc()
}
