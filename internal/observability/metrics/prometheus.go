// Package metrics provides Prometheus metrics for prescribing and dispensing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing, so domain services can run without a registry in tests.
type Metrics struct {
	PrescriptionsCreated   prometheus.Counter
	PrescriptionsCancelled prometheus.Counter
	PrescriptionsExpired   prometheus.Counter
	SafetyViolations       *prometheus.CounterVec
	Verifications          *prometheus.CounterVec
	Dispenses              *prometheus.CounterVec
	DispenseDuration       prometheus.Histogram
	ReservationFailures    *prometheus.CounterVec
	LowStockEvents         *prometheus.CounterVec
	NotificationsPublished *prometheus.CounterVec
	KafkaMessagesProduced  prometheus.Counter
	KafkaMessagesConsumed  prometheus.Counter
	OutboxPending          prometheus.Gauge
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Total prescriptions issued",
		}),
		PrescriptionsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_cancelled_total",
			Help: "Total prescriptions cancelled",
		}),
		PrescriptionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_expired_total",
			Help: "Total prescriptions moved to Expired by the sweep",
		}),
		SafetyViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_safety_violations_total",
			Help: "Prescriptions rejected at creation, by conflict kind",
		}, []string{"kind"}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_verifications_total",
			Help: "Credential verifications by outcome",
		}, []string{"outcome"}),
		Dispenses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispenses_total",
			Help: "Dispense attempts by outcome",
		}, []string{"outcome"}),
		DispenseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispense_duration_seconds",
			Help:    "Dispense transaction duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		ReservationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_reservation_failures_total",
			Help: "Reservations that could not be satisfied, by medicine",
		}, []string{"medicine_id"}),
		LowStockEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_low_stock_events_total",
			Help: "Low stock notifications raised, by medicine",
		}, []string{"medicine_id"}),
		NotificationsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_published_total",
			Help: "Notifications handed to the notification channel, by type and result",
		}, []string{"type", "result"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.PrescriptionsCreated,
		m.PrescriptionsCancelled,
		m.PrescriptionsExpired,
		m.SafetyViolations,
		m.Verifications,
		m.Dispenses,
		m.DispenseDuration,
		m.ReservationFailures,
		m.LowStockEvents,
		m.NotificationsPublished,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

func (m *Metrics) PrescriptionCreated() {
	if m != nil {
		m.PrescriptionsCreated.Inc()
	}
}

func (m *Metrics) PrescriptionCancelled() {
	if m != nil {
		m.PrescriptionsCancelled.Inc()
	}
}

func (m *Metrics) PrescriptionExpired() {
	if m != nil {
		m.PrescriptionsExpired.Inc()
	}
}

func (m *Metrics) SafetyViolation(kind string) {
	if m != nil {
		m.SafetyViolations.WithLabelValues(kind).Inc()
	}
}

// Verification records a credential check; outcome is one of valid,
// invalid, expired or not_dispensable.
func (m *Metrics) Verification(outcome string) {
	if m != nil {
		m.Verifications.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveDispense(outcome string, d time.Duration) {
	if m != nil {
		m.Dispenses.WithLabelValues(outcome).Inc()
		m.DispenseDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ReservationFailed(medicineID string) {
	if m != nil {
		m.ReservationFailures.WithLabelValues(medicineID).Inc()
	}
}

func (m *Metrics) LowStock(medicineID string) {
	if m != nil {
		m.LowStockEvents.WithLabelValues(medicineID).Inc()
	}
}

func (m *Metrics) NotificationPublished(eventType string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.NotificationsPublished.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) MessageProduced() {
	if m != nil {
		m.KafkaMessagesProduced.Inc()
	}
}

func (m *Metrics) MessageConsumed() {
	if m != nil {
		m.KafkaMessagesConsumed.Inc()
	}
}

func (m *Metrics) SetOutboxPending(n int64) {
	if m != nil {
		m.OutboxPending.Set(float64(n))
	}
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the metrics gathered by g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
