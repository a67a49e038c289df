package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Couples-API Metrics
var (
	// Request counters
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mindmitra",
			Subsystem: "couples_api",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// Request duration histogram
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mindmitra",
			Subsystem: "couples_api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"method", "endpoint"},
	)

	// Mediator turn counters
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mindmitra",
			Subsystem: "couples_api",
			Name:      "turns_total",
			Help:      "Total mediator turns by outcome",
		},
		[]string{"status"},
	)

	// Turn streaming duration histogram
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mindmitra",
			Subsystem: "couples_api",
			Name:      "turn_duration_seconds",
			Help:      "Mediator turn duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	// Waiting sessions gauge
	WaitingSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mindmitra",
			Subsystem: "couples_api",
			Name:      "waiting_sessions",
			Help:      "Sessions still waiting for a partner",
		},
	)

	// Notification deliveries counter
	NotifyDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mindmitra",
			Subsystem: "couples_api",
			Name:      "notify_deliveries_total",
			Help:      "Store change notifications delivered to subscribers",
		},
		[]string{"kind"},
	)

	// Swept sessions counter
	SweptSessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mindmitra",
			Subsystem: "couples_api",
			Name:      "swept_sessions_total",
			Help:      "Abandoned sessions removed by the sweeper",
		},
	)
)

// RecordRequest records an HTTP request
func RecordRequest(method, endpoint, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	RequestDuration.WithLabelValues(method, endpoint).Observe(durationSec)
}

// RecordTurn records a mediator turn outcome
func RecordTurn(status string, durationSec float64) {
	TurnsTotal.WithLabelValues(status).Inc()
	TurnDuration.WithLabelValues(status).Observe(durationSec)
}

// SetWaitingSessions sets the current waiting session count
func SetWaitingSessions(count int64) {
	WaitingSessions.Set(float64(count))
}

// RecordNotifyDelivery records a notification delivery
func RecordNotifyDelivery(kind string) {
	NotifyDeliveriesTotal.WithLabelValues(kind).Inc()
}

// RecordSweptSessions records sweeper removals
func RecordSweptSessions(count int64) {
	SweptSessionsTotal.Add(float64(count))
}
