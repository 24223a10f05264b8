package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all prometheus metrics
type Metrics struct {
	BookingsCreated   prometheus.Counter
	BookingsRejected  *prometheus.CounterVec
	Cancellations     prometheus.Counter
	Completions       prometheus.Counter
	PaymentsInitiated *prometheus.CounterVec
	PaymentsConfirmed *prometheus.CounterVec
	GatewayLatency    *prometheus.HistogramVec
	SlotOccupancy     *prometheus.GaugeVec
	QueueMonitorRuns  *prometheus.CounterVec
}

// New registers the metrics with reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BookingsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_created_total",
			Help:      "The total number of admitted bookings",
		}),
		BookingsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_rejected_total",
			Help:      "The total number of rejected booking attempts",
		}, []string{"reason"}),
		Cancellations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_cancelled_total",
			Help:      "The total number of cancelled bookings",
		}),
		Completions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_completed_total",
			Help:      "The total number of completed visits",
		}),
		PaymentsInitiated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_initiated_total",
			Help:      "Payment initiations by gateway and outcome",
		}, []string{"gateway", "outcome"}),
		PaymentsConfirmed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_confirmed_total",
			Help:      "Payment confirmations by gateway and outcome",
		}, []string{"gateway", "outcome"}),
		GatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_seconds",
			Help:      "Time taken by payment gateway calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"gateway", "operation"}),
		SlotOccupancy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slot_occupancy",
			Help:      "Non-cancelled bookings per upcoming slot",
		}, []string{"doctor", "date", "time"}),
		QueueMonitorRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_monitor_runs_total",
			Help:      "Queue monitor runs by outcome",
		}, []string{"outcome"}),
	}
}
