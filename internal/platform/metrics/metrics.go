package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the patient-flow collectors. A nil *Metrics is a no-op.
type Metrics struct {
	transitions       *prometheus.CounterVec
	queueNumbers      *prometheus.CounterVec
	estimatorRequests *prometheus.CounterVec
	estimatorLatency  prometheus.Histogram
	visitPhase        *prometheus.HistogramVec
	predictionError   prometheus.Histogram
}

// minuteBuckets covers visit phases from a couple of minutes to a long afternoon.
var minuteBuckets = []float64{1, 2, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 240}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Name:      "transitions_total",
			Help:      "Appointment and interaction operations by outcome",
		}, []string{"operation", "outcome"}),
		queueNumbers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Name:      "queue_numbers_assigned_total",
			Help:      "Queue tickets issued at check-in",
		}, []string{"department"}),
		estimatorRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Name:      "estimator_requests_total",
			Help:      "Duration estimates by source (remote, heuristic) and outcome",
		}, []string{"source", "outcome"}),
		estimatorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinic",
			Name:      "estimator_latency_seconds",
			Help:      "Latency of duration estimates including fallback",
			Buckets:   prometheus.DefBuckets,
		}),
		visitPhase: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Name:      "visit_phase_minutes",
			Help:      "Recorded visit phase durations in minutes",
			Buckets:   minuteBuckets,
		}, []string{"phase"}),
		predictionError: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinic",
			Name:      "prediction_abs_error_minutes",
			Help:      "Absolute difference between predicted and actual visit length",
			Buckets:   minuteBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitions, m.queueNumbers, m.estimatorRequests,
		m.estimatorLatency, m.visitPhase, m.predictionError)
	return m
}

// RecordTransition counts an operation such as "check_in" with outcome
// "ok", "invalid_transition", "conflict" or "error".
func (m *Metrics) RecordTransition(operation, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) RecordQueueNumber(department string) {
	if m == nil {
		return
	}
	m.queueNumbers.WithLabelValues(department).Inc()
}

func (m *Metrics) RecordEstimate(source, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.estimatorRequests.WithLabelValues(source, outcome).Inc()
	m.estimatorLatency.Observe(elapsed.Seconds())
}

// ObservePhase records a closed phase: "vitals", "consult" or "total".
func (m *Metrics) ObservePhase(phase string, minutes int) {
	if m == nil {
		return
	}
	m.visitPhase.WithLabelValues(phase).Observe(float64(minutes))
}

func (m *Metrics) ObservePredictionError(minutes int) {
	if m == nil {
		return
	}
	if minutes < 0 {
		minutes = -minutes
	}
	m.predictionError.Observe(float64(minutes))
}
