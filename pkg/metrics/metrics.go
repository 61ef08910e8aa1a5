// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the call orchestrator.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	DebitsTotal      *prometheus.CounterVec
	RefundsTotal     *prometheus.CounterVec
	BilledMinutes    prometheus.Counter
	RefundedPoints   prometheus.Counter
	BillingFailures  *prometheus.CounterVec
	FallbacksTotal   *prometheus.CounterVec
	RemindersTotal   prometheus.Counter
	QualityProbeRTT  prometheus.Histogram
	ErrorsTotal      *prometheus.CounterVec
	ResumptionsTotal *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all collectors registered on a
// private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "coachcall"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of live coaching sessions",
	})

	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total sessions by terminal trigger",
	}, []string{"trigger", "transport"})

	sessionDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Session duration in seconds",
		Buckets:   []float64{5, 10, 30, 60, 120, 300, 600},
	}, []string{"transport"})

	debitsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_debits_total",
		Help:      "Ledger debit attempts by outcome",
	}, []string{"outcome"})

	refundsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_refunds_total",
		Help:      "Ledger refunds by reason",
	}, []string{"reason"})

	billedMinutes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "billed_minutes_total",
		Help:      "Minutes successfully billed",
	})

	refundedPoints := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refunded_points_total",
		Help:      "Quota points refunded",
	})

	billingFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "billing_failures_total",
		Help:      "Mid-call billing failures by kind",
	}, []string{"kind"})

	fallbacksTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_fallbacks_total",
		Help:      "Fallback transport attempts by outcome",
	}, []string{"from", "to", "outcome"})

	remindersTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inactivity_reminders_total",
		Help:      "Soft inactivity reminders sent",
	})

	qualityProbeRTT := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "quality_probe_rtt_seconds",
		Help:      "Round-trip time of network quality probes",
		Buckets:   []float64{0.05, 0.1, 0.2, 0.4, 0.8, 1.6},
	})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Categorized errors surfaced by the orchestrator",
	}, []string{"type", "code"})

	resumptionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resumptions_total",
		Help:      "Session resumption checks by outcome",
	}, []string{"outcome"})

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		debitsTotal,
		refundsTotal,
		billedMinutes,
		refundedPoints,
		billingFailures,
		fallbacksTotal,
		remindersTotal,
		qualityProbeRTT,
		errorsTotal,
		resumptionsTotal,
	)

	return &Metrics{
		registry:         registry,
		SessionsActive:   sessionsActive,
		SessionsTotal:    sessionsTotal,
		SessionDuration:  sessionDuration,
		DebitsTotal:      debitsTotal,
		RefundsTotal:     refundsTotal,
		BilledMinutes:    billedMinutes,
		RefundedPoints:   refundedPoints,
		BillingFailures:  billingFailures,
		FallbacksTotal:   fallbacksTotal,
		RemindersTotal:   remindersTotal,
		QualityProbeRTT:  qualityProbeRTT,
		ErrorsTotal:      errorsTotal,
		ResumptionsTotal: resumptionsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a session entering the connected state.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session leaving the connected state.
func (m *Metrics) RecordSessionEnd(trigger, transport string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(trigger, transport).Inc()
	m.SessionDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// RecordDebit records a ledger debit attempt.
func (m *Metrics) RecordDebit(outcome string) {
	if m == nil {
		return
	}
	m.DebitsTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.BilledMinutes.Inc()
	}
}

// RecordRefund records a ledger refund.
func (m *Metrics) RecordRefund(reason string, points int) {
	if m == nil {
		return
	}
	m.RefundsTotal.WithLabelValues(reason).Inc()
	if points > 0 {
		m.RefundedPoints.Add(float64(points))
	}
}

// RecordBillingFailure records a mid-call billing failure.
func (m *Metrics) RecordBillingFailure(kind string) {
	if m == nil {
		return
	}
	m.BillingFailures.WithLabelValues(kind).Inc()
}

// RecordFallback records a fallback transport attempt.
func (m *Metrics) RecordFallback(from, to, outcome string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(from, to, outcome).Inc()
}

// RecordReminder records a soft inactivity reminder.
func (m *Metrics) RecordReminder() {
	if m == nil {
		return
	}
	m.RemindersTotal.Inc()
}

// RecordProbe records one quality probe round trip.
func (m *Metrics) RecordProbe(rtt time.Duration) {
	if m == nil {
		return
	}
	m.QualityProbeRTT.Observe(rtt.Seconds())
}

// RecordError records a categorized error.
func (m *Metrics) RecordError(errType, code string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errType, code).Inc()
}

// RecordResumption records the outcome of a resumption-window check.
func (m *Metrics) RecordResumption(outcome string) {
	if m == nil {
		return
	}
	m.ResumptionsTotal.WithLabelValues(outcome).Inc()
}
