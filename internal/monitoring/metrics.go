package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "egressguard_proxy_requests_total",
			Help: "Total number of reported proxy call outcomes",
		},
		[]string{"proxy", "outcome"},
	)

	ProxySelectionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "egressguard_proxy_selection_rejected_total",
			Help: "Total number of times a proxy was skipped during selection",
		},
		[]string{"reason"},
	)

	ProxyStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "egressguard_proxy_state_transitions_total",
			Help: "Total number of proxy activation state transitions",
		},
		[]string{"proxy", "state"},
	)

	ProxyActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "egressguard_proxy_active",
			Help: "Activation status for each proxy (1 = active, 0 = inactive)",
		},
		[]string{"proxy"},
	)

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "egressguard_rate_limit_decisions_total",
			Help: "Total number of rate limit checks by strategy and outcome",
		},
		[]string{"endpoint", "strategy", "outcome"},
	)

	RecalibrationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "egressguard_recalibration_runs_total",
			Help: "Total number of recalibration runs by outcome",
		},
		[]string{"outcome"},
	)

	RecalibrationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "egressguard_recalibration_duration_seconds",
			Help:    "Recalibration run duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		},
	)

	AnomalyScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "egressguard_anomaly_score",
			Help: "Most recent overall anomaly score",
		},
	)
)

type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

func (m *Metrics) isEnabled() bool {
	return m != nil && m.enabled
}

// RecordProxyOutcome counts a reported success or failure for a proxy.
func (m *Metrics) RecordProxyOutcome(proxy string, success bool) {
	if !m.isEnabled() {
		return
	}

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	ProxyRequestsTotal.WithLabelValues(proxy, outcome).Inc()
}

// RecordSelectionRejected counts a proxy skipped during selection.
func (m *Metrics) RecordSelectionRejected(reason string) {
	if !m.isEnabled() {
		return
	}
	ProxySelectionRejected.WithLabelValues(reason).Inc()
}

// RecordStateTransition counts an activation/deactivation transition and
// updates the per-proxy gauge.
func (m *Metrics) RecordStateTransition(proxy string, active bool) {
	if !m.isEnabled() {
		return
	}

	state := "deactivated"
	value := 0.0
	if active {
		state = "activated"
		value = 1.0
	}
	ProxyStateTransitions.WithLabelValues(proxy, state).Inc()
	ProxyActive.WithLabelValues(proxy).Set(value)
}

// UpdateProxyActive refreshes the per-proxy activation gauge. Used by the
// periodic updater so the gauge stays correct across cooldown reactivations
// that happen without a state transition being observed.
func (m *Metrics) UpdateProxyActive(proxy string, active bool) {
	if !m.isEnabled() {
		return
	}

	value := 0.0
	if active {
		value = 1.0
	}
	ProxyActive.WithLabelValues(proxy).Set(value)
}

// RecordRateLimitDecision counts one rate limit check.
func (m *Metrics) RecordRateLimitDecision(endpoint, strategy string, allowed bool) {
	if !m.isEnabled() {
		return
	}

	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	RateLimitDecisions.WithLabelValues(endpoint, strategy, outcome).Inc()
}

// RecordRecalibration records one controller run.
func (m *Metrics) RecordRecalibration(outcome string, duration time.Duration, anomalyScore float64) {
	if !m.isEnabled() {
		return
	}

	RecalibrationRuns.WithLabelValues(outcome).Inc()
	RecalibrationDuration.Observe(duration.Seconds())
	AnomalyScore.Set(anomalyScore)
}
