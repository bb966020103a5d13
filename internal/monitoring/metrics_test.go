package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	m := New(true)
	assert.True(t, m.isEnabled())

	m = New(false)
	assert.False(t, m.isEnabled())
}

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m := New(false)

	assert.NotPanics(t, func() {
		m.RecordProxyOutcome("http://p1", true)
		m.RecordSelectionRejected("inactive")
		m.RecordStateTransition("http://p1", false)
		m.RecordRateLimitDecision("/api", "token_bucket", false)
		m.RecordRecalibration("ok", time.Second, 0.5)
	})
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordProxyOutcome("http://p1", false)
		m.RecordStateTransition("http://p1", true)
	})
}

func TestEnabledMetrics(t *testing.T) {
	m := New(true)

	assert.NotPanics(t, func() {
		m.RecordProxyOutcome("http://p1", true)
		m.RecordProxyOutcome("http://p1", false)
		m.RecordSelectionRejected("cooldown")
		m.RecordStateTransition("http://p1", true)
		m.RecordRateLimitDecision("/api", "sliding_window", true)
		m.RecordRecalibration("ok", 50*time.Millisecond, 0.12)
	})
}
