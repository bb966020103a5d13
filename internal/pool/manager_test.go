package pool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(addresses []string, cfg Config) (*Manager, *time.Time) {
	m := New(addresses, cfg)
	now := time.Now().UTC()
	m.now = func() time.Time { return now }
	return m, &now
}

func TestNext_CyclesThroughProxies(t *testing.T) {
	m, _ := newTestManager([]string{"http://p1", "http://p2", "http://p3"}, Config{})

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		addr, err := m.Next()
		require.NoError(t, err)
		seen[addr] = true
	}

	assert.Len(t, seen, 3)
}

func TestNext_EmptyPool(t *testing.T) {
	m, _ := newTestManager(nil, Config{})

	_, err := m.Next()
	assert.ErrorIs(t, err, ErrNoProxyAvailable)
}

func TestNext_SkipsDeactivatedProxy(t *testing.T) {
	m, _ := newTestManager([]string{"http://p1", "http://p2"}, Config{
		MaxConsecutiveFailures: 2,
		FailureCooldown:        60 * time.Second,
	})

	m.ReportFailure("http://p1", 0)
	m.ReportFailure("http://p1", 0)

	for i := 0; i < 4; i++ {
		addr, err := m.Next()
		require.NoError(t, err)
		assert.Equal(t, "http://p2", addr)
	}
}

func TestNext_AllProxiesInactive(t *testing.T) {
	m, _ := newTestManager([]string{"http://p1"}, Config{
		MaxConsecutiveFailures: 1,
		FailureCooldown:        60 * time.Second,
	})

	m.ReportFailure("http://p1", 0)

	_, err := m.Next()
	assert.ErrorIs(t, err, ErrNoProxyAvailable)
}

func TestNext_CooldownRestoresProxy(t *testing.T) {
	m, now := newTestManager([]string{"http://p1"}, Config{
		MaxConsecutiveFailures: 1,
		FailureCooldown:        10 * time.Second,
	})

	m.ReportFailure("http://p1", 0)

	_, err := m.Next()
	assert.ErrorIs(t, err, ErrNoProxyAvailable)

	*now = now.Add(11 * time.Second)

	addr, err := m.Next()
	require.NoError(t, err)
	assert.Equal(t, "http://p1", addr)

	// Reactivation resets the failure streak.
	stats := m.SnapshotMetrics()["http://p1"]
	assert.True(t, stats.Active)
	assert.Equal(t, 0, stats.ConsecutiveFailures)
}

func TestReportSuccess_ResetsConsecutiveFailures(t *testing.T) {
	m, _ := newTestManager([]string{"http://p1"}, Config{
		MaxConsecutiveFailures: 5,
	})

	m.ReportFailure("http://p1", 0)
	m.ReportFailure("http://p1", 0)
	m.ReportFailure("http://p1", 0)
	m.ReportSuccess("http://p1", 120)

	stats := m.SnapshotMetrics()["http://p1"]
	assert.Equal(t, 0, stats.ConsecutiveFailures)
	assert.Equal(t, 3, stats.Failures)
	assert.Equal(t, 1, stats.Successes)
	assert.Equal(t, 4, stats.Requests)
	assert.True(t, stats.Active)
}

func TestReportSuccess_EmptyAddressIsNoOp(t *testing.T) {
	m, _ := newTestManager([]string{"http://p1"}, Config{})

	m.ReportSuccess("", 100)
	m.ReportFailure("", 100)

	_, exists := m.SnapshotMetrics()[""]
	assert.False(t, exists)
	assert.Equal(t, 1, m.Size())
}

func TestReportSuccess_UnknownAddressCreatesRecord(t *testing.T) {
	m, _ := newTestManager(nil, Config{})

	m.ReportSuccess("http://new", 50)

	stats := m.SnapshotMetrics()["http://new"]
	assert.Equal(t, 1, stats.Successes)
	assert.Equal(t, 1, m.Size())

	addr, err := m.Next()
	require.NoError(t, err)
	assert.Equal(t, "http://new", addr)
}

func TestSetPolicies_TakesEffectImmediately(t *testing.T) {
	m, _ := newTestManager([]string{"http://p1", "http://p2"}, Config{
		MaxConsecutiveFailures: 10,
	})

	m.ReportFailure("http://p1", 0)
	assert.True(t, m.SnapshotMetrics()["http://p1"].Active)

	m.SetPolicies(1, 30*time.Second)
	m.ReportFailure("http://p1", 0)

	assert.False(t, m.SnapshotMetrics()["http://p1"].Active)
	assert.Equal(t, Policy{MaxConsecutiveFailures: 1, FailureCooldown: 30 * time.Second}, m.Policies())
}

func TestSnapshotMetrics_ReturnsIndependentCopy(t *testing.T) {
	m, _ := newTestManager([]string{"http://p1"}, Config{})

	m.ReportSuccess("http://p1", 100)

	snapshot := m.SnapshotMetrics()
	stats := snapshot["http://p1"]
	assert.Equal(t, 1, stats.Successes)

	stats.Successes = 100
	snapshot["http://p1"] = stats

	assert.Equal(t, 1, m.SnapshotMetrics()["http://p1"].Successes)
}

func TestDiagnosticSnapshot_DerivedValues(t *testing.T) {
	m, _ := newTestManager([]string{"http://p1", "http://p2"}, Config{
		MaxConsecutiveFailures: 1,
	})

	m.ReportSuccess("http://p1", 100)
	m.ReportSuccess("http://p1", 200)
	m.ReportFailure("http://p2", 300)

	diag := m.DiagnosticSnapshot()

	p1 := diag["http://p1"]
	assert.Equal(t, 150.0, p1.AvgLatencyMs)
	assert.Equal(t, 0.0, p1.ErrorRate)
	assert.Equal(t, 1.0, p1.Availability)
	assert.NotNil(t, p1.LastSuccessAt)
	assert.Nil(t, p1.LastFailureAt)

	p2 := diag["http://p2"]
	assert.Equal(t, 1.0, p2.ErrorRate)
	assert.Equal(t, 0.0, p2.Availability)
	assert.False(t, p2.Active)
}

func TestDiagnosticSnapshot_NoRequestsDivisionGuard(t *testing.T) {
	m, _ := newTestManager([]string{"http://p1"}, Config{})

	diag := m.DiagnosticSnapshot()
	p1 := diag["http://p1"]

	assert.Equal(t, 0.0, p1.AvgLatencyMs)
	assert.Equal(t, 0.0, p1.ErrorRate)
	assert.Equal(t, 1.0, p1.Availability)
}

func TestHealthCheck_DeactivatesUnhealthyProxies(t *testing.T) {
	healthCheck := func(addr string) bool {
		return addr == "http://p2"
	}

	m, _ := newTestManager([]string{"http://p1", "http://p2"}, Config{
		MaxConsecutiveFailures: 1,
		FailureCooldown:        60 * time.Second,
		HealthCheck:            healthCheck,
	})

	for i := 0; i < 2; i++ {
		addr, err := m.Next()
		require.NoError(t, err)
		assert.Equal(t, "http://p2", addr)
	}
}

func TestHealthCheck_ReactivatesHealthyProxy(t *testing.T) {
	m, _ := newTestManager([]string{"http://p1"}, Config{
		MaxConsecutiveFailures: 1,
		FailureCooldown:        time.Hour,
		HealthCheck:            func(string) bool { return true },
	})

	m.ReportFailure("http://p1", 0)
	assert.False(t, m.SnapshotMetrics()["http://p1"].Active)

	m.RunHealthCheck()

	stats := m.SnapshotMetrics()["http://p1"]
	assert.True(t, stats.Active)
	assert.Equal(t, 0, stats.ConsecutiveFailures)
}

func TestHealthCheck_PanicTreatedAsFailure(t *testing.T) {
	m, _ := newTestManager([]string{"http://p1"}, Config{
		MaxConsecutiveFailures: 1,
		HealthCheck:            func(string) bool { panic("probe exploded") },
	})

	assert.NotPanics(t, func() { m.RunHealthCheck() })
	assert.False(t, m.SnapshotMetrics()["http://p1"].Active)
}

func TestHealthCheck_HonorsInterval(t *testing.T) {
	probes := 0
	m, now := newTestManager([]string{"http://p1"}, Config{
		HealthCheck:         func(string) bool { probes++; return true },
		HealthCheckInterval: 30 * time.Second,
	})

	_, _ = m.Next()
	_, _ = m.Next()
	assert.Equal(t, 1, probes, "second probe must wait for the interval")

	*now = now.Add(31 * time.Second)
	_, _ = m.Next()
	assert.Equal(t, 2, probes)
}

func TestPrune_RemovesLongInactiveProxies(t *testing.T) {
	m, now := newTestManager([]string{"http://p1", "http://p2"}, Config{
		MaxConsecutiveFailures: 1,
		FailureCooldown:        10 * time.Second,
	})

	m.ReportFailure("http://p1", 0)

	// Ten cooldown periods later the address is gone for good.
	*now = now.Add(101 * time.Second)

	addr, err := m.Next()
	require.NoError(t, err)
	assert.Equal(t, "http://p2", addr)

	assert.Equal(t, 1, m.Size())
	_, exists := m.SnapshotMetrics()["http://p1"]
	assert.False(t, exists)
}

func TestPrune_ReportAfterPruneStartsCleanHistory(t *testing.T) {
	m, now := newTestManager([]string{"http://p1"}, Config{
		MaxConsecutiveFailures: 1,
		FailureCooldown:        10 * time.Second,
	})

	m.ReportFailure("http://p1", 0)
	*now = now.Add(101 * time.Second)
	_, _ = m.Next()
	assert.Equal(t, 0, m.Size())

	m.ReportSuccess("http://p1", 100)

	stats := m.SnapshotMetrics()["http://p1"]
	assert.Equal(t, 1, stats.Requests)
	assert.Equal(t, 0, stats.Failures)
}

func TestActiveCount(t *testing.T) {
	m, _ := newTestManager([]string{"http://p1", "http://p2"}, Config{
		MaxConsecutiveFailures: 1,
	})

	assert.Equal(t, 2, m.ActiveCount())

	m.ReportFailure("http://p1", 0)
	assert.Equal(t, 1, m.ActiveCount())
}

func TestNew_DropsDuplicatesAndBlanks(t *testing.T) {
	m := New([]string{"http://p1", "", "http://p1", "  ", "http://p2"}, Config{})
	assert.Equal(t, 2, m.Size())
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxies.txt")
	content := "http://p1\n# comment\n\nhttp://p2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	m, err := FromFile(path, Config{})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Size())
}

func TestFromFile_MissingFileYieldsEmptyPool(t *testing.T) {
	m, err := FromFile("/nonexistent/proxies.txt", Config{})
	require.NoError(t, err)
	assert.Equal(t, 0, m.Size())
}

func TestFromFile_EmptyPathYieldsEmptyPool(t *testing.T) {
	m, err := FromFile("", Config{})
	require.NoError(t, err)
	assert.Equal(t, 0, m.Size())
}
