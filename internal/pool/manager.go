package pool

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/egressguard/egressguard/internal/monitoring"
	"github.com/egressguard/egressguard/internal/telemetry"
	"github.com/egressguard/egressguard/internal/utils"
)

// ErrNoProxyAvailable is returned by Next when the pool is empty or every
// address is inactive and still cooling down.
var ErrNoProxyAvailable = errors.New("no proxy available")

// pruneCooldownMultiplier: an address inactive for this many cooldown
// periods is permanently removed from the pool.
const pruneCooldownMultiplier = 10

// HealthCheck probes a single address. A panic inside the probe is treated
// as an unhealthy result.
type HealthCheck func(address string) bool

// Policy holds the two externally tunable knobs. The recalibration
// controller replaces it atomically via SetPolicies.
type Policy struct {
	MaxConsecutiveFailures int
	FailureCooldown        time.Duration
}

// ProxyStats is the mutable health state tracked per address. Snapshot
// methods return value copies, never the live record.
type ProxyStats struct {
	Successes           int
	Failures            int
	ConsecutiveFailures int
	LastSuccessAt       time.Time
	LastFailureAt       time.Time
	Active              bool
	TotalDurationMs     float64
	Requests            int
}

// Diagnostic is the derived per-address view exposed to the diagnostics
// surface.
type Diagnostic struct {
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
	ErrorRate           float64 `json:"error_rate"`
	Availability        float64 `json:"availability"`
	Active              bool    `json:"active"`
	Successes           int     `json:"successes"`
	Failures            int     `json:"failures"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Requests            int     `json:"requests"`
	LastSuccessAt       *int64  `json:"last_success_at"`
	LastFailureAt       *int64  `json:"last_failure_at"`
}

// Config carries the optional collaborators of a Manager.
type Config struct {
	MaxConsecutiveFailures int
	FailureCooldown        time.Duration
	HealthCheck            HealthCheck
	HealthCheckInterval    time.Duration
	Logger                 *slog.Logger
	Sink                   telemetry.Sink
	Metrics                *monitoring.Metrics
}

// Manager owns the set of upstream addresses and their health statistics.
// All mutating operations run under one exclusive lock per instance:
// selection, reporting, health checks, and pruning never interleave.
type Manager struct {
	mu sync.Mutex

	addresses []string
	stats     map[string]*ProxyStats
	policy    Policy
	cursor    int

	healthCheck         HealthCheck
	healthCheckInterval time.Duration
	lastHealthCheckAt   time.Time

	logger  *slog.Logger
	sink    telemetry.Sink
	metrics *monitoring.Metrics

	now func() time.Time
}

// New creates a pool manager over the given addresses. Duplicate and empty
// addresses are dropped.
func New(addresses []string, cfg Config) *Manager {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.FailureCooldown <= 0 {
		cfg.FailureCooldown = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.NopSink{}
	}

	m := &Manager{
		stats: make(map[string]*ProxyStats),
		policy: Policy{
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
			FailureCooldown:        cfg.FailureCooldown,
		},
		healthCheck:         cfg.HealthCheck,
		healthCheckInterval: cfg.HealthCheckInterval,
		logger:              cfg.Logger,
		sink:                cfg.Sink,
		metrics:             cfg.Metrics,
		now:                 utils.NowUTC,
	}

	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, exists := m.stats[addr]; exists {
			continue
		}
		m.addresses = append(m.addresses, addr)
		m.stats[addr] = &ProxyStats{Active: true}
	}

	return m
}

// FromFile creates a manager from a newline-separated proxy list file.
// Blank lines and lines starting with '#' are skipped. A missing file
// yields an empty pool.
func FromFile(path string, cfg Config) (*Manager, error) {
	if path == "" {
		return New(nil, cfg), nil
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(nil, cfg), nil
		}
		return nil, fmt.Errorf("failed to open proxy list: %w", err)
	}
	defer file.Close()

	var addresses []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addresses = append(addresses, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read proxy list: %w", err)
	}

	return New(addresses, cfg), nil
}

// Next returns the next usable address via health-aware round robin.
// Starting at the cursor it scans at most once around the list and returns
// the first active address, reactivating cooled-down ones on the way. The
// cursor advances past every visited candidate, so rejected entries cannot
// starve the rest of the list.
func (m *Manager) Next() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.maybeRunHealthCheckLocked()
	m.pruneLocked()

	total := len(m.addresses)
	if total == 0 {
		return "", ErrNoProxyAvailable
	}

	now := m.now()
	for i := 0; i < total; i++ {
		addr := m.addresses[m.cursor%total]
		m.cursor = (m.cursor + 1) % total

		record := m.stats[addr]
		if record.Active {
			return addr, nil
		}

		// Cooldown passed: reactivate in place and hand the address out.
		if !record.LastFailureAt.IsZero() && now.Sub(record.LastFailureAt) >= m.policy.FailureCooldown {
			record.Active = true
			record.ConsecutiveFailures = 0
			m.logger.Info("Proxy reactivated after cooldown",
				"proxy", addr,
				"cooldown", m.policy.FailureCooldown,
			)
			m.metrics.RecordStateTransition(addr, true)
			return addr, nil
		}

		m.metrics.RecordSelectionRejected("cooldown")
	}

	return "", ErrNoProxyAvailable
}

// ReportSuccess records a successful call through addr. It resets the
// failure streak and reactivates the address. Unknown addresses get a fresh
// record. No-op for the empty address.
func (m *Manager) ReportSuccess(addr string, durationMs float64) {
	if addr == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.ensureRecordLocked(addr)
	record.Successes++
	record.Requests++
	record.ConsecutiveFailures = 0
	record.LastSuccessAt = m.now()
	record.TotalDurationMs += durationMs

	if !record.Active {
		record.Active = true
		m.logger.Info("Proxy recovered (state: inactive -> active)", "proxy", addr)
		m.metrics.RecordStateTransition(addr, true)
	}

	m.metrics.RecordProxyOutcome(addr, true)
	m.sink.Emit("proxy_success", map[string]any{
		"proxy":       addr,
		"duration_ms": durationMs,
		"successes":   record.Successes,
		"requests":    record.Requests,
	})
}

// ReportFailure records a failed call through addr. Once the consecutive
// failure streak reaches the policy threshold the address is deactivated
// and a proxy_failure event is emitted.
func (m *Manager) ReportFailure(addr string, durationMs float64) {
	if addr == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.ensureRecordLocked(addr)
	record.Failures++
	record.Requests++
	record.ConsecutiveFailures++
	record.LastFailureAt = m.now()
	record.TotalDurationMs += durationMs

	m.metrics.RecordProxyOutcome(addr, false)

	if record.ConsecutiveFailures >= m.policy.MaxConsecutiveFailures {
		if record.Active {
			record.Active = false
			m.logger.Warn("Proxy deactivated (state: active -> inactive)",
				"proxy", addr,
				"consecutive_failures", record.ConsecutiveFailures,
				"cooldown", m.policy.FailureCooldown,
			)
			m.metrics.RecordStateTransition(addr, false)
		}

		m.sink.Emit("proxy_failure", map[string]any{
			"proxy":                addr,
			"consecutive_failures": record.ConsecutiveFailures,
			"failures":             record.Failures,
			"cooldown_seconds":     m.policy.FailureCooldown.Seconds(),
		})
	}
}

// SetPolicies atomically replaces the active policy. Subsequent selection
// and reporting use the new values immediately.
func (m *Manager) SetPolicies(maxConsecutiveFailures int, failureCooldown time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.policy = Policy{
		MaxConsecutiveFailures: maxConsecutiveFailures,
		FailureCooldown:        failureCooldown,
	}

	m.logger.Info("Pool policies updated",
		"max_consecutive_failures", maxConsecutiveFailures,
		"failure_cooldown", failureCooldown,
	)
}

// Policies returns the currently active policy.
func (m *Manager) Policies() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// SnapshotMetrics returns a deep copy of all records. Mutating the copy
// never affects live state.
func (m *Manager) SnapshotMetrics() map[string]ProxyStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]ProxyStats, len(m.stats))
	for addr, record := range m.stats {
		snapshot[addr] = *record
	}
	return snapshot
}

// DiagnosticSnapshot returns the derived per-address view. Averages divide
// by max(1, requests) so empty records stay well defined.
func (m *Manager) DiagnosticSnapshot() map[string]Diagnostic {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]Diagnostic, len(m.stats))
	for addr, record := range m.stats {
		requests := record.Requests
		if requests < 1 {
			requests = 1
		}

		availability := 0.0
		if record.Active {
			availability = 1.0
		}

		snapshot[addr] = Diagnostic{
			AvgLatencyMs:        record.TotalDurationMs / float64(requests),
			ErrorRate:           float64(record.Failures) / float64(requests),
			Availability:        availability,
			Active:              record.Active,
			Successes:           record.Successes,
			Failures:            record.Failures,
			ConsecutiveFailures: record.ConsecutiveFailures,
			Requests:            record.Requests,
			LastSuccessAt:       unixMilliOrNil(record.LastSuccessAt),
			LastFailureAt:       unixMilliOrNil(record.LastFailureAt),
		}
	}
	return snapshot
}

// ActiveCount returns the number of currently active addresses.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, record := range m.stats {
		if record.Active {
			count++
		}
	}
	return count
}

// Size returns the number of tracked addresses.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.addresses)
}

// RunHealthCheck probes every address immediately, ignoring the probe
// interval. No-op when no health check is configured.
func (m *Manager) RunHealthCheck() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runHealthCheckLocked()
}

func (m *Manager) ensureRecordLocked(addr string) *ProxyStats {
	record, ok := m.stats[addr]
	if !ok {
		// First statistics update for an unknown (or previously pruned)
		// address creates a fresh record with clean history.
		record = &ProxyStats{Active: true}
		m.stats[addr] = record
		m.addresses = append(m.addresses, addr)
	}
	return record
}

func (m *Manager) maybeRunHealthCheckLocked() {
	if m.healthCheck == nil {
		return
	}

	now := m.now()
	if !m.lastHealthCheckAt.IsZero() && now.Sub(m.lastHealthCheckAt) < m.healthCheckInterval {
		return
	}
	m.runHealthCheckLocked()
}

func (m *Manager) runHealthCheckLocked() {
	if m.healthCheck == nil {
		return
	}

	now := m.now()
	m.lastHealthCheckAt = now

	for _, addr := range m.addresses {
		record := m.stats[addr]

		if m.probe(addr) {
			record.ConsecutiveFailures = 0
			if !record.Active {
				record.Active = true
				m.logger.Info("Proxy passed health check (state: inactive -> active)", "proxy", addr)
				m.metrics.RecordStateTransition(addr, true)
			}
			continue
		}

		record.Failures++
		record.ConsecutiveFailures++
		record.LastFailureAt = now

		if record.ConsecutiveFailures >= m.policy.MaxConsecutiveFailures && record.Active {
			record.Active = false
			m.logger.Warn("Proxy failed health check (state: active -> inactive)",
				"proxy", addr,
				"consecutive_failures", record.ConsecutiveFailures,
			)
			m.metrics.RecordStateTransition(addr, false)
		}
	}
}

// probe runs the health check for one address, converting panics into an
// unhealthy result so a bad probe never takes down selection.
func (m *Manager) probe(addr string) (healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Health check panicked",
				"proxy", addr,
				"panic", fmt.Sprintf("%v", r),
			)
			healthy = false
		}
	}()

	return m.healthCheck(addr)
}

// pruneLocked permanently removes addresses that stayed inactive for ten
// cooldown periods.
func (m *Manager) pruneLocked() {
	if len(m.addresses) == 0 {
		return
	}

	now := m.now()
	deadline := time.Duration(pruneCooldownMultiplier) * m.policy.FailureCooldown

	kept := m.addresses[:0]
	for _, addr := range m.addresses {
		record := m.stats[addr]
		if !record.Active && !record.LastFailureAt.IsZero() && now.Sub(record.LastFailureAt) >= deadline {
			delete(m.stats, addr)
			m.logger.Warn("Proxy pruned after prolonged inactivity",
				"proxy", addr,
				"inactive_for", now.Sub(record.LastFailureAt),
			)
			continue
		}
		kept = append(kept, addr)
	}
	m.addresses = kept

	if len(m.addresses) > 0 {
		m.cursor %= len(m.addresses)
	} else {
		m.cursor = 0
	}
}

func unixMilliOrNil(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
