package recalibrate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/egressguard/egressguard/internal/anomaly"
	"github.com/egressguard/egressguard/internal/monitoring"
	"github.com/egressguard/egressguard/internal/telemetry"
	"github.com/egressguard/egressguard/internal/utils"
)

// historyWindow is how far back the controller looks when recalibrating.
const historyWindow = 30 * 24 * time.Hour

// Policies is the full output of one recalibration run. It is recomputed
// from scratch every run, never merged with the previous value.
type Policies struct {
	MaxFailures        int `json:"max_failures"`
	TimeoutSeconds     int `json:"timeout_seconds"`
	RetryAttempts      int `json:"retry_attempts"`
	BaseCooldown       int `json:"base_cooldown"`
	ExponentialBackoff int `json:"exponential_backoff"`
	MaxCooldown        int `json:"max_cooldown"`
}

// DefaultPolicies are the conservative settings used when no sample history
// is available.
func DefaultPolicies() Policies {
	return Policies{
		MaxFailures:        3,
		TimeoutSeconds:     10,
		RetryAttempts:      3,
		BaseCooldown:       60,
		ExponentialBackoff: 2,
		MaxCooldown:        600,
	}
}

// PolicyTarget is the slice of the pool manager the controller drives.
type PolicyTarget interface {
	SetPolicies(maxConsecutiveFailures int, failureCooldown time.Duration)
}

// Controller turns historical metrics into new pool policies. Run holds an
// exclusive lock so overlapping triggers (timer plus manual) collapse to
// sequential executions.
type Controller struct {
	mu sync.Mutex

	source  MetricsSource
	target  PolicyTarget
	sink    telemetry.Sink
	logger  *slog.Logger
	metrics *monitoring.Metrics

	now func() time.Time
}

func NewController(
	source MetricsSource,
	target PolicyTarget,
	sink telemetry.Sink,
	logger *slog.Logger,
	metrics *monitoring.Metrics,
) *Controller {
	if sink == nil {
		sink = telemetry.NopSink{}
	}

	return &Controller{
		source:  source,
		target:  target,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
		now:     utils.NowUTC,
	}
}

// Run executes one full recalibration cycle: fetch 30 days of samples,
// score them, derive new policies, and push the failover knobs into the
// pool. With no history it returns the defaults and leaves the pool alone.
func (c *Controller) Run() (Policies, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.now()
	now := start

	samples, err := c.source.FetchSamples(historyWindow, now)
	if err != nil {
		c.metrics.RecordRecalibration("error", c.now().Sub(start), 0)
		return Policies{}, fmt.Errorf("failed to fetch metric samples: %w", err)
	}

	if len(samples) == 0 {
		c.logger.Warn("Recalibration skipped: no samples available, keeping defaults")
		c.metrics.RecordRecalibration("no_samples", c.now().Sub(start), 0)
		return DefaultPolicies(), nil
	}

	thresholds := anomaly.ComputeThresholds(samples, now)

	var latencySum, errorSum, throughputSum float64
	for _, s := range samples {
		latencySum += s.LatencyMs
		errorSum += s.ErrorRate
		throughputSum += s.Throughput
	}
	count := float64(len(samples))

	result := anomaly.DetectAnomaly(
		latencySum/count,
		errorSum/count,
		throughputSum/count,
		thresholds,
	)

	policies := derivePolicies(thresholds, result)

	c.target.SetPolicies(policies.MaxFailures, time.Duration(policies.BaseCooldown)*time.Second)

	duration := c.now().Sub(start)
	c.sink.Emit("recalibration_update", map[string]any{
		"run_id":        uuid.NewString(),
		"anomaly_score": result.AnomalyScore,
		"policies":      policies,
		"duration_ms":   duration.Milliseconds(),
	})
	c.metrics.RecordRecalibration("ok", duration, result.AnomalyScore)

	c.logger.Info("Recalibration completed",
		"samples", len(samples),
		"anomaly_score", result.AnomalyScore,
		"is_anomalous", result.IsAnomalous,
		"max_failures", policies.MaxFailures,
		"base_cooldown", policies.BaseCooldown,
		"duration", duration,
	)

	return policies, nil
}

// derivePolicies maps thresholds and the anomaly score onto concrete
// failover constants deterministically.
func derivePolicies(thresholds anomaly.MetricThresholds, result anomaly.Result) Policies {
	lat24h := thresholds.LatencyMs[anomaly.Window24h]
	err24h := thresholds.ErrorRate[anomaly.Window24h]

	baseCooldown := int(max(30, min(900, lat24h.P95/5)))
	maxCooldown := int(max(float64(baseCooldown)*5, lat24h.P99/3))

	var maxFailures, retryAttempts, timeoutSeconds int
	switch {
	case err24h.P99 >= 0.20:
		maxFailures, retryAttempts, timeoutSeconds = 1, 2, 15
	case err24h.P99 >= 0.10:
		maxFailures, retryAttempts, timeoutSeconds = 2, 3, 12
	default:
		maxFailures, retryAttempts, timeoutSeconds = 3, 4, 10
	}

	switch {
	case result.AnomalyScore >= 0.9:
		baseCooldown = int(min(1200, float64(baseCooldown)*2))
		if maxFailures > 1 {
			maxFailures--
		}
	case result.AnomalyScore >= 0.7:
		baseCooldown = int(min(1200, float64(baseCooldown)*1.5))
	}

	return Policies{
		MaxFailures:        maxFailures,
		TimeoutSeconds:     timeoutSeconds,
		RetryAttempts:      retryAttempts,
		BaseCooldown:       baseCooldown,
		ExponentialBackoff: 2,
		MaxCooldown:        maxCooldown,
	}
}

// Start runs the controller on a fixed interval until the context is
// cancelled. Manual Run calls are safe at any time: executions serialize on
// the controller lock.
func (c *Controller) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("Recalibration scheduler started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Recalibration scheduler stopped")
			return

		case <-ticker.C:
			if _, err := c.Run(); err != nil {
				c.logger.Error("Scheduled recalibration failed", "error", err)
			}
		}
	}
}
