package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeThresholds_EmptySamples(t *testing.T) {
	thresholds := ComputeThresholds(nil, time.Now())

	for _, window := range []string{Window24h, Window7d, Window30d} {
		assert.Equal(t, WindowThresholds{}, thresholds.LatencyMs[window])
		assert.Equal(t, WindowThresholds{}, thresholds.ErrorRate[window])
		assert.Equal(t, WindowThresholds{}, thresholds.Throughput[window])
	}
}

func TestComputeThresholds_SingleSample(t *testing.T) {
	now := time.Now()
	samples := []MetricSample{
		{Timestamp: now.Add(-time.Hour), LatencyMs: 100, ErrorRate: 0.05, Throughput: 50},
	}

	thresholds := ComputeThresholds(samples, now)

	lat := thresholds.LatencyMs[Window24h]
	assert.Equal(t, 100.0, lat.P95)
	assert.Equal(t, 100.0, lat.P99)
	// Single value has zero std, so sigma bounds collapse to the mean.
	assert.Equal(t, 100.0, lat.TwoSigma)
	assert.Equal(t, 100.0, lat.ThreeSigma)
}

func TestComputeThresholds_WindowFiltering(t *testing.T) {
	now := time.Now()
	samples := []MetricSample{
		{Timestamp: now.Add(-time.Hour), LatencyMs: 100, ErrorRate: 0.01, Throughput: 10},
		// Outside the 24h window, inside 7d and 30d.
		{Timestamp: now.Add(-48 * time.Hour), LatencyMs: 1000, ErrorRate: 0.5, Throughput: 1},
	}

	thresholds := ComputeThresholds(samples, now)

	assert.Equal(t, 100.0, thresholds.LatencyMs[Window24h].P95)
	assert.Equal(t, 1000.0, thresholds.LatencyMs[Window7d].P95)
	assert.Equal(t, 1000.0, thresholds.LatencyMs[Window30d].P95)
}

func TestComputeThresholds_Percentiles(t *testing.T) {
	now := time.Now()
	var samples []MetricSample
	for i := 1; i <= 100; i++ {
		samples = append(samples, MetricSample{
			Timestamp: now.Add(-time.Minute),
			LatencyMs: float64(i),
		})
	}

	thresholds := ComputeThresholds(samples, now)

	// Index floor(0.95*99)=94 -> value 95; floor(0.99*99)=98 -> value 99.
	assert.Equal(t, 95.0, thresholds.LatencyMs[Window24h].P95)
	assert.Equal(t, 99.0, thresholds.LatencyMs[Window24h].P99)
}

func TestDetectAnomaly_ZeroThresholds(t *testing.T) {
	thresholds := ComputeThresholds(nil, time.Now())

	result := DetectAnomaly(500, 0.9, 1000, thresholds)

	assert.Equal(t, 0.0, result.AnomalyScore)
	assert.False(t, result.IsAnomalous)
}

func TestDetectAnomaly_ExtremeValue(t *testing.T) {
	now := time.Now()
	var samples []MetricSample
	for i := 0; i < 50; i++ {
		samples = append(samples, MetricSample{
			Timestamp:  now.Add(-time.Duration(i) * time.Minute),
			LatencyMs:  100 + float64(i%10),
			ErrorRate:  0.01,
			Throughput: 50,
		})
	}
	thresholds := ComputeThresholds(samples, now)

	// Far beyond every p99/three-sigma bound in every window.
	result := DetectAnomaly(100000, 1.0, 100000, thresholds)

	assert.Equal(t, 1.0, result.AnomalyScore)
	assert.True(t, result.IsAnomalous)
	assert.Equal(t, 1.0, result.MetricScores[MetricLatencyMs])
}

func TestDetectAnomaly_ValueBelowBase(t *testing.T) {
	now := time.Now()
	var samples []MetricSample
	for i := 0; i < 20; i++ {
		samples = append(samples, MetricSample{
			Timestamp:  now.Add(-time.Duration(i) * time.Minute),
			LatencyMs:  100 + float64(i),
			ErrorRate:  0.02,
			Throughput: 40,
		})
	}
	thresholds := ComputeThresholds(samples, now)

	result := DetectAnomaly(50, 0.001, 1, thresholds)

	assert.Equal(t, 0.0, result.AnomalyScore)
	assert.False(t, result.IsAnomalous)
}

func TestDetectAnomaly_NormalTraffic(t *testing.T) {
	now := time.Now()
	samples := []MetricSample{
		{Timestamp: now.Add(-1 * time.Minute), LatencyMs: 100, ErrorRate: 0.01, Throughput: 50},
		{Timestamp: now.Add(-2 * time.Minute), LatencyMs: 102, ErrorRate: 0.02, Throughput: 48},
		{Timestamp: now.Add(-3 * time.Minute), LatencyMs: 98, ErrorRate: 0.015, Throughput: 52},
		{Timestamp: now.Add(-4 * time.Minute), LatencyMs: 101, ErrorRate: 0.012, Throughput: 49},
	}

	thresholds := ComputeThresholds(samples, now)

	assert.Greater(t, thresholds.LatencyMs[Window24h].P95, 0.0)
	assert.Greater(t, thresholds.ErrorRate[Window24h].P95, 0.0)
	assert.Greater(t, thresholds.Throughput[Window24h].P95, 0.0)

	result := DetectAnomaly(100, 0.015, 50, thresholds)

	assert.Less(t, result.AnomalyScore, AnomalousScoreThreshold)
	assert.False(t, result.IsAnomalous)
}

func TestDetectAnomaly_ScoreRounding(t *testing.T) {
	thresholds := MetricThresholds{
		LatencyMs: map[string]WindowThresholds{
			Window24h: {P95: 100, P99: 400, TwoSigma: 100, ThreeSigma: 400},
			Window7d:  {},
			Window30d: {},
		},
		ErrorRate:  map[string]WindowThresholds{Window24h: {}, Window7d: {}, Window30d: {}},
		Throughput: map[string]WindowThresholds{Window24h: {}, Window7d: {}, Window30d: {}},
	}

	// (200-100)/(400-100) = 0.3333...
	result := DetectAnomaly(200, 0, 0, thresholds)

	assert.Equal(t, 0.3333, result.AnomalyScore)
	assert.False(t, result.IsAnomalous)
}
