package anomaly

import (
	"math"
	"sort"
	"time"
)

// Metric names tracked by the detector.
const (
	MetricLatencyMs  = "latency_ms"
	MetricErrorRate  = "error_rate"
	MetricThroughput = "throughput"
)

// Window names for threshold computation.
const (
	Window24h = "24h"
	Window7d  = "7d"
	Window30d = "30d"
)

// Windows maps window names to their durations. The window set is fixed:
// thresholds are always computed for all three.
var Windows = map[string]time.Duration{
	Window24h: 24 * time.Hour,
	Window7d:  7 * 24 * time.Hour,
	Window30d: 30 * 24 * time.Hour,
}

// AnomalousScoreThreshold is the overall score at which current metrics are
// flagged as anomalous.
const AnomalousScoreThreshold = 0.7

// MetricSample is a single historical observation. Samples are immutable and
// come from an external metrics source.
type MetricSample struct {
	Timestamp  time.Time
	LatencyMs  float64
	ErrorRate  float64
	Throughput float64
}

// WindowThresholds holds the derived bounds for one (metric, window) pair.
// All fields are zero when the window contained no samples.
type WindowThresholds struct {
	P95        float64
	P99        float64
	TwoSigma   float64
	ThreeSigma float64
}

// MetricThresholds holds per-window thresholds for each tracked metric.
type MetricThresholds struct {
	LatencyMs  map[string]WindowThresholds
	ErrorRate  map[string]WindowThresholds
	Throughput map[string]WindowThresholds
}

// Result is the outcome of scoring current metrics against thresholds.
type Result struct {
	AnomalyScore float64
	IsAnomalous  bool
	MetricScores map[string]float64
}

// percentiles returns the p95/p99 order statistics of values.
// Index selection is floor(q*(n-1)) over the sorted slice.
func percentiles(values []float64) (p95, p99 float64) {
	if len(values) == 0 {
		return 0, 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	p95Index := int(0.95 * float64(n-1))
	p99Index := int(0.99 * float64(n-1))

	return sorted[p95Index], sorted[p99Index]
}

// meanStd returns the population mean and standard deviation of values.
func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	return mean, math.Sqrt(variance)
}

func windowThresholds(values []float64) WindowThresholds {
	p95, p99 := percentiles(values)
	mean, std := meanStd(values)

	return WindowThresholds{
		P95:        p95,
		P99:        p99,
		TwoSigma:   mean + 2*std,
		ThreeSigma: mean + 3*std,
	}
}

// ComputeThresholds derives per-window thresholds for every tracked metric
// from the given sample history. Samples outside a window are ignored for
// that window; an empty window yields all-zero thresholds.
func ComputeThresholds(samples []MetricSample, now time.Time) MetricThresholds {
	thresholds := MetricThresholds{
		LatencyMs:  make(map[string]WindowThresholds, len(Windows)),
		ErrorRate:  make(map[string]WindowThresholds, len(Windows)),
		Throughput: make(map[string]WindowThresholds, len(Windows)),
	}

	for windowName, windowDuration := range Windows {
		cutoff := now.Add(-windowDuration)

		var latencies, errorRates, throughputs []float64
		for _, s := range samples {
			if s.Timestamp.Before(cutoff) {
				continue
			}
			latencies = append(latencies, s.LatencyMs)
			errorRates = append(errorRates, s.ErrorRate)
			throughputs = append(throughputs, s.Throughput)
		}

		thresholds.LatencyMs[windowName] = windowThresholds(latencies)
		thresholds.ErrorRate[windowName] = windowThresholds(errorRates)
		thresholds.Throughput[windowName] = windowThresholds(throughputs)
	}

	return thresholds
}

// scoreValue maps a current value onto [0,1] against one window's bounds.
// Zero thresholds (empty window) never contribute to the score.
func scoreValue(value float64, t WindowThresholds) float64 {
	if t.P95 == 0 && t.P99 == 0 && t.TwoSigma == 0 && t.ThreeSigma == 0 {
		return 0
	}

	base := math.Max(t.P95, t.TwoSigma)
	extreme := math.Max(t.P99, t.ThreeSigma)

	if value <= base {
		return 0
	}
	if value >= extreme {
		return 1
	}
	return (value - base) / (extreme - base)
}

func scoreMetric(value float64, windows map[string]WindowThresholds) float64 {
	score := 0.0
	for name := range Windows {
		if s := scoreValue(value, windows[name]); s > score {
			score = s
		}
	}
	return score
}

// DetectAnomaly scores current latency/error/throughput against thresholds.
// The per-metric score is the max over the three windows; the overall score
// is the max over the three metrics, rounded to 4 decimals.
func DetectAnomaly(currentLatencyMs, currentErrorRate, currentThroughput float64, thresholds MetricThresholds) Result {
	metricScores := map[string]float64{
		MetricLatencyMs:  scoreMetric(currentLatencyMs, thresholds.LatencyMs),
		MetricErrorRate:  scoreMetric(currentErrorRate, thresholds.ErrorRate),
		MetricThroughput: scoreMetric(currentThroughput, thresholds.Throughput),
	}

	score := 0.0
	for _, s := range metricScores {
		if s > score {
			score = s
		}
	}
	score = math.Round(score*10000) / 10000

	return Result{
		AnomalyScore: score,
		IsAnomalous:  score >= AnomalousScoreThreshold,
		MetricScores: metricScores,
	}
}
