package recalibrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/egressguard/egressguard/internal/anomaly"
)

// MetricsSource provides historical samples for recalibration. Ordering is
// not required and an empty result is valid. Pagination and backoff against
// a concrete backend are the implementation's responsibility.
type MetricsSource interface {
	FetchSamples(since time.Duration, now time.Time) ([]anomaly.MetricSample, error)
}

// MemorySource serves samples from a fixed slice. Used in tests and local
// environments with no telemetry backend.
type MemorySource struct {
	samples []anomaly.MetricSample
}

func NewMemorySource(samples []anomaly.MetricSample) *MemorySource {
	copied := make([]anomaly.MetricSample, len(samples))
	copy(copied, samples)
	return &MemorySource{samples: copied}
}

func (s *MemorySource) FetchSamples(since time.Duration, now time.Time) ([]anomaly.MetricSample, error) {
	cutoff := now.Add(-since)

	var result []anomaly.MetricSample
	for _, sample := range s.samples {
		if sample.Timestamp.Before(cutoff) {
			continue
		}
		result = append(result, sample)
	}
	return result, nil
}

const (
	pgFetchTimeout = 30 * time.Second

	sampleQuery = `
		SELECT ts, latency_ms, error_rate, throughput
		FROM metric_samples
		WHERE ts >= $1
		ORDER BY ts`
)

// PostgresSource reads the sample history from a metric_samples table.
// Rows that fail to scan are skipped so one bad row never aborts a
// recalibration run.
type PostgresSource struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresSource(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresSource, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics source pool: %w", err)
	}

	return &PostgresSource{
		pool:   pool,
		logger: logger,
	}, nil
}

func (s *PostgresSource) FetchSamples(since time.Duration, now time.Time) ([]anomaly.MetricSample, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pgFetchTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, sampleQuery, now.Add(-since))
	if err != nil {
		return nil, fmt.Errorf("failed to query metric samples: %w", err)
	}
	defer rows.Close()

	var samples []anomaly.MetricSample
	for rows.Next() {
		var sample anomaly.MetricSample
		if err := rows.Scan(&sample.Timestamp, &sample.LatencyMs, &sample.ErrorRate, &sample.Throughput); err != nil {
			s.logger.Error("Skipping unreadable metric sample row", "error", err)
			continue
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read metric samples: %w", err)
	}

	return samples, nil
}

// Close releases the underlying connection pool.
func (s *PostgresSource) Close() {
	s.pool.Close()
}
