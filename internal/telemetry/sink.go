package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/egressguard/egressguard/internal/utils"
)

// Sink receives named observability events with structured payloads.
// Emit is fire-and-forget: implementations must never propagate failures to
// the caller.
type Sink interface {
	Emit(event string, payload map[string]any)
}

// LogSink writes events to the structured logger. This is the default
// backend for local and test environments.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(event string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to encode telemetry payload",
			"event", event,
			"error", err,
		)
		return
	}

	s.logger.Info("Telemetry event",
		"event", event,
		"event_id", uuid.NewString(),
		"payload", string(data),
	)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(string, map[string]any) {}

const redisEmitTimeout = 2 * time.Second

// RedisStreamSink appends events to a Redis stream via XADD. Delivery
// failures are logged and swallowed.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisStreamSink(client *redis.Client, stream string, logger *slog.Logger) *RedisStreamSink {
	return &RedisStreamSink{
		client: client,
		stream: stream,
		logger: logger,
	}
}

func (s *RedisStreamSink) Emit(event string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to encode telemetry payload",
			"event", event,
			"error", err,
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisEmitTimeout)
	defer cancel()

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"event":    event,
			"event_id": uuid.NewString(),
			"payload":  string(data),
			"ts":       utils.NowUTC().UnixMilli(),
		},
	}).Err()
	if err != nil {
		s.logger.Error("Failed to emit telemetry event to redis",
			"event", event,
			"stream", s.stream,
			"error", err,
		)
	}
}
