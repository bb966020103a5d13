package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 2 * time.Second

// RedisStorage backs the limiter with Redis, using per-key TTLs via SETEX
// semantics. Backend errors are logged and reported as misses, so a Redis
// outage fails open rather than blocking all traffic.
type RedisStorage struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisStorage(client *redis.Client, logger *slog.Logger) *RedisStorage {
	return &RedisStorage{
		client: client,
		logger: logger,
	}
}

// NewRedisStorageFromURL parses a redis:// URL and builds a storage over it.
func NewRedisStorageFromURL(url string, logger *slog.Logger) (*RedisStorage, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisStorage(redis.NewClient(opts), logger), nil
}

func (s *RedisStorage) Get(key string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	value, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Error("Redis rate limit read failed", "key", key, "error", err)
		}
		return "", false
	}
	return value, true
}

func (s *RedisStorage) Set(key string, value string, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := s.client.SetEx(ctx, key, value, ttl).Err(); err != nil {
		s.logger.Error("Redis rate limit write failed", "key", key, "error", err)
	}
}
