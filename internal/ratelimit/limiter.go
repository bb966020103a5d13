package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/egressguard/egressguard/internal/monitoring"
	"github.com/egressguard/egressguard/internal/utils"
)

// Strategy selects the admission algorithm for a limit entry.
type Strategy string

const (
	StrategyTokenBucket   Strategy = "token_bucket"
	StrategySlidingWindow Strategy = "sliding_window"
)

// CallerClass distinguishes authenticated from anonymous callers; each class
// can carry its own limits.
type CallerClass string

const (
	CallerAnonymous     CallerClass = "anonymous"
	CallerAuthenticated CallerClass = "authenticated"
)

// WildcardEndpoint matches any endpoint without an exact limit entry.
const WildcardEndpoint = "*"

// LimitConfig describes one admission limit: Requests per Window using the
// given strategy.
type LimitConfig struct {
	Requests int
	Window   time.Duration
	Strategy Strategy
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Error is returned when a check rejects the call. RetryAfter tells the
// caller when a retry can succeed; the rejection is always recoverable.
type Error struct {
	RetryAfter time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Format(time.RFC3339))
}

// Limiter performs admission control keyed by endpoint, caller class, and
// identifier, against a pluggable TTL storage.
type Limiter struct {
	storage      Storage
	limits       map[string]map[CallerClass]LimitConfig
	defaultLimit LimitConfig
	logger       *slog.Logger
	metrics      *monitoring.Metrics
}

func NewLimiter(
	storage Storage,
	limits map[string]map[CallerClass]LimitConfig,
	defaultLimit LimitConfig,
	logger *slog.Logger,
	metrics *monitoring.Metrics,
) *Limiter {
	if limits == nil {
		limits = make(map[string]map[CallerClass]LimitConfig)
	}
	if defaultLimit.Strategy == "" {
		defaultLimit.Strategy = StrategyTokenBucket
	}

	return &Limiter{
		storage:      storage,
		limits:       limits,
		defaultLimit: defaultLimit,
		logger:       logger,
		metrics:      metrics,
	}
}

// buildKey joins endpoint, caller class, and identifier into the storage key.
func buildKey(endpoint string, class CallerClass, identifier string) string {
	if identifier == "" {
		identifier = string(CallerAnonymous)
	}
	return fmt.Sprintf("rl:%s:%s:%s", endpoint, class, identifier)
}

// resolveLimit looks up the limit: exact (endpoint, class) entry, then the
// wildcard endpoint for that class, then the configured default.
func (l *Limiter) resolveLimit(endpoint string, class CallerClass) LimitConfig {
	if endpointLimits, ok := l.limits[endpoint]; ok {
		if limit, ok := endpointLimits[class]; ok {
			return limit
		}
	}
	if wildcardLimits, ok := l.limits[WildcardEndpoint]; ok {
		if limit, ok := wildcardLimits[class]; ok {
			return limit
		}
	}
	return l.defaultLimit
}

// Check admits or rejects one call. A zero now uses the current clock.
// Rejections return the partial Result together with a *Error carrying the
// retry-after hint.
func (l *Limiter) Check(endpoint string, class CallerClass, identifier string, now time.Time) (Result, error) {
	if now.IsZero() {
		now = utils.NowUTC()
	}

	key := buildKey(endpoint, class, identifier)
	limit := l.resolveLimit(endpoint, class)

	var result Result
	switch limit.Strategy {
	case StrategySlidingWindow:
		result = l.checkSlidingWindow(key, limit, now)
	default:
		result = l.checkTokenBucket(key, limit, now)
	}

	logIdentifier := identifier
	if logIdentifier == "" {
		logIdentifier = string(CallerAnonymous)
	}
	l.logger.Info("Rate limit check",
		"endpoint", endpoint,
		"caller_class", class,
		"identifier", logIdentifier,
		"strategy", limit.Strategy,
		"allowed", result.Allowed,
		"remaining", result.Remaining,
	)
	l.metrics.RecordRateLimitDecision(endpoint, string(limit.Strategy), result.Allowed)

	if !result.Allowed {
		return result, &Error{RetryAfter: result.ResetAt}
	}
	return result, nil
}

// bucketState is the persisted token bucket: tokens plus the last refill
// time as fractional unix seconds.
type bucketState struct {
	Tokens float64 `json:"tokens"`
	Last   float64 `json:"last"`
}

func (l *Limiter) checkTokenBucket(key string, limit LimitConfig, now time.Time) Result {
	capacity := float64(limit.Requests)
	refillRate := capacity / limit.Window.Seconds()
	nowSec := unixSeconds(now)

	raw, ok := l.storage.Get(key)
	if !ok {
		// Seed the bucket, charging the current call.
		tokens := capacity - 1
		l.saveBucket(key, bucketState{Tokens: tokens, Last: nowSec}, limit.Window)
		return Result{
			Allowed:   true,
			Remaining: int(tokens),
			ResetAt:   now.Add(limit.Window),
		}
	}

	var state bucketState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		// Corrupt state is discarded and the bucket reseeded.
		l.logger.Error("Discarding corrupt token bucket state", "key", key, "error", err)
		tokens := capacity - 1
		l.saveBucket(key, bucketState{Tokens: tokens, Last: nowSec}, limit.Window)
		return Result{
			Allowed:   true,
			Remaining: int(tokens),
			ResetAt:   now.Add(limit.Window),
		}
	}

	elapsed := math.Max(0, nowSec-state.Last)
	tokens := math.Min(capacity, state.Tokens+elapsed*refillRate)

	if tokens < 1 {
		retryAfter := durationSeconds((1 - tokens) / refillRate)
		l.saveBucket(key, bucketState{Tokens: tokens, Last: nowSec}, limit.Window)
		return Result{
			Allowed:   false,
			Remaining: int(tokens),
			ResetAt:   now.Add(retryAfter),
		}
	}

	tokens--
	l.saveBucket(key, bucketState{Tokens: tokens, Last: nowSec}, limit.Window)
	return Result{
		Allowed:   true,
		Remaining: int(tokens),
		ResetAt:   now.Add(durationSeconds((capacity - tokens) / refillRate)),
	}
}

func (l *Limiter) saveBucket(key string, state bucketState, ttl time.Duration) {
	data, err := json.Marshal(state)
	if err != nil {
		l.logger.Error("Failed to encode token bucket state", "key", key, "error", err)
		return
	}
	l.storage.Set(key, string(data), ttl)
}

func (l *Limiter) checkSlidingWindow(key string, limit LimitConfig, now time.Time) Result {
	nowSec := unixSeconds(now)
	windowStart := nowSec - limit.Window.Seconds()

	var timestamps []float64
	if raw, ok := l.storage.Get(key); ok {
		if err := json.Unmarshal([]byte(raw), &timestamps); err != nil {
			l.logger.Error("Discarding corrupt sliding window state", "key", key, "error", err)
			timestamps = nil
		}
	}

	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts >= windowStart {
			kept = append(kept, ts)
		}
	}
	// The current request is recorded even when rejected, so a sustained
	// burst keeps sliding the window forward.
	kept = append(kept, nowSec)

	data, err := json.Marshal(kept)
	if err != nil {
		l.logger.Error("Failed to encode sliding window state", "key", key, "error", err)
	} else {
		l.storage.Set(key, string(data), limit.Window)
	}

	used := len(kept)
	if used > limit.Requests {
		oldest := kept[0]
		for _, ts := range kept[1:] {
			if ts < oldest {
				oldest = ts
			}
		}
		return Result{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   secondsToTime(oldest + limit.Window.Seconds()),
		}
	}

	remaining := limit.Requests - used
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   secondsToTime(windowStart + limit.Window.Seconds()),
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func secondsToTime(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second))).UTC()
}

func durationSeconds(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
