package breaker

import (
	"errors"
	"math"
	"time"

	"github.com/egressguard/egressguard/internal/utils"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting it. Callers can distinguish this synthetic failure from real
// upstream errors with errors.Is.
var ErrCircuitOpen = errors.New("circuit_open")

// State of the breaker state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Snapshot is a read-only view of the breaker's internal state.
type Snapshot struct {
	State         State
	Failures      int
	LastFailureAt time.Time
	NextTryAt     time.Time
}

// Breaker wraps a single logical call site with failure isolation and
// exponential backoff. It holds no internal lock: the intended scope is one
// breaker per call site, and callers sharing one instance across goroutines
// must supply their own mutual exclusion.
type Breaker[T any] struct {
	maxFailures int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	state         State
	failures      int
	lastFailureAt time.Time
	nextTryAt     time.Time

	now func() time.Time
}

// New creates a closed breaker. Non-positive arguments fall back to the
// defaults: 3 failures, 500ms base backoff, 30s max backoff.
func New[T any](maxFailures int, baseBackoff, maxBackoff time.Duration) *Breaker[T] {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if baseBackoff <= 0 {
		baseBackoff = 500 * time.Millisecond
	}
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	return &Breaker[T]{
		maxFailures: maxFailures,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		state:       StateClosed,
		now:         utils.NowUTC,
	}
}

// Execute runs fn under the breaker. While open and before the backoff
// deadline it fails immediately with ErrCircuitOpen without calling fn.
// On success the breaker resets to a fresh closed state; on failure it
// re-arms the backoff and returns the original error unchanged.
func (b *Breaker[T]) Execute(fn func() (T, error)) (T, error) {
	var zero T

	now := b.now()
	if b.state == StateOpen {
		if !b.nextTryAt.IsZero() && now.Before(b.nextTryAt) {
			return zero, ErrCircuitOpen
		}
		b.state = StateHalfOpen
	}

	result, err := fn()
	if err != nil {
		b.failures++
		b.lastFailureAt = now

		backoff := time.Duration(math.Min(
			float64(b.maxBackoff),
			float64(b.baseBackoff)*math.Pow(2, float64(b.failures-1)),
		))
		b.nextTryAt = now.Add(backoff)
		b.state = StateOpen

		return zero, err
	}

	b.state = StateClosed
	b.failures = 0
	b.lastFailureAt = time.Time{}
	b.nextTryAt = time.Time{}

	return result, nil
}

// Snapshot returns a copy of the current breaker state for diagnostics.
func (b *Breaker[T]) Snapshot() Snapshot {
	return Snapshot{
		State:         b.state,
		Failures:      b.failures,
		LastFailureAt: b.lastFailureAt,
		NextTryAt:     b.nextTryAt,
	}
}
