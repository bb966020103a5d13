package ratelimit

import (
	"sync"
	"time"

	"github.com/egressguard/egressguard/internal/utils"
)

// Storage is the pluggable key-value backend behind the limiter. Entries
// expire after their TTL, so stale keys clean themselves up. Implementations
// must be safe for concurrent callers checking different keys.
type Storage interface {
	Get(key string) (string, bool)
	Set(key string, value string, ttl time.Duration)
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStorage is the reference in-memory backend. Expired entries are
// dropped lazily on read. Internally locked: a single instance is shared by
// every caller of the limiter.
type MemoryStorage struct {
	mu    sync.RWMutex
	store map[string]memoryEntry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		store: make(map[string]memoryEntry),
	}
}

func (s *MemoryStorage) Get(key string) (string, bool) {
	s.mu.RLock()
	entry, ok := s.store[key]
	s.mu.RUnlock()

	if !ok {
		return "", false
	}

	if utils.NowUTC().After(entry.expiresAt) {
		s.mu.Lock()
		// Re-check: another goroutine may have refreshed the key.
		if current, still := s.store[key]; still && utils.NowUTC().After(current.expiresAt) {
			delete(s.store, key)
		}
		s.mu.Unlock()
		return "", false
	}

	return entry.value, true
}

func (s *MemoryStorage) Set(key string, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.store[key] = memoryEntry{
		value:     value,
		expiresAt: utils.NowUTC().Add(ttl),
	}
}

// Len returns the number of stored entries, counting expired ones that have
// not been read yet.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.store)
}
