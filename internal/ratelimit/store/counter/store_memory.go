package counter

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is an in-process counter store for tests and single-node
// development. Expired buckets are dropped lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	clock   func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMemory constructs an in-memory counter store.
func NewMemory(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*entry),
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) live(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if s.clock().After(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

// Get reads the current count for a key.
func (s *MemoryStore) Get(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return 0, false, nil
	}
	return e.count, true, nil
}

// Seed creates the key with count 1 and the bucket TTL.
func (s *MemoryStore) Seed(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &entry{count: 1, expiresAt: s.clock().Add(ttl)}
	return nil
}

// Incr increments the key and returns the new count. A missing key is
// recreated with no TTL budget left from Seed, matching Redis INCR.
func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		e = &entry{expiresAt: s.clock().Add(60 * time.Second)}
		s.entries[key] = e
	}
	e.count++
	return e.count, nil
}
