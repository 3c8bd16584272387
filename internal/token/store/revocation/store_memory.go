package revocation

import (
	"context"
	"sync"
	"time"
)

// MemoryList is an in-process revocation list for tests and single-node
// development. Expired entries are dropped lazily on lookup.
type MemoryList struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	clock   func() time.Time
}

// MemoryOption configures a MemoryList.
type MemoryOption func(*MemoryList)

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) MemoryOption {
	return func(l *MemoryList) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewMemory constructs an in-memory revocation list.
func NewMemory(opts ...MemoryOption) *MemoryList {
	l := &MemoryList{
		entries: make(map[string]time.Time),
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Revoke records the JTI until its expiry.
func (l *MemoryList) Revoke(_ context.Context, jti string, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	if jti == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[jti] = l.clock().Add(ttl)
	return nil
}

// IsRevoked reports membership, pruning the entry when its TTL has lapsed.
func (l *MemoryList) IsRevoked(_ context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	expiry, ok := l.entries[jti]
	if !ok {
		return false, nil
	}
	if l.clock().After(expiry) {
		delete(l.entries, jti)
		return false, nil
	}
	return true, nil
}
