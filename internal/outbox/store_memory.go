package outbox

import (
	"context"
	"sync"
	"time"
)

// MemoryStore collects events in process. Unit tests assert against the
// pending set instead of running a broker.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemory constructs an empty in-memory outbox.
func NewMemory() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *event
	s.events = append(s.events, &copied)
	return nil
}

// Pending returns unpublished events in append order.
func (s *MemoryStore) Pending() []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events {
		if e.PublishedAt == nil {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out
}

// MarkPublished stamps matching events. Test helper mirroring the relay.
func (s *MemoryStore) MarkPublished(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, e := range s.events {
		for _, want := range ids {
			if e.ID.String() == want {
				e.PublishedAt = &now
			}
		}
	}
}
