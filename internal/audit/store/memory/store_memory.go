// Package memory provides the in-process audit store used by unit tests.
package memory

import (
	"context"
	"sync"

	"civid/internal/audit"
)

type Store struct {
	mu     sync.RWMutex
	events []audit.Event
	nextID int64
}

func New() *Store {
	return &Store{nextID: 1}
}

func (s *Store) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = s.nextID
	s.nextID++
	s.events = append(s.events, event)
	return nil
}

// List returns matching events, newest first.
func (s *Store) List(_ context.Context, filter audit.ListFilter) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []audit.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if !filter.ActorID.IsNil() && e.ActorID != filter.ActorID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		out = append(out, e)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Clear drops all stored events. Test helper.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.nextID = 1
}
