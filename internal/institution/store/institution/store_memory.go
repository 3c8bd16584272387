package institution

import (
	"context"
	"sort"
	"sync"

	"civid/internal/institution/models"
	id "civid/pkg/domain"
	"civid/pkg/platform/sentinel"
)

// MemoryStore is the in-process institution store used by unit tests.
type MemoryStore struct {
	mu    sync.RWMutex
	insts map[id.InstitutionID]*models.Institution
}

// NewMemory constructs an empty in-memory institution store.
func NewMemory() *MemoryStore {
	return &MemoryStore{insts: make(map[id.InstitutionID]*models.Institution)}
}

func (s *MemoryStore) Create(_ context.Context, inst *models.Institution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.insts[inst.ID]; exists {
		return sentinel.ErrConflict
	}
	for _, existing := range s.insts {
		if existing.Name == inst.Name {
			return sentinel.ErrConflict
		}
	}
	copied := *inst
	s.insts[inst.ID] = &copied
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, instID id.InstitutionID) (*models.Institution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.insts[instID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	copied := *inst
	return &copied, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*models.Institution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Institution, 0, len(s.insts))
	for _, inst := range s.insts {
		copied := *inst
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, inst *models.Institution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.insts[inst.ID]; !ok {
		return sentinel.ErrNotFound
	}
	copied := *inst
	s.insts[inst.ID] = &copied
	return nil
}
