package user

import (
	"context"
	"sort"
	"sync"
	"time"

	"civid/internal/user/models"
	id "civid/pkg/domain"
	"civid/pkg/platform/sentinel"
)

// MemoryStore is the in-process user store used by unit tests.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[id.UserID]*models.User
}

// NewMemory constructs an empty in-memory user store.
func NewMemory() *MemoryStore {
	return &MemoryStore{users: make(map[id.UserID]*models.User)}
}

func copyUser(u *models.User) *models.User {
	out := *u
	out.Roles = append([]string(nil), u.Roles...)
	if u.InstitutionalIDs != nil {
		out.InstitutionalIDs = make(map[string]models.IDSummary, len(u.InstitutionalIDs))
		for k, v := range u.InstitutionalIDs {
			out.InstitutionalIDs[k] = v
		}
	}
	return &out
}

func (s *MemoryStore) Create(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[u.ID]; exists {
		return sentinel.ErrConflict
	}
	for _, existing := range s.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return sentinel.ErrConflict
		}
	}
	s.users[u.ID] = copyUser(u)
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, userID id.UserID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyUser(u), nil
}

func (s *MemoryStore) FindByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			return copyUser(u), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.User
	for _, u := range s.users {
		if !filter.InstitutionID.IsNil() && u.Institution != filter.InstitutionID {
			continue
		}
		if filter.Role != "" && !u.HasRole(filter.Role) {
			continue
		}
		if filter.Status != "" && u.Status != filter.Status {
			continue
		}
		out = append(out, copyUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

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

func (s *MemoryStore) Update(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.users[u.ID] = copyUser(u)
	return nil
}

func (s *MemoryStore) SuspendInstitutionalAdmins(_ context.Context, instID id.InstitutionID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	suspended := 0
	now := time.Now()
	for _, u := range s.users {
		if u.Institution == instID && u.HasRole("institutional_admin") && u.Status == models.StatusActive {
			u.Status = models.StatusSuspended
			u.UpdatedAt = now
			suspended++
		}
	}
	return suspended, nil
}

// MemoryRequestStore is the in-process update request store.
type MemoryRequestStore struct {
	mu   sync.RWMutex
	reqs map[id.UpdateRequestID]*models.UpdateRequest
}

// NewMemoryRequests constructs an empty in-memory request store.
func NewMemoryRequests() *MemoryRequestStore {
	return &MemoryRequestStore{reqs: make(map[id.UpdateRequestID]*models.UpdateRequest)}
}

func copyRequest(r *models.UpdateRequest) *models.UpdateRequest {
	out := *r
	if r.Fields != nil {
		out.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return &out
}

func (s *MemoryRequestStore) Create(_ context.Context, req *models.UpdateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reqs[req.ID]; exists {
		return sentinel.ErrConflict
	}
	for _, existing := range s.reqs {
		if existing.UserID == req.UserID && existing.IsPending() {
			return sentinel.ErrConflict
		}
	}
	s.reqs[req.ID] = copyRequest(req)
	return nil
}

func (s *MemoryRequestStore) FindByID(_ context.Context, reqID id.UpdateRequestID) (*models.UpdateRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reqs[reqID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyRequest(r), nil
}

func (s *MemoryRequestStore) FindPendingByUser(_ context.Context, userID id.UserID) (*models.UpdateRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.reqs {
		if r.UserID == userID && r.IsPending() {
			return copyRequest(r), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *MemoryRequestStore) List(_ context.Context, status models.RequestStatus) ([]*models.UpdateRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.UpdateRequest
	for _, r := range s.reqs {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, copyRequest(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryRequestStore) ListByUser(_ context.Context, userID id.UserID) ([]*models.UpdateRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.UpdateRequest
	for _, r := range s.reqs {
		if r.UserID == userID {
			out = append(out, copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryRequestStore) Update(_ context.Context, req *models.UpdateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reqs[req.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.reqs[req.ID] = copyRequest(req)
	return nil
}
