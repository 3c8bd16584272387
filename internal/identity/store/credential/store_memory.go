package credential

import (
	"context"
	"sort"
	"sync"
	"time"

	"civid/internal/identity/models"
	id "civid/pkg/domain"
	"civid/pkg/platform/sentinel"
)

// MemoryStore is the in-process credential store used by unit tests and
// single-node development.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[id.CredentialID]*models.Credential
}

// NewMemory constructs an empty in-memory credential store.
func NewMemory() *MemoryStore {
	return &MemoryStore{creds: make(map[id.CredentialID]*models.Credential)}
}

func copyCredential(c *models.Credential) *models.Credential {
	out := *c
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Create inserts a credential, enforcing the active-uniqueness invariants.
func (s *MemoryStore) Create(_ context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.creds[cred.ID]; exists {
		return sentinel.ErrConflict
	}
	for _, existing := range s.creds {
		if existing.Status != models.StatusActive {
			continue
		}
		if existing.InstitutionID == cred.InstitutionID && existing.IDType == cred.IDType {
			if existing.OwnerID == cred.OwnerID || existing.IDNumber == cred.IDNumber {
				return sentinel.ErrConflict
			}
		}
	}
	s.creds[cred.ID] = copyCredential(cred)
	return nil
}

// FindByID returns the credential or sentinel.ErrNotFound.
func (s *MemoryStore) FindByID(_ context.Context, credID id.CredentialID) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[credID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyCredential(c), nil
}

// FindByNumber looks a credential up by its number within an institution.
func (s *MemoryStore) FindByNumber(_ context.Context, instID id.InstitutionID, idNumber string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.creds {
		if c.InstitutionID == instID && c.IDNumber == idNumber {
			return copyCredential(c), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

// FindActive returns the active credential for (owner, institution, type),
// or sentinel.ErrNotFound.
func (s *MemoryStore) FindActive(_ context.Context, owner id.UserID, instID id.InstitutionID, idType string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.creds {
		if c.OwnerID == owner && c.InstitutionID == instID && c.IDType == idType && c.Status == models.StatusActive {
			return copyCredential(c), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

// List returns credentials matching the filter, newest first.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Credential
	for _, c := range s.creds {
		if !filter.OwnerID.IsNil() && c.OwnerID != filter.OwnerID {
			continue
		}
		if !filter.InstitutionID.IsNil() && c.InstitutionID != filter.InstitutionID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, copyCredential(c))
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

// Update replaces the stored credential.
func (s *MemoryStore) Update(_ context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[cred.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.creds[cred.ID] = copyCredential(cred)
	return nil
}

// MemoryHistoryStore is the in-process history log.
type MemoryHistoryStore struct {
	mu      sync.RWMutex
	entries []*models.HistoryEntry
	nextID  int64
}

// NewMemoryHistory constructs an empty in-memory history store.
func NewMemoryHistory() *MemoryHistoryStore {
	return &MemoryHistoryStore{nextID: 1}
}

// Append records a transition entry.
func (s *MemoryHistoryStore) Append(_ context.Context, entry *models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	e.ID = s.nextID
	s.nextID++
	if e.ChangedAt.IsZero() {
		e.ChangedAt = time.Now()
	}
	s.entries = append(s.entries, &e)
	entry.ID = e.ID
	return nil
}

// ListByCredential returns entries for a credential, newest first.
func (s *MemoryHistoryStore) ListByCredential(_ context.Context, credID id.CredentialID) ([]*models.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.HistoryEntry
	for _, e := range s.entries {
		if e.CredentialID == credID {
			copied := *e
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChangedAt.After(out[j].ChangedAt) })
	return out, nil
}
