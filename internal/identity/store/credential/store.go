// Package credential provides the persistence ports and implementations
// for institutional ID records and their history.
package credential

import (
	"context"

	"civid/internal/identity/models"
	id "civid/pkg/domain"
)

// ListFilter narrows List results. Zero values mean "no constraint".
type ListFilter struct {
	OwnerID       id.UserID
	InstitutionID id.InstitutionID
	Status        models.Status
	Limit         int
	Offset        int
}

// Store persists credentials. Implementations return sentinel.ErrNotFound
// for missing records and sentinel.ErrConflict when a uniqueness invariant
// would be violated; the unique constraints are the serialization point for
// concurrent issue calls.
type Store interface {
	Create(ctx context.Context, cred *models.Credential) error
	FindByID(ctx context.Context, credID id.CredentialID) (*models.Credential, error)
	FindByNumber(ctx context.Context, instID id.InstitutionID, idNumber string) (*models.Credential, error)
	FindActive(ctx context.Context, owner id.UserID, instID id.InstitutionID, idType string) (*models.Credential, error)
	List(ctx context.Context, filter ListFilter) ([]*models.Credential, error)
	Update(ctx context.Context, cred *models.Credential) error
}

// HistoryStore persists the append-only transition log.
type HistoryStore interface {
	Append(ctx context.Context, entry *models.HistoryEntry) error
	ListByCredential(ctx context.Context, credID id.CredentialID) ([]*models.HistoryEntry, error)
}
