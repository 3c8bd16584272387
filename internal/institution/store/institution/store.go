// Package institution provides persistence for issuing institutions.
package institution

import (
	"context"

	"civid/internal/institution/models"
	id "civid/pkg/domain"
)

// Store persists institutions. Implementations return sentinel.ErrNotFound
// for missing records and sentinel.ErrConflict on duplicate names.
type Store interface {
	Create(ctx context.Context, inst *models.Institution) error
	FindByID(ctx context.Context, instID id.InstitutionID) (*models.Institution, error)
	List(ctx context.Context) ([]*models.Institution, error)
	Update(ctx context.Context, inst *models.Institution) error
}
