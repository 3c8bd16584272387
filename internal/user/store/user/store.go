// Package user provides persistence for accounts and update requests.
package user

import (
	"context"

	"civid/internal/user/models"
	id "civid/pkg/domain"
)

// ListFilter narrows List results. Zero values mean "no constraint".
type ListFilter struct {
	InstitutionID id.InstitutionID
	Role          string
	Status        models.Status
	Limit         int
	Offset        int
}

// Store persists users. Implementations return sentinel.ErrNotFound for
// missing records and sentinel.ErrConflict on duplicate username or email.
type Store interface {
	Create(ctx context.Context, u *models.User) error
	FindByID(ctx context.Context, userID id.UserID) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	List(ctx context.Context, filter ListFilter) ([]*models.User, error)
	Update(ctx context.Context, u *models.User) error

	// SuspendInstitutionalAdmins bulk-suspends active institutional admin
	// accounts of one institution and returns how many were affected.
	SuspendInstitutionalAdmins(ctx context.Context, instID id.InstitutionID) (int, error)
}

// RequestStore persists profile update requests.
type RequestStore interface {
	Create(ctx context.Context, req *models.UpdateRequest) error
	FindByID(ctx context.Context, reqID id.UpdateRequestID) (*models.UpdateRequest, error)
	FindPendingByUser(ctx context.Context, userID id.UserID) (*models.UpdateRequest, error)
	List(ctx context.Context, status models.RequestStatus) ([]*models.UpdateRequest, error)
	ListByUser(ctx context.Context, userID id.UserID) ([]*models.UpdateRequest, error)
	Update(ctx context.Context, req *models.UpdateRequest) error
}
