// Package models defines issuing institutions.
package models

import (
	"time"

	id "civid/pkg/domain"
	dErrors "civid/pkg/domain-errors"
)

// Status is the operational state of an institution.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Institution is an organization allowed to issue institutional IDs.
// Inactive institutions keep their records but cannot issue new IDs, and
// their institutional admins are suspended on deactivation.
type Institution struct {
	ID           id.InstitutionID `json:"id"`
	Name         string           `json:"name"`
	Kind         string           `json:"kind"`
	ContactEmail string           `json:"contact_email"`
	Status       Status           `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// IsActive reports whether the institution may issue IDs.
func (i *Institution) IsActive() bool {
	return i.Status == StatusActive
}

// Validate checks the required fields.
func (i *Institution) Validate() error {
	if i.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "name is required")
	}
	if i.Kind == "" {
		return dErrors.New(dErrors.CodeValidation, "kind is required")
	}
	return nil
}
