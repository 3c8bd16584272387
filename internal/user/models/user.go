// Package models defines user accounts and profile update requests.
package models

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	id "civid/pkg/domain"
	dErrors "civid/pkg/domain-errors"
)

// Status is the account state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusInactive  Status = "inactive"
)

// User is an account in the identity platform. Residents hold IDs;
// staff and institutional admins act on behalf of an institution.
type User struct {
	ID           id.UserID        `json:"id"`
	Username     string           `json:"username"`
	Email        string           `json:"email"`
	PasswordHash string           `json:"-"`
	FullName     string           `json:"full_name"`
	Roles        []string         `json:"roles"`
	Institution  id.InstitutionID `json:"institution_id,omitempty"`
	Status       Status           `json:"status"`

	// InstitutionalIDs is the denormalized summary of the user's IDs,
	// keyed by "<institution_id>:<id_type>". It is maintained by the
	// propagator, not by user writes.
	InstitutionalIDs map[string]IDSummary `json:"institutional_ids,omitempty"`

	LastLogin *time.Time `json:"last_login,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IDSummary is the propagated view of one institutional ID.
type IDSummary struct {
	InstitutionID string    `json:"institution_id"`
	IDType        string    `json:"id_type"`
	IDNumber      string    `json:"id_number"`
	Status        string    `json:"status"`
	ValidUntil    time.Time `json:"valid_until"`
}

// SummaryKey builds the InstitutionalIDs map key.
func SummaryKey(institutionID, idType string) string {
	return institutionID + ":" + idType
}

// IsActive reports whether the account may authenticate and hold new IDs.
func (u *User) IsActive() bool {
	return u.Status == StatusActive
}

// HasRole reports whether the user carries the named role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// SetPassword hashes and stores the password.
func (u *User) SetPassword(password string) error {
	if len(password) < 8 {
		return dErrors.New(dErrors.CodeValidation, "password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "hash password")
	}
	u.PasswordHash = string(hash)
	return nil
}

// CheckPassword compares the candidate against the stored hash.
func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// Validate checks the registration invariants.
func (u *User) Validate() error {
	if u.Username == "" {
		return dErrors.New(dErrors.CodeValidation, "username is required")
	}
	if u.Email == "" || !strings.Contains(u.Email, "@") {
		return dErrors.New(dErrors.CodeValidation, "a valid email is required")
	}
	if len(u.Roles) == 0 {
		return dErrors.New(dErrors.CodeValidation, "at least one role is required")
	}
	return nil
}
