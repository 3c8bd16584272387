// Package domain defines the typed identifiers shared across feature
// packages. Each ID is a distinct type over uuid.UUID so the compiler
// rejects cross-type assignment (a CredentialID can never be passed where
// an InstitutionID is expected).
package domain

import (
	"github.com/google/uuid"

	dErrors "civid/pkg/domain-errors"
)

// UserID identifies a principal (resident, staff, admin).
type UserID uuid.UUID

// InstitutionID identifies an issuing institution.
type InstitutionID uuid.UUID

// CredentialID identifies an institutional ID record.
type CredentialID uuid.UUID

// UpdateRequestID identifies a profile update request.
type UpdateRequestID uuid.UUID

func (id UserID) String() string          { return uuid.UUID(id).String() }
func (id InstitutionID) String() string   { return uuid.UUID(id).String() }
func (id CredentialID) String() string    { return uuid.UUID(id).String() }
func (id UpdateRequestID) String() string { return uuid.UUID(id).String() }

func (id UserID) IsNil() bool          { return uuid.UUID(id) == uuid.Nil }
func (id InstitutionID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id CredentialID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id UpdateRequestID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// The named types do not inherit uuid.UUID's text marshalling, so each one
// implements it explicitly. Without these, JSON encoding would emit the
// raw 16-byte array instead of the canonical string form.

func (id UserID) MarshalText() ([]byte, error)          { return uuid.UUID(id).MarshalText() }
func (id InstitutionID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }
func (id CredentialID) MarshalText() ([]byte, error)    { return uuid.UUID(id).MarshalText() }
func (id UpdateRequestID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *UserID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = UserID(u)
	return nil
}

func (id *InstitutionID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = InstitutionID(u)
	return nil
}

func (id *CredentialID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = CredentialID(u)
	return nil
}

func (id *UpdateRequestID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = UpdateRequestID(u)
	return nil
}

// NewUserID generates a fresh random user ID.
func NewUserID() UserID { return UserID(uuid.New()) }

// NewInstitutionID generates a fresh random institution ID.
func NewInstitutionID() InstitutionID { return InstitutionID(uuid.New()) }

// NewCredentialID generates a fresh random credential ID.
func NewCredentialID() CredentialID { return CredentialID(uuid.New()) }

// NewUpdateRequestID generates a fresh random update request ID.
func NewUpdateRequestID() UpdateRequestID { return UpdateRequestID(uuid.New()) }

// parseUUID enforces the trust-boundary invariant: IDs must be valid,
// non-empty, non-nil UUIDs. All typed parsers funnel through here.
func parseUUID(s, kind string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" id cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind+" id")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" id cannot be nil")
	}
	return u, nil
}

// ParseUserID parses and validates a user ID from its string form.
func ParseUserID(s string) (UserID, error) {
	u, err := parseUUID(s, "user")
	if err != nil {
		return UserID{}, err
	}
	return UserID(u), nil
}

// ParseInstitutionID parses and validates an institution ID from its string form.
func ParseInstitutionID(s string) (InstitutionID, error) {
	u, err := parseUUID(s, "institution")
	if err != nil {
		return InstitutionID{}, err
	}
	return InstitutionID(u), nil
}

// ParseCredentialID parses and validates a credential ID from its string form.
func ParseCredentialID(s string) (CredentialID, error) {
	u, err := parseUUID(s, "credential")
	if err != nil {
		return CredentialID{}, err
	}
	return CredentialID(u), nil
}

// ParseUpdateRequestID parses and validates an update request ID from its string form.
func ParseUpdateRequestID(s string) (UpdateRequestID, error) {
	u, err := parseUUID(s, "update request")
	if err != nil {
		return UpdateRequestID{}, err
	}
	return UpdateRequestID(u), nil
}
