// Package models defines the institutional ID aggregate and its history.
package models

import (
	"time"

	id "civid/pkg/domain"
	dErrors "civid/pkg/domain-errors"
)

// Status is the lifecycle state of an institutional ID.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
	StatusExpired   Status = "expired"
)

// IsValid reports whether the status is one of the defined states.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusRevoked, StatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusRevoked || s == StatusExpired
}

// CanTransitionTo encodes the forward-only lifecycle:
// active → suspended → revoked, or active → revoked directly.
// Revoked and expired are terminal; there is no path back to active.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusActive:
		return next == StatusSuspended || next == StatusRevoked
	case StatusSuspended:
		return next == StatusRevoked
	default:
		return false
	}
}

// Credential is the institutional/digital ID aggregate root.
//
// Invariants:
//   - At most one *active* credential per (owner, institution, id_type)
//   - IDNumber unique within (institution, id_type) among active records
//   - Status transitions are forward-only; revoked and expired are immutable
//   - Every status change appends exactly one HistoryEntry atomically
type Credential struct {
	ID               id.CredentialID   `json:"id"`
	OwnerID          id.UserID         `json:"owner_id"`
	InstitutionID    id.InstitutionID  `json:"institution_id"`
	IDType           string            `json:"id_type"`
	IDNumber         string            `json:"id_number"`
	Status           Status            `json:"status"`
	ValidFrom        time.Time         `json:"valid_from"`
	ValidUntil       time.Time         `json:"valid_until"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedBy        id.UserID         `json:"created_by"`
	RevokedBy        *id.UserID        `json:"revoked_by,omitempty"`
	RevokedAt        *time.Time        `json:"revoked_at,omitempty"`
	RevocationReason string            `json:"revocation_reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// EffectiveStatus derives the read-time status: a stored active credential
// whose validity window has passed reads as expired. Expiry is never
// written back by reads; it is a derived view.
func (c *Credential) EffectiveStatus(now time.Time) Status {
	if c.Status == StatusActive && !c.ValidUntil.IsZero() && now.After(c.ValidUntil) {
		return StatusExpired
	}
	return c.Status
}

// CanUpdateFields reports whether non-status fields may still change.
// Once the credential reads as revoked or expired it is immutable.
func (c *Credential) CanUpdateFields(now time.Time) error {
	if c.EffectiveStatus(now).IsTerminal() {
		return dErrors.New(dErrors.CodeInvariantViolation, "credential is immutable in status "+string(c.EffectiveStatus(now)))
	}
	return nil
}

// CanTransition validates a status change request against the effective
// state at the given time.
func (c *Credential) CanTransition(next Status, now time.Time) error {
	if !next.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "invalid status: "+string(next))
	}
	current := c.EffectiveStatus(now)
	if !current.CanTransitionTo(next) {
		return dErrors.New(dErrors.CodeInvariantViolation,
			"cannot transition from "+string(current)+" to "+string(next))
	}
	return nil
}

// ApplyTransition mutates the status and stamps revocation fields when the
// target state is revoked. Call CanTransition first.
func (c *Credential) ApplyTransition(next Status, actor id.UserID, reason string, now time.Time) {
	c.Status = next
	c.UpdatedAt = now
	if next == StatusRevoked {
		c.RevokedBy = &actor
		c.RevokedAt = &now
		c.RevocationReason = reason
	}
}

// HistoryEntry is the append-only record of one status transition. Entries
// are never mutated or deleted and belong exclusively to their credential.
type HistoryEntry struct {
	ID           int64           `json:"id"`
	CredentialID id.CredentialID `json:"credential_id"`
	OldStatus    Status          `json:"old_status"`
	NewStatus    Status          `json:"new_status"`
	ChangedBy    id.UserID       `json:"changed_by"`
	Reason       string          `json:"reason"`
	ChangedAt    time.Time       `json:"changed_at"`
}

// Summary is the denormalized view pushed into the owner's profile by the
// propagator.
type Summary struct {
	InstitutionID id.InstitutionID `json:"institution_id"`
	IDType        string           `json:"id_type"`
	IDNumber      string           `json:"id_number"`
	Status        Status           `json:"status"`
	ValidUntil    time.Time        `json:"valid_until"`
}

// Summarize builds the propagation summary for the credential.
func (c *Credential) Summarize() Summary {
	return Summary{
		InstitutionID: c.InstitutionID,
		IDType:        c.IDType,
		IDNumber:      c.IDNumber,
		Status:        c.Status,
		ValidUntil:    c.ValidUntil,
	}
}
