// Package audit captures administrative and security-relevant actions.
// Events are appended inside the same transaction as the action they
// describe, so the trail never shows an action that did not happen.
package audit

import (
	"time"

	id "civid/pkg/domain"
)

// Action names the operation being audited.
type Action string

const (
	// Auth events
	ActionLoginSucceeded Action = "login_succeeded"
	ActionLoginFailed    Action = "login_failed"
	ActionTokenRevoked   Action = "token_revoked"

	// User events
	ActionUserRegistered        Action = "user_registered"
	ActionUserDeactivated       Action = "user_deactivated"
	ActionRolesAssigned         Action = "roles_assigned"
	ActionUpdateRequested       Action = "update_requested"
	ActionUpdateRequestReviewed Action = "update_request_reviewed"

	// Institution events
	ActionInstitutionCreated     Action = "institution_created"
	ActionInstitutionDeactivated Action = "institution_deactivated"
	ActionInstitutionReactivated Action = "institution_reactivated"

	// Credential events
	ActionIDIssued        Action = "id_issued"
	ActionIDUpdated       Action = "id_updated"
	ActionIDStatusChanged Action = "id_status_changed"
	ActionIDRevoked       Action = "id_revoked"
)

// Event is one audit trail entry. ActorID is who performed the action;
// SubjectID is who or what it was performed on.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   id.UserID `json:"actor_id"`
	Action    Action    `json:"action"`
	SubjectID string    `json:"subject_id,omitempty"`
	Decision  string    `json:"decision,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}
