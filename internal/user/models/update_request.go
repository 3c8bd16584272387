package models

import (
	"time"

	id "civid/pkg/domain"
	dErrors "civid/pkg/domain-errors"
)

// RequestStatus is the review state of a profile update request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// Updatable profile fields a resident may request to change.
var updatableFields = map[string]struct{}{
	"full_name": {},
	"email":     {},
}

// UpdateRequest is a resident's request to change profile fields, held
// for admin review. At most one pending request per user.
type UpdateRequest struct {
	ID         id.UpdateRequestID `json:"id"`
	UserID     id.UserID          `json:"user_id"`
	Fields     map[string]string  `json:"fields"`
	Status     RequestStatus      `json:"status"`
	ReviewedBy *id.UserID         `json:"reviewed_by,omitempty"`
	ReviewNote string             `json:"review_note,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	ReviewedAt *time.Time         `json:"reviewed_at,omitempty"`
}

// Validate checks the requested field names.
func (r *UpdateRequest) Validate() error {
	if len(r.Fields) == 0 {
		return dErrors.New(dErrors.CodeValidation, "no fields to update")
	}
	for field := range r.Fields {
		if _, ok := updatableFields[field]; !ok {
			return dErrors.New(dErrors.CodeValidation, "field cannot be updated: "+field)
		}
	}
	return nil
}

// IsPending reports whether the request still awaits review.
func (r *UpdateRequest) IsPending() bool {
	return r.Status == RequestPending
}

// Review resolves the request. Only pending requests can be reviewed.
func (r *UpdateRequest) Review(approve bool, reviewer id.UserID, note string, now time.Time) error {
	if !r.IsPending() {
		return dErrors.New(dErrors.CodeConflict, "request is already reviewed")
	}
	if approve {
		r.Status = RequestApproved
	} else {
		r.Status = RequestRejected
	}
	r.ReviewedBy = &reviewer
	r.ReviewNote = note
	r.ReviewedAt = &now
	return nil
}
