// Package service implements issuance and lifecycle management of
// institutional IDs.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"civid/internal/audit"
	"civid/internal/identity/models"
	"civid/internal/identity/store/credential"
	"civid/internal/outbox"
	"civid/internal/policy"
	id "civid/pkg/domain"
	dErrors "civid/pkg/domain-errors"
	"civid/pkg/platform/sentinel"
	"civid/pkg/platform/tx"
	"civid/pkg/requestcontext"
)

// Event types published through the outbox for downstream propagation.
const (
	EventIDIssued        = "id.issued"
	EventIDUpdated       = "id.updated"
	EventIDStatusChanged = "id.status_changed"
	EventIDRevoked       = "id.revoked"
)

const aggregateType = "institutional_id"

// changePayload is the outbox body consumed by the propagator. It carries
// everything needed to rebuild the owner's ID summary downstream.
type changePayload struct {
	EventType  string         `json:"event_type"`
	OwnerID    string         `json:"owner_id"`
	Credential models.Summary `json:"credential"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// UserDirectory answers whether an owner can hold IDs.
type UserDirectory interface {
	IsActiveUser(ctx context.Context, userID id.UserID) (bool, error)
}

// InstitutionDirectory answers whether an institution can issue IDs.
type InstitutionDirectory interface {
	IsActiveInstitution(ctx context.Context, instID id.InstitutionID) (bool, error)
}

// Service coordinates credential issuance and lifecycle transitions.
// Status changes, their history entries, outbox events, and audit entries
// commit in a single transaction.
type Service struct {
	creds        credential.Store
	history      credential.HistoryStore
	outbox       outbox.Store
	auditor      audit.Store
	users        UserDirectory
	institutions InstitutionDirectory
	policies     *policy.Table
	runner       tx.Runner
	logger       *slog.Logger
	clock        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// New constructs the identity service.
func New(
	creds credential.Store,
	history credential.HistoryStore,
	outboxStore outbox.Store,
	auditor audit.Store,
	users UserDirectory,
	institutions InstitutionDirectory,
	policies *policy.Table,
	runner tx.Runner,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		creds:        creds,
		history:      history,
		outbox:       outboxStore,
		auditor:      auditor,
		users:        users,
		institutions: institutions,
		policies:     policies,
		runner:       runner,
		logger:       logger,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueInput carries the fields needed to issue a new institutional ID.
type IssueInput struct {
	OwnerID       id.UserID
	InstitutionID id.InstitutionID
	IDType        string
	IDNumber      string
	ValidFrom     time.Time
	ValidUntil    time.Time
	Metadata      map[string]string
}

func (in IssueInput) validate(now time.Time) error {
	if in.OwnerID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "owner_id is required")
	}
	if in.InstitutionID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "institution_id is required")
	}
	if in.IDType == "" {
		return dErrors.New(dErrors.CodeValidation, "id_type is required")
	}
	if in.IDNumber == "" {
		return dErrors.New(dErrors.CodeValidation, "id_number is required")
	}
	if in.ValidUntil.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "valid_until is required")
	}
	validFrom := in.ValidFrom
	if validFrom.IsZero() {
		validFrom = now
	}
	if !in.ValidUntil.After(validFrom) {
		return dErrors.New(dErrors.CodeValidation, "valid_until must be after valid_from")
	}
	return nil
}

// Issue creates an active institutional ID. The duplicate-active check is
// enforced twice: a pre-check for a friendly error, and the store's unique
// constraint as the serialization point under concurrency.
func (s *Service) Issue(ctx context.Context, in IssueInput) (*models.Credential, error) {
	actor, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Authorize(roles, policy.PermCreateID); err != nil {
		return nil, err
	}
	if err := s.policies.AuthorizeInstitution(roles, requestcontext.InstitutionID(ctx), in.InstitutionID); err != nil {
		return nil, err
	}

	now := s.clock()
	if err := in.validate(now); err != nil {
		return nil, err
	}

	active, err := s.institutions.IsActiveInstitution(ctx, in.InstitutionID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, dErrors.New(dErrors.CodeForbidden, "institution is not active")
	}
	ownerActive, err := s.users.IsActiveUser(ctx, in.OwnerID)
	if err != nil {
		return nil, err
	}
	if !ownerActive {
		return nil, dErrors.New(dErrors.CodeValidation, "owner is not an active user")
	}

	if _, err := s.creds.FindActive(ctx, in.OwnerID, in.InstitutionID, in.IDType); err == nil {
		return nil, dErrors.New(dErrors.CodeConflict, "owner already holds an active id of this type")
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "check existing id")
	}

	validFrom := in.ValidFrom
	if validFrom.IsZero() {
		validFrom = now
	}
	cred := &models.Credential{
		ID:            id.CredentialID(uuid.New()),
		OwnerID:       in.OwnerID,
		InstitutionID: in.InstitutionID,
		IDType:        in.IDType,
		IDNumber:      in.IDNumber,
		Status:        models.StatusActive,
		ValidFrom:     validFrom,
		ValidUntil:    in.ValidUntil,
		Metadata:      in.Metadata,
		CreatedBy:     actor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.creds.Create(ctx, cred); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "duplicate active id")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "create id")
		}
		if err := s.appendChangeEvent(ctx, EventIDIssued, cred, now); err != nil {
			return err
		}
		return s.auditor.Append(ctx, s.auditEvent(ctx, actor, audit.ActionIDIssued, cred, "", now))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("institutional id issued",
		"credential_id", cred.ID, "owner_id", cred.OwnerID,
		"institution_id", cred.InstitutionID, "id_type", cred.IDType)
	return cred, nil
}

// Get returns a credential. Owners may always read their own IDs; anyone
// else needs the read permission scoped to the issuing institution.
func (s *Service) Get(ctx context.Context, credID id.CredentialID) (*models.Credential, error) {
	actor, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	cred, err := s.find(ctx, credID)
	if err != nil {
		return nil, err
	}
	if cred.OwnerID != actor {
		if err := s.authorizeRead(ctx, roles, cred); err != nil {
			return nil, err
		}
	}
	return cred, nil
}

// GetByNumber looks a credential up by institution and number. Used by
// verification flows, so owner shortcuts do not apply.
func (s *Service) GetByNumber(ctx context.Context, instID id.InstitutionID, idNumber string) (*models.Credential, error) {
	_, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Authorize(roles, policy.PermReadID); err != nil {
		return nil, err
	}
	if err := s.policies.AuthorizeInstitution(roles, requestcontext.InstitutionID(ctx), instID); err != nil {
		return nil, err
	}
	return s.findByNumber(ctx, instID, idNumber)
}

// List returns credentials visible to the actor. Residents see only their
// own; institution-scoped actors are pinned to their institution.
func (s *Service) List(ctx context.Context, filter credential.ListFilter) ([]*models.Credential, error) {
	actor, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if !policy.HasRole(roles, policy.RoleSuperAdmin) {
		if policy.HasRole(roles, policy.RoleInstitutionalAdmin) || policy.HasRole(roles, policy.RoleStaff) {
			filter.InstitutionID = requestcontext.InstitutionID(ctx)
			if filter.InstitutionID.IsNil() {
				return nil, dErrors.New(dErrors.CodeForbidden, "no institution scope")
			}
		} else {
			filter.OwnerID = actor
		}
	}
	creds, err := s.creds.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list ids")
	}
	return creds, nil
}

// ListByOwner returns all credentials held by one user.
func (s *Service) ListByOwner(ctx context.Context, owner id.UserID) ([]*models.Credential, error) {
	actor, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if owner != actor {
		if err := s.policies.Authorize(roles, policy.PermReadID); err != nil {
			return nil, err
		}
	}
	creds, err := s.creds.List(ctx, credential.ListFilter{OwnerID: owner})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list ids")
	}
	return creds, nil
}

// UpdateInput carries the mutable non-status fields.
type UpdateInput struct {
	ValidUntil *time.Time
	Metadata   map[string]string
}

// Update changes validity or metadata on a credential that still reads as
// active or suspended.
func (s *Service) Update(ctx context.Context, credID id.CredentialID, in UpdateInput) (*models.Credential, error) {
	actor, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Authorize(roles, policy.PermUpdateID); err != nil {
		return nil, err
	}
	cred, err := s.find(ctx, credID)
	if err != nil {
		return nil, err
	}
	if err := s.policies.AuthorizeInstitution(roles, requestcontext.InstitutionID(ctx), cred.InstitutionID); err != nil {
		return nil, err
	}

	now := s.clock()
	if err := cred.CanUpdateFields(now); err != nil {
		return nil, err
	}
	if in.ValidUntil != nil {
		if !in.ValidUntil.After(cred.ValidFrom) {
			return nil, dErrors.New(dErrors.CodeValidation, "valid_until must be after valid_from")
		}
		cred.ValidUntil = *in.ValidUntil
	}
	if in.Metadata != nil {
		cred.Metadata = in.Metadata
	}
	cred.UpdatedAt = now

	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.creds.Update(ctx, cred); err != nil {
			return storeErr(err, "update id")
		}
		if err := s.appendChangeEvent(ctx, EventIDUpdated, cred, now); err != nil {
			return err
		}
		return s.auditor.Append(ctx, s.auditEvent(ctx, actor, audit.ActionIDUpdated, cred, "", now))
	})
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// UpdateStatus applies a lifecycle transition. The credential row, its
// history entry, the outbox event, and the audit record commit atomically;
// an invalid transition changes nothing.
func (s *Service) UpdateStatus(ctx context.Context, credID id.CredentialID, next models.Status, reason string) (*models.Credential, error) {
	actor, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	required := policy.PermUpdateID
	if next == models.StatusRevoked {
		required = policy.PermRevokeID
	}
	if err := s.policies.Authorize(roles, required); err != nil {
		return nil, err
	}

	cred, err := s.find(ctx, credID)
	if err != nil {
		return nil, err
	}
	if err := s.policies.AuthorizeInstitution(roles, requestcontext.InstitutionID(ctx), cred.InstitutionID); err != nil {
		return nil, err
	}

	now := s.clock()
	if err := cred.CanTransition(next, now); err != nil {
		return nil, err
	}

	old := cred.Status
	cred.ApplyTransition(next, actor, reason, now)

	eventType := EventIDStatusChanged
	action := audit.ActionIDStatusChanged
	if next == models.StatusRevoked {
		eventType = EventIDRevoked
		action = audit.ActionIDRevoked
	}

	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.creds.Update(ctx, cred); err != nil {
			return storeErr(err, "update id status")
		}
		entry := &models.HistoryEntry{
			CredentialID: cred.ID,
			OldStatus:    old,
			NewStatus:    next,
			ChangedBy:    actor,
			Reason:       reason,
			ChangedAt:    now,
		}
		if err := s.history.Append(ctx, entry); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "append history")
		}
		if err := s.appendChangeEvent(ctx, eventType, cred, now); err != nil {
			return err
		}
		return s.auditor.Append(ctx, s.auditEvent(ctx, actor, action, cred, reason, now))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("id status changed",
		"credential_id", cred.ID, "old_status", old, "new_status", next, "actor", actor)
	return cred, nil
}

// Revoke permanently invalidates a credential.
func (s *Service) Revoke(ctx context.Context, credID id.CredentialID, reason string) (*models.Credential, error) {
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "revocation reason is required")
	}
	return s.UpdateStatus(ctx, credID, models.StatusRevoked, reason)
}

// History returns the transition log, newest first. Visible to the owner
// and to readers scoped to the issuing institution.
func (s *Service) History(ctx context.Context, credID id.CredentialID) ([]*models.HistoryEntry, error) {
	actor, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	cred, err := s.find(ctx, credID)
	if err != nil {
		return nil, err
	}
	if cred.OwnerID != actor {
		if err := s.authorizeRead(ctx, roles, cred); err != nil {
			return nil, err
		}
	}
	entries, err := s.history.ListByCredential(ctx, credID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list history")
	}
	return entries, nil
}

func (s *Service) find(ctx context.Context, credID id.CredentialID) (*models.Credential, error) {
	cred, err := s.creds.FindByID(ctx, credID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "id not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find id")
	}
	return cred, nil
}

func (s *Service) findByNumber(ctx context.Context, instID id.InstitutionID, idNumber string) (*models.Credential, error) {
	cred, err := s.creds.FindByNumber(ctx, instID, idNumber)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "id not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find id")
	}
	return cred, nil
}

func (s *Service) authorizeRead(ctx context.Context, roles []string, cred *models.Credential) error {
	if err := s.policies.Authorize(roles, policy.PermReadID); err != nil {
		return err
	}
	return s.policies.AuthorizeInstitution(roles, requestcontext.InstitutionID(ctx), cred.InstitutionID)
}

func (s *Service) appendChangeEvent(ctx context.Context, eventType string, cred *models.Credential, now time.Time) error {
	event, err := outbox.NewEvent(aggregateType, uuid.UUID(cred.OwnerID).String(), eventType, changePayload{
		EventType:  eventType,
		OwnerID:    uuid.UUID(cred.OwnerID).String(),
		Credential: cred.Summarize(),
		OccurredAt: now,
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "build outbox event")
	}
	if err := s.outbox.Append(ctx, event); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "append outbox event")
	}
	return nil
}

func (s *Service) auditEvent(ctx context.Context, actor id.UserID, action audit.Action, cred *models.Credential, reason string, now time.Time) audit.Event {
	return audit.Event{
		Timestamp: now,
		ActorID:   actor,
		Action:    action,
		SubjectID: cred.ID.String(),
		Reason:    reason,
		RequestID: requestcontext.RequestID(ctx),
		IP:        requestcontext.ClientIP(ctx),
		UserAgent: requestcontext.UserAgent(ctx),
	}
}

func requireActor(ctx context.Context) (id.UserID, []string, error) {
	actor := requestcontext.UserID(ctx)
	if actor.IsNil() {
		return id.UserID{}, nil, dErrors.New(dErrors.CodeUnauthorized, "no authenticated user")
	}
	return actor, requestcontext.Roles(ctx), nil
}

func storeErr(err error, msg string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "id not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, "conflicting id state")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
