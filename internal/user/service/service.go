// Package service implements account management and the profile update
// request workflow.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"civid/internal/audit"
	"civid/internal/policy"
	"civid/internal/user/models"
	"civid/internal/user/store/user"
	id "civid/pkg/domain"
	dErrors "civid/pkg/domain-errors"
	"civid/pkg/platform/sentinel"
	"civid/pkg/platform/tx"
	"civid/pkg/requestcontext"
)

// Service coordinates account lifecycle, role assignment, and profile
// update review.
type Service struct {
	users    user.Store
	requests user.RequestStore
	auditor  audit.Store
	policies *policy.Table
	runner   tx.Runner
	logger   *slog.Logger
	clock    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// New constructs the user service.
func New(users user.Store, requests user.RequestStore, auditor audit.Store, policies *policy.Table, runner tx.Runner, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		users:    users,
		requests: requests,
		auditor:  auditor,
		policies: policies,
		runner:   runner,
		logger:   logger,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterInput carries the fields for creating an account.
type RegisterInput struct {
	Username      string
	Email         string
	Password      string
	FullName      string
	Roles         []string
	InstitutionID id.InstitutionID
}

// privileged roles may only be granted by a role manager.
func privilegedRoles(roles []string) bool {
	for _, r := range roles {
		if r == string(policy.RoleSuperAdmin) || r == string(policy.RoleInstitutionalAdmin) {
			return true
		}
	}
	return false
}

// Register creates a new active account. Institution-scoped creators can
// only register users into their own institution, and granting admin
// roles additionally requires role management permission.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	actor, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Authorize(roles, policy.PermCreateUser); err != nil {
		return nil, err
	}
	if privilegedRoles(in.Roles) {
		if err := s.policies.Authorize(roles, policy.PermManageRoles); err != nil {
			return nil, err
		}
	}
	if !in.InstitutionID.IsNil() {
		if err := s.policies.AuthorizeInstitution(roles, requestcontext.InstitutionID(ctx), in.InstitutionID); err != nil {
			return nil, err
		}
	}
	for _, r := range in.Roles {
		if !policy.Role(r).IsValid() {
			return nil, dErrors.New(dErrors.CodeValidation, "unknown role: "+r)
		}
	}

	now := s.clock()
	u := &models.User{
		ID:          id.UserID(uuid.New()),
		Username:    in.Username,
		Email:       in.Email,
		FullName:    in.FullName,
		Roles:       in.Roles,
		Institution: in.InstitutionID,
		Status:      models.StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	if err := u.SetPassword(in.Password); err != nil {
		return nil, err
	}

	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.users.Create(ctx, u); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "username or email already taken")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "create user")
		}
		return s.auditor.Append(ctx, s.auditEvent(ctx, actor, audit.ActionUserRegistered, u.ID.String(), "", now))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("user registered", "user_id", u.ID, "roles", u.Roles)
	return u, nil
}

// Get returns a user. Anyone may read their own account; reading others
// requires the read permission scoped to the same institution.
func (s *Service) Get(ctx context.Context, userID id.UserID) (*models.User, error) {
	actor, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	u, err := s.find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.ID != actor {
		if err := s.policies.Authorize(roles, policy.PermReadUser); err != nil {
			return nil, err
		}
		if !policy.HasRole(roles, policy.RoleSuperAdmin) && !u.Institution.IsNil() {
			if err := s.policies.AuthorizeInstitution(roles, requestcontext.InstitutionID(ctx), u.Institution); err != nil {
				return nil, err
			}
		}
	}
	return u, nil
}

// List returns users visible to the actor. Non-admin actors are pinned
// to their own institution.
func (s *Service) List(ctx context.Context, filter user.ListFilter) ([]*models.User, error) {
	_, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Authorize(roles, policy.PermReadUser); err != nil {
		return nil, err
	}
	if !policy.HasRole(roles, policy.RoleSuperAdmin) {
		filter.InstitutionID = requestcontext.InstitutionID(ctx)
		if filter.InstitutionID.IsNil() {
			return nil, dErrors.New(dErrors.CodeForbidden, "no institution scope")
		}
	}
	users, err := s.users.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list users")
	}
	return users, nil
}

// AssignRoles replaces a user's role set.
func (s *Service) AssignRoles(ctx context.Context, userID id.UserID, newRoles []string) (*models.User, error) {
	actor, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Authorize(roles, policy.PermManageRoles); err != nil {
		return nil, err
	}
	if len(newRoles) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one role is required")
	}
	for _, r := range newRoles {
		if !policy.Role(r).IsValid() {
			return nil, dErrors.New(dErrors.CodeValidation, "unknown role: "+r)
		}
	}

	u, err := s.find(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	u.Roles = newRoles
	u.UpdatedAt = now

	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.users.Update(ctx, u); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "assign roles")
		}
		return s.auditor.Append(ctx, s.auditEvent(ctx, actor, audit.ActionRolesAssigned, u.ID.String(), "", now))
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Deactivate disables an account. The user's issued IDs keep their own
// lifecycle and must be revoked separately.
func (s *Service) Deactivate(ctx context.Context, userID id.UserID) (*models.User, error) {
	actor, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Authorize(roles, policy.PermDeleteUser); err != nil {
		return nil, err
	}
	u, err := s.find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Status == models.StatusInactive {
		return nil, dErrors.New(dErrors.CodeConflict, "user is already inactive")
	}

	now := s.clock()
	u.Status = models.StatusInactive
	u.UpdatedAt = now

	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.users.Update(ctx, u); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "deactivate user")
		}
		return s.auditor.Append(ctx, s.auditEvent(ctx, actor, audit.ActionUserDeactivated, u.ID.String(), "", now))
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// RequestUpdate files a profile change for review. One pending request
// per user; the store's uniqueness check is the serialization point.
func (s *Service) RequestUpdate(ctx context.Context, fields map[string]string) (*models.UpdateRequest, error) {
	actor, _, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	req := &models.UpdateRequest{
		ID:        id.UpdateRequestID(uuid.New()),
		UserID:    actor,
		Fields:    fields,
		Status:    models.RequestPending,
		CreatedAt: now,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.requests.Create(ctx, req); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "a pending update request already exists")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "create update request")
		}
		return s.auditor.Append(ctx, s.auditEvent(ctx, actor, audit.ActionUpdateRequested, req.ID.String(), "", now))
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ListUpdateRequests returns requests in the given state, or all when the
// status is empty.
func (s *Service) ListUpdateRequests(ctx context.Context, status models.RequestStatus) ([]*models.UpdateRequest, error) {
	_, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Authorize(roles, policy.PermUpdateUser); err != nil {
		return nil, err
	}
	reqs, err := s.requests.List(ctx, status)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list update requests")
	}
	return reqs, nil
}

// ReviewUpdateRequest approves or rejects a pending request. Approval
// applies the requested fields to the account in the same transaction.
func (s *Service) ReviewUpdateRequest(ctx context.Context, reqID id.UpdateRequestID, approve bool, note string) (*models.UpdateRequest, error) {
	actor, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Authorize(roles, policy.PermUpdateUser); err != nil {
		return nil, err
	}

	req, err := s.requests.FindByID(ctx, reqID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "update request not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find update request")
	}

	now := s.clock()
	if err := req.Review(approve, actor, note, now); err != nil {
		return nil, err
	}

	decision := "rejected"
	if approve {
		decision = "approved"
	}

	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if approve {
			u, err := s.find(ctx, req.UserID)
			if err != nil {
				return err
			}
			applyProfileFields(u, req.Fields)
			u.UpdatedAt = now
			if err := s.users.Update(ctx, u); err != nil {
				if errors.Is(err, sentinel.ErrConflict) {
					return dErrors.New(dErrors.CodeConflict, "requested email already taken")
				}
				return dErrors.Wrap(err, dErrors.CodeInternal, "apply update request")
			}
		}
		if err := s.requests.Update(ctx, req); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "store review")
		}
		event := s.auditEvent(ctx, actor, audit.ActionUpdateRequestReviewed, req.ID.String(), note, now)
		event.Decision = decision
		return s.auditor.Append(ctx, event)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ApplyIDSummary upserts one propagated ID summary on the owner profile.
// Called by the propagation consumer; authorization happened upstream.
func (s *Service) ApplyIDSummary(ctx context.Context, owner id.UserID, summary models.IDSummary) error {
	u, err := s.find(ctx, owner)
	if err != nil {
		return err
	}
	if u.InstitutionalIDs == nil {
		u.InstitutionalIDs = make(map[string]models.IDSummary)
	}
	u.InstitutionalIDs[models.SummaryKey(summary.InstitutionID, summary.IDType)] = summary
	u.UpdatedAt = s.clock()
	if err := s.users.Update(ctx, u); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "apply id summary")
	}
	return nil
}

// RemoveIDSummary drops one propagated summary from the owner profile.
// Removing an entry that is not present is a no-op so replays are safe.
func (s *Service) RemoveIDSummary(ctx context.Context, owner id.UserID, institutionID, idType string) error {
	u, err := s.find(ctx, owner)
	if err != nil {
		return err
	}
	key := models.SummaryKey(institutionID, idType)
	if _, ok := u.InstitutionalIDs[key]; !ok {
		return nil
	}
	delete(u.InstitutionalIDs, key)
	u.UpdatedAt = s.clock()
	if err := s.users.Update(ctx, u); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "remove id summary")
	}
	return nil
}

// ListMyUpdateRequests returns the actor's own requests, newest first. No
// extra permission: users may always see what they filed.
func (s *Service) ListMyUpdateRequests(ctx context.Context) ([]*models.UpdateRequest, error) {
	actor, _, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	reqs, err := s.requests.ListByUser(ctx, actor)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list own update requests")
	}
	return reqs, nil
}

// IsActiveUser satisfies the issuance gate used by the identity service.
func (s *Service) IsActiveUser(ctx context.Context, userID id.UserID) (bool, error) {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return false, nil
		}
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "find user")
	}
	return u.IsActive(), nil
}

// SuspendInstitutionalAdmins satisfies the institution deactivation
// cascade.
func (s *Service) SuspendInstitutionalAdmins(ctx context.Context, instID id.InstitutionID) (int, error) {
	return s.users.SuspendInstitutionalAdmins(ctx, instID)
}

func applyProfileFields(u *models.User, fields map[string]string) {
	if v, ok := fields["full_name"]; ok {
		u.FullName = v
	}
	if v, ok := fields["email"]; ok {
		u.Email = v
	}
}

func (s *Service) find(ctx context.Context, userID id.UserID) (*models.User, error) {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "user not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find user")
	}
	return u, nil
}

func (s *Service) auditEvent(ctx context.Context, actor id.UserID, action audit.Action, subject, reason string, now time.Time) audit.Event {
	return audit.Event{
		Timestamp: now,
		ActorID:   actor,
		Action:    action,
		SubjectID: subject,
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
