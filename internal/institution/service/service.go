// Package service manages the registry of issuing institutions.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"civid/internal/audit"
	"civid/internal/institution/models"
	"civid/internal/institution/store/institution"
	"civid/internal/policy"
	id "civid/pkg/domain"
	dErrors "civid/pkg/domain-errors"
	"civid/pkg/platform/sentinel"
	"civid/pkg/platform/tx"
	"civid/pkg/requestcontext"
)

// AdminSuspender suspends the institutional admin accounts of an
// institution. Implemented by the user module; declared here so the
// deactivation cascade stays one-directional.
type AdminSuspender interface {
	SuspendInstitutionalAdmins(ctx context.Context, instID id.InstitutionID) (int, error)
}

// Service manages institution registration and activation state.
type Service struct {
	store    institution.Store
	users    AdminSuspender
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

// New constructs the institution service.
func New(store institution.Store, users AdminSuspender, auditor audit.Store, policies *policy.Table, runner tx.Runner, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		users:    users,
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

// CreateInput carries the fields for registering an institution.
type CreateInput struct {
	Name         string
	Kind         string
	ContactEmail string
}

// Create registers a new active institution.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Institution, error) {
	actor, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Authorize(roles, policy.PermManageInstitution); err != nil {
		return nil, err
	}

	now := s.clock()
	inst := &models.Institution{
		ID:           id.InstitutionID(uuid.New()),
		Name:         in.Name,
		Kind:         in.Kind,
		ContactEmail: in.ContactEmail,
		Status:       models.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}

	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, inst); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "institution name already registered")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "create institution")
		}
		return s.auditor.Append(ctx, s.auditEvent(ctx, actor, audit.ActionInstitutionCreated, inst.ID, "", now))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("institution created", "institution_id", inst.ID, "name", inst.Name)
	return inst, nil
}

// Get returns one institution.
func (s *Service) Get(ctx context.Context, instID id.InstitutionID) (*models.Institution, error) {
	if _, _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	return s.find(ctx, instID)
}

// List returns all institutions.
func (s *Service) List(ctx context.Context) ([]*models.Institution, error) {
	if _, _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	insts, err := s.store.List(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list institutions")
	}
	return insts, nil
}

// Deactivate stops an institution from issuing IDs and suspends its
// institutional admin accounts in the same transaction. Already-issued
// credentials keep their own lifecycle.
func (s *Service) Deactivate(ctx context.Context, instID id.InstitutionID) (*models.Institution, error) {
	actor, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Authorize(roles, policy.PermManageInstitution); err != nil {
		return nil, err
	}
	inst, err := s.find(ctx, instID)
	if err != nil {
		return nil, err
	}
	if inst.Status == models.StatusInactive {
		return nil, dErrors.New(dErrors.CodeConflict, "institution is already inactive")
	}

	now := s.clock()
	inst.Status = models.StatusInactive
	inst.UpdatedAt = now

	var suspended int
	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.Update(ctx, inst); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "deactivate institution")
		}
		suspended, err = s.users.SuspendInstitutionalAdmins(ctx, instID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "suspend institution admins")
		}
		return s.auditor.Append(ctx, s.auditEvent(ctx, actor, audit.ActionInstitutionDeactivated, instID, "", now))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("institution deactivated",
		"institution_id", instID, "admins_suspended", suspended)
	return inst, nil
}

// Reactivate restores an inactive institution. Suspended admin accounts
// are not automatically restored; they are reviewed individually.
func (s *Service) Reactivate(ctx context.Context, instID id.InstitutionID) (*models.Institution, error) {
	actor, roles, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Authorize(roles, policy.PermManageInstitution); err != nil {
		return nil, err
	}
	inst, err := s.find(ctx, instID)
	if err != nil {
		return nil, err
	}
	if inst.Status == models.StatusActive {
		return nil, dErrors.New(dErrors.CodeConflict, "institution is already active")
	}

	now := s.clock()
	inst.Status = models.StatusActive
	inst.UpdatedAt = now

	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.Update(ctx, inst); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "reactivate institution")
		}
		return s.auditor.Append(ctx, s.auditEvent(ctx, actor, audit.ActionInstitutionReactivated, instID, "", now))
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// IsActiveInstitution satisfies the issuance gate used by the identity
// service.
func (s *Service) IsActiveInstitution(ctx context.Context, instID id.InstitutionID) (bool, error) {
	inst, err := s.store.FindByID(ctx, instID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return false, dErrors.New(dErrors.CodeNotFound, "institution not found")
		}
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "find institution")
	}
	return inst.IsActive(), nil
}

func (s *Service) find(ctx context.Context, instID id.InstitutionID) (*models.Institution, error) {
	inst, err := s.store.FindByID(ctx, instID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "institution not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find institution")
	}
	return inst, nil
}

func (s *Service) auditEvent(ctx context.Context, actor id.UserID, action audit.Action, subject id.InstitutionID, reason string, now time.Time) audit.Event {
	return audit.Event{
		Timestamp: now,
		ActorID:   actor,
		Action:    action,
		SubjectID: subject.String(),
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
