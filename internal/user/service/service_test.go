package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civid/internal/audit"
	auditmem "civid/internal/audit/store/memory"
	"civid/internal/policy"
	"civid/internal/user/models"
	"civid/internal/user/store/user"
	id "civid/pkg/domain"
	dErrors "civid/pkg/domain-errors"
	"civid/pkg/platform/tx"
	"civid/pkg/requestcontext"
)

type fixture struct {
	svc      *Service
	users    *user.MemoryStore
	requests *user.MemoryRequestStore
	audits   *auditmem.Store
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		users:    user.NewMemory(),
		requests: user.NewMemoryRequests(),
		audits:   auditmem.New(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = New(f.users, f.requests, f.audits, policy.NewTable(), tx.NewMemoryRunner(), logger,
		WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) seedUser(t *testing.T, roles []string, instID id.InstitutionID) *models.User {
	t.Helper()
	u := &models.User{
		ID:          id.UserID(uuid.New()),
		Username:    "user-" + uuid.NewString(),
		Email:       "user-" + uuid.NewString() + "@example.org",
		FullName:    "Seed User",
		Roles:       roles,
		Institution: instID,
		Status:      models.StatusActive,
		CreatedAt:   f.now,
		UpdatedAt:   f.now,
	}
	require.NoError(t, u.SetPassword("seed-password"))
	require.NoError(t, f.users.Create(context.Background(), u))
	return u
}

func actorCtx(actor *models.User) context.Context {
	ctx := requestcontext.WithUserID(context.Background(), actor.ID)
	ctx = requestcontext.WithRoles(ctx, actor.Roles)
	if !actor.Institution.IsNil() {
		ctx = requestcontext.WithInstitutionID(ctx, actor.Institution)
	}
	return ctx
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	instID := id.InstitutionID(uuid.New())
	admin := f.seedUser(t, []string{"institutional_admin"}, instID)

	u, err := f.svc.Register(actorCtx(admin), RegisterInput{
		Username:      "jdoe",
		Email:         "jdoe@example.org",
		Password:      "long-enough-pass",
		FullName:      "Jordan Doe",
		Roles:         []string{"resident"},
		InstitutionID: instID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, u.Status)
	assert.True(t, u.CheckPassword("long-enough-pass"))
	assert.NotEmpty(t, u.PasswordHash, "password is stored hashed")

	events, err := f.audits.List(context.Background(), audit.ListFilter{Action: audit.ActionUserRegistered})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, admin.ID, events[0].ActorID)
	assert.Equal(t, u.ID.String(), events[0].SubjectID)
}

func TestRegisterForbiddenForResident(t *testing.T) {
	f := newFixture(t)
	resident := f.seedUser(t, []string{"resident"}, id.InstitutionID{})

	_, err := f.svc.Register(actorCtx(resident), RegisterInput{
		Username: "jdoe", Email: "jdoe@example.org", Password: "long-enough-pass",
		FullName: "Jordan Doe", Roles: []string{"resident"},
	})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeForbidden, dErrors.CodeOf(err))
}

func TestRegisterAdminRoleNeedsRoleManager(t *testing.T) {
	f := newFixture(t)
	instID := id.InstitutionID(uuid.New())
	// Institutional admins can create users but cannot grant admin roles.
	admin := f.seedUser(t, []string{"institutional_admin"}, instID)

	_, err := f.svc.Register(actorCtx(admin), RegisterInput{
		Username: "newadmin", Email: "newadmin@example.org", Password: "long-enough-pass",
		FullName: "New Admin", Roles: []string{"institutional_admin"}, InstitutionID: instID,
	})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeForbidden, dErrors.CodeOf(err))

	super := f.seedUser(t, []string{"super_admin"}, id.InstitutionID{})
	_, err = f.svc.Register(actorCtx(super), RegisterInput{
		Username: "newadmin", Email: "newadmin@example.org", Password: "long-enough-pass",
		FullName: "New Admin", Roles: []string{"institutional_admin"}, InstitutionID: instID,
	})
	assert.NoError(t, err)
}

func TestRegisterWrongInstitutionScope(t *testing.T) {
	f := newFixture(t)
	admin := f.seedUser(t, []string{"institutional_admin"}, id.InstitutionID(uuid.New()))

	_, err := f.svc.Register(actorCtx(admin), RegisterInput{
		Username: "jdoe", Email: "jdoe@example.org", Password: "long-enough-pass",
		FullName: "Jordan Doe", Roles: []string{"resident"},
		InstitutionID: id.InstitutionID(uuid.New()),
	})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeForbidden, dErrors.CodeOf(err))
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	f := newFixture(t)
	super := f.seedUser(t, []string{"super_admin"}, id.InstitutionID{})

	_, err := f.svc.Register(actorCtx(super), RegisterInput{
		Username: "jdoe", Email: "jdoe@example.org", Password: "long-enough-pass",
		FullName: "Jordan Doe", Roles: []string{"janitor"},
	})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeValidation, dErrors.CodeOf(err))
}

func TestRegisterDuplicateUsername(t *testing.T) {
	f := newFixture(t)
	super := f.seedUser(t, []string{"super_admin"}, id.InstitutionID{})

	in := RegisterInput{
		Username: "jdoe", Email: "jdoe@example.org", Password: "long-enough-pass",
		FullName: "Jordan Doe", Roles: []string{"resident"},
	}
	_, err := f.svc.Register(actorCtx(super), in)
	require.NoError(t, err)

	in.Email = "other@example.org"
	_, err = f.svc.Register(actorCtx(super), in)
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeConflict, dErrors.CodeOf(err))
}

func TestGetSelfShortcut(t *testing.T) {
	f := newFixture(t)
	resident := f.seedUser(t, []string{"resident"}, id.InstitutionID(uuid.New()))

	u, err := f.svc.Get(actorCtx(resident), resident.ID)
	require.NoError(t, err)
	assert.Equal(t, resident.ID, u.ID)
}

func TestGetCrossInstitutionDenied(t *testing.T) {
	f := newFixture(t)
	staff := f.seedUser(t, []string{"staff"}, id.InstitutionID(uuid.New()))
	other := f.seedUser(t, []string{"resident"}, id.InstitutionID(uuid.New()))

	_, err := f.svc.Get(actorCtx(staff), other.ID)
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeForbidden, dErrors.CodeOf(err))
}

func TestListPinnedToOwnInstitution(t *testing.T) {
	f := newFixture(t)
	instID := id.InstitutionID(uuid.New())
	admin := f.seedUser(t, []string{"institutional_admin"}, instID)
	f.seedUser(t, []string{"resident"}, instID)
	f.seedUser(t, []string{"resident"}, id.InstitutionID(uuid.New()))

	users, err := f.svc.List(actorCtx(admin), user.ListFilter{})
	require.NoError(t, err)
	require.Len(t, users, 2)
	for _, u := range users {
		assert.Equal(t, instID, u.Institution)
	}

	super := f.seedUser(t, []string{"super_admin"}, id.InstitutionID{})
	all, err := f.svc.List(actorCtx(super), user.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestListWithoutInstitutionScopeDenied(t *testing.T) {
	f := newFixture(t)
	staff := f.seedUser(t, []string{"staff"}, id.InstitutionID{})

	_, err := f.svc.List(actorCtx(staff), user.ListFilter{})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeForbidden, dErrors.CodeOf(err))
}

func TestAssignRoles(t *testing.T) {
	f := newFixture(t)
	super := f.seedUser(t, []string{"super_admin"}, id.InstitutionID{})
	resident := f.seedUser(t, []string{"resident"}, id.InstitutionID{})

	u, err := f.svc.AssignRoles(actorCtx(super), resident.ID, []string{"resident", "staff"})
	require.NoError(t, err)
	assert.Equal(t, []string{"resident", "staff"}, u.Roles)

	events, err := f.audits.List(context.Background(), audit.ListFilter{Action: audit.ActionRolesAssigned})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAssignRolesValidation(t *testing.T) {
	f := newFixture(t)
	super := f.seedUser(t, []string{"super_admin"}, id.InstitutionID{})
	resident := f.seedUser(t, []string{"resident"}, id.InstitutionID{})

	_, err := f.svc.AssignRoles(actorCtx(super), resident.ID, nil)
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeValidation, dErrors.CodeOf(err))

	_, err = f.svc.AssignRoles(actorCtx(super), resident.ID, []string{"janitor"})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeValidation, dErrors.CodeOf(err))

	staff := f.seedUser(t, []string{"staff"}, id.InstitutionID{})
	_, err = f.svc.AssignRoles(actorCtx(staff), resident.ID, []string{"staff"})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeForbidden, dErrors.CodeOf(err))
}

func TestDeactivate(t *testing.T) {
	f := newFixture(t)
	super := f.seedUser(t, []string{"super_admin"}, id.InstitutionID{})
	resident := f.seedUser(t, []string{"resident"}, id.InstitutionID{})

	u, err := f.svc.Deactivate(actorCtx(super), resident.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInactive, u.Status)

	// Deactivating twice conflicts.
	_, err = f.svc.Deactivate(actorCtx(super), resident.ID)
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeConflict, dErrors.CodeOf(err))
}

func TestRequestUpdateOnePendingPerUser(t *testing.T) {
	f := newFixture(t)
	resident := f.seedUser(t, []string{"resident"}, id.InstitutionID{})
	ctx := actorCtx(resident)

	req, err := f.svc.RequestUpdate(ctx, map[string]string{"full_name": "New Name"})
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, req.Status)
	assert.Equal(t, resident.ID, req.UserID)

	_, err = f.svc.RequestUpdate(ctx, map[string]string{"email": "new@example.org"})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeConflict, dErrors.CodeOf(err))
}

func TestRequestUpdateRejectsUnknownFields(t *testing.T) {
	f := newFixture(t)
	resident := f.seedUser(t, []string{"resident"}, id.InstitutionID{})

	_, err := f.svc.RequestUpdate(actorCtx(resident), map[string]string{"roles": "super_admin"})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeValidation, dErrors.CodeOf(err))

	_, err = f.svc.RequestUpdate(actorCtx(resident), nil)
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeValidation, dErrors.CodeOf(err))
}

func TestReviewApprovalAppliesFields(t *testing.T) {
	f := newFixture(t)
	instID := id.InstitutionID(uuid.New())
	admin := f.seedUser(t, []string{"institutional_admin"}, instID)
	resident := f.seedUser(t, []string{"resident"}, instID)

	req, err := f.svc.RequestUpdate(actorCtx(resident), map[string]string{
		"full_name": "Renamed Resident",
		"email":     "renamed@example.org",
	})
	require.NoError(t, err)

	reviewed, err := f.svc.ReviewUpdateRequest(actorCtx(admin), req.ID, true, "verified in person")
	require.NoError(t, err)
	assert.Equal(t, models.RequestApproved, reviewed.Status)
	require.NotNil(t, reviewed.ReviewedBy)
	assert.Equal(t, admin.ID, *reviewed.ReviewedBy)

	u, err := f.users.FindByID(context.Background(), resident.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed Resident", u.FullName)
	assert.Equal(t, "renamed@example.org", u.Email)

	events, err := f.audits.List(context.Background(), audit.ListFilter{Action: audit.ActionUpdateRequestReviewed})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "approved", events[0].Decision)
}

func TestReviewRejectionLeavesProfileUntouched(t *testing.T) {
	f := newFixture(t)
	instID := id.InstitutionID(uuid.New())
	admin := f.seedUser(t, []string{"institutional_admin"}, instID)
	resident := f.seedUser(t, []string{"resident"}, instID)
	originalName := resident.FullName

	req, err := f.svc.RequestUpdate(actorCtx(resident), map[string]string{"full_name": "Imposter"})
	require.NoError(t, err)

	reviewed, err := f.svc.ReviewUpdateRequest(actorCtx(admin), req.ID, false, "documents missing")
	require.NoError(t, err)
	assert.Equal(t, models.RequestRejected, reviewed.Status)

	u, err := f.users.FindByID(context.Background(), resident.ID)
	require.NoError(t, err)
	assert.Equal(t, originalName, u.FullName)

	// A rejected request no longer blocks a new one.
	_, err = f.svc.RequestUpdate(actorCtx(resident), map[string]string{"full_name": "Second Try"})
	assert.NoError(t, err)
}

func TestReviewTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	instID := id.InstitutionID(uuid.New())
	admin := f.seedUser(t, []string{"institutional_admin"}, instID)
	resident := f.seedUser(t, []string{"resident"}, instID)

	req, err := f.svc.RequestUpdate(actorCtx(resident), map[string]string{"full_name": "Once"})
	require.NoError(t, err)

	_, err = f.svc.ReviewUpdateRequest(actorCtx(admin), req.ID, false, "")
	require.NoError(t, err)

	_, err = f.svc.ReviewUpdateRequest(actorCtx(admin), req.ID, true, "")
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeConflict, dErrors.CodeOf(err))
}

func TestReviewForbiddenForResident(t *testing.T) {
	f := newFixture(t)
	resident := f.seedUser(t, []string{"resident"}, id.InstitutionID{})

	req, err := f.svc.RequestUpdate(actorCtx(resident), map[string]string{"full_name": "Self Serve"})
	require.NoError(t, err)

	_, err = f.svc.ReviewUpdateRequest(actorCtx(resident), req.ID, true, "")
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeForbidden, dErrors.CodeOf(err))
}

func TestApplyIDSummaryUpserts(t *testing.T) {
	f := newFixture(t)
	resident := f.seedUser(t, []string{"resident"}, id.InstitutionID{})
	ctx := context.Background()

	summary := models.IDSummary{
		InstitutionID: uuid.NewString(),
		IDType:        "student_card",
		IDNumber:      "STU-0001",
		Status:        "active",
		ValidUntil:    f.now.Add(24 * time.Hour),
	}
	require.NoError(t, f.svc.ApplyIDSummary(ctx, resident.ID, summary))

	u, err := f.users.FindByID(ctx, resident.ID)
	require.NoError(t, err)
	key := models.SummaryKey(summary.InstitutionID, summary.IDType)
	assert.Equal(t, "STU-0001", u.InstitutionalIDs[key].IDNumber)

	// Same key overwrites instead of accumulating.
	summary.Status = "revoked"
	require.NoError(t, f.svc.ApplyIDSummary(ctx, resident.ID, summary))

	u, err = f.users.FindByID(ctx, resident.ID)
	require.NoError(t, err)
	require.Len(t, u.InstitutionalIDs, 1)
	assert.Equal(t, "revoked", u.InstitutionalIDs[key].Status)
}

func TestRemoveIDSummary(t *testing.T) {
	f := newFixture(t)
	resident := f.seedUser(t, []string{"resident"}, id.InstitutionID{})
	ctx := context.Background()

	summary := models.IDSummary{
		InstitutionID: uuid.NewString(),
		IDType:        "student_card",
		IDNumber:      "STU-0001",
		Status:        "active",
		ValidUntil:    f.now.Add(24 * time.Hour),
	}
	require.NoError(t, f.svc.ApplyIDSummary(ctx, resident.ID, summary))
	require.NoError(t, f.svc.RemoveIDSummary(ctx, resident.ID, summary.InstitutionID, summary.IDType))

	u, err := f.users.FindByID(ctx, resident.ID)
	require.NoError(t, err)
	assert.Empty(t, u.InstitutionalIDs)

	// Removing a summary that is not there is a no-op, so event replays
	// are harmless.
	require.NoError(t, f.svc.RemoveIDSummary(ctx, resident.ID, summary.InstitutionID, summary.IDType))
}

func TestListMyUpdateRequests(t *testing.T) {
	f := newFixture(t)
	resident := f.seedUser(t, []string{"resident"}, id.InstitutionID{})
	other := f.seedUser(t, []string{"resident"}, id.InstitutionID{})

	_, err := f.svc.RequestUpdate(actorCtx(resident), map[string]string{"email": "new@example.org"})
	require.NoError(t, err)
	_, err = f.svc.RequestUpdate(actorCtx(other), map[string]string{"email": "other@example.org"})
	require.NoError(t, err)

	mine, err := f.svc.ListMyUpdateRequests(actorCtx(resident))
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, resident.ID, mine[0].UserID)

	_, err = f.svc.ListMyUpdateRequests(context.Background())
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))
}

func TestIsActiveUser(t *testing.T) {
	f := newFixture(t)
	resident := f.seedUser(t, []string{"resident"}, id.InstitutionID{})
	ctx := context.Background()

	active, err := f.svc.IsActiveUser(ctx, resident.ID)
	require.NoError(t, err)
	assert.True(t, active)

	// Unknown users read as inactive rather than erroring.
	active, err = f.svc.IsActiveUser(ctx, id.UserID(uuid.New()))
	require.NoError(t, err)
	assert.False(t, active)
}

func TestSuspendInstitutionalAdmins(t *testing.T) {
	f := newFixture(t)
	instID := id.InstitutionID(uuid.New())
	admin := f.seedUser(t, []string{"institutional_admin"}, instID)
	staff := f.seedUser(t, []string{"staff"}, instID)
	otherAdmin := f.seedUser(t, []string{"institutional_admin"}, id.InstitutionID(uuid.New()))

	n, err := f.svc.SuspendInstitutionalAdmins(context.Background(), instID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	u, err := f.users.FindByID(context.Background(), admin.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuspended, u.Status)

	// Staff of the same institution and admins elsewhere are untouched.
	u, err = f.users.FindByID(context.Background(), staff.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, u.Status)

	u, err = f.users.FindByID(context.Background(), otherAdmin.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, u.Status)
}
