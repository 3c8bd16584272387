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
	"civid/internal/identity/models"
	"civid/internal/identity/store/credential"
	"civid/internal/outbox"
	"civid/internal/policy"
	id "civid/pkg/domain"
	dErrors "civid/pkg/domain-errors"
	"civid/pkg/platform/tx"
	"civid/pkg/requestcontext"
)

type staticDirectory struct {
	inactiveUsers        map[id.UserID]bool
	inactiveInstitutions map[id.InstitutionID]bool
}

func (d *staticDirectory) IsActiveUser(_ context.Context, userID id.UserID) (bool, error) {
	return !d.inactiveUsers[userID], nil
}

func (d *staticDirectory) IsActiveInstitution(_ context.Context, instID id.InstitutionID) (bool, error) {
	return !d.inactiveInstitutions[instID], nil
}

type fixture struct {
	svc     *Service
	creds   *credential.MemoryStore
	history *credential.MemoryHistoryStore
	outbox  *outbox.MemoryStore
	audits  *auditmem.Store
	dir     *staticDirectory
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		creds:   credential.NewMemory(),
		history: credential.NewMemoryHistory(),
		outbox:  outbox.NewMemory(),
		audits:  auditmem.New(),
		dir: &staticDirectory{
			inactiveUsers:        make(map[id.UserID]bool),
			inactiveInstitutions: make(map[id.InstitutionID]bool),
		},
		now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = New(f.creds, f.history, f.outbox, f.audits, f.dir, f.dir,
		policy.NewTable(), tx.NewMemoryRunner(), logger,
		WithClock(func() time.Time { return f.now }))
	return f
}

func actorCtx(userID id.UserID, instID id.InstitutionID, roles ...string) context.Context {
	ctx := requestcontext.WithUserID(context.Background(), userID)
	ctx = requestcontext.WithRoles(ctx, roles)
	if !instID.IsNil() {
		ctx = requestcontext.WithInstitutionID(ctx, instID)
	}
	return ctx
}

func validIssue(owner id.UserID, inst id.InstitutionID, now time.Time) IssueInput {
	return IssueInput{
		OwnerID:       owner,
		InstitutionID: inst,
		IDType:        "student_card",
		IDNumber:      "STU-1001",
		ValidUntil:    now.Add(365 * 24 * time.Hour),
	}
}

func TestIssue(t *testing.T) {
	f := newFixture(t)
	owner := id.UserID(uuid.New())
	inst := id.InstitutionID(uuid.New())
	admin := id.UserID(uuid.New())
	ctx := actorCtx(admin, inst, "institutional_admin")

	cred, err := f.svc.Issue(ctx, validIssue(owner, inst, f.now))
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, cred.Status)
	assert.Equal(t, admin, cred.CreatedBy)
	assert.Equal(t, f.now, cred.ValidFrom, "valid_from defaults to issue time")

	// Issuance appends a propagation event but no history entry.
	pending := f.outbox.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, EventIDIssued, pending[0].EventType)
	entries, err := f.history.ListByCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	audits, err := f.audits.List(ctx, audit.ListFilter{Action: audit.ActionIDIssued})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, admin, audits[0].ActorID)
	assert.Equal(t, cred.ID.String(), audits[0].SubjectID)
}

func TestIssueDuplicateActive(t *testing.T) {
	f := newFixture(t)
	owner := id.UserID(uuid.New())
	inst := id.InstitutionID(uuid.New())
	ctx := actorCtx(id.UserID(uuid.New()), inst, "institutional_admin")

	_, err := f.svc.Issue(ctx, validIssue(owner, inst, f.now))
	require.NoError(t, err)

	in := validIssue(owner, inst, f.now)
	in.IDNumber = "STU-1002"
	_, err = f.svc.Issue(ctx, in)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
}

func TestIssueForbiddenForResident(t *testing.T) {
	f := newFixture(t)
	inst := id.InstitutionID(uuid.New())
	ctx := actorCtx(id.UserID(uuid.New()), inst, "resident")

	_, err := f.svc.Issue(ctx, validIssue(id.UserID(uuid.New()), inst, f.now))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
}

func TestIssueWrongInstitutionScope(t *testing.T) {
	f := newFixture(t)
	home := id.InstitutionID(uuid.New())
	other := id.InstitutionID(uuid.New())
	ctx := actorCtx(id.UserID(uuid.New()), home, "institutional_admin")

	_, err := f.svc.Issue(ctx, validIssue(id.UserID(uuid.New()), other, f.now))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
}

func TestIssueInactiveInstitution(t *testing.T) {
	f := newFixture(t)
	inst := id.InstitutionID(uuid.New())
	f.dir.inactiveInstitutions[inst] = true
	ctx := actorCtx(id.UserID(uuid.New()), inst, "institutional_admin")

	_, err := f.svc.Issue(ctx, validIssue(id.UserID(uuid.New()), inst, f.now))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
	assert.Empty(t, f.outbox.Pending(), "nothing committed on rejection")
}

func TestUpdateStatusAppendsHistory(t *testing.T) {
	f := newFixture(t)
	owner := id.UserID(uuid.New())
	inst := id.InstitutionID(uuid.New())
	ctx := actorCtx(id.UserID(uuid.New()), inst, "institutional_admin")

	cred, err := f.svc.Issue(ctx, validIssue(owner, inst, f.now))
	require.NoError(t, err)

	updated, err := f.svc.UpdateStatus(ctx, cred.ID, models.StatusSuspended, "disciplinary hold")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuspended, updated.Status)

	entries, err := f.history.ListByCredential(ctx, cred.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1, "exactly one history entry per transition")
	assert.Equal(t, models.StatusActive, entries[0].OldStatus)
	assert.Equal(t, models.StatusSuspended, entries[0].NewStatus)
	assert.Equal(t, "disciplinary hold", entries[0].Reason)
}

func TestRevokedIsTerminal(t *testing.T) {
	f := newFixture(t)
	inst := id.InstitutionID(uuid.New())
	ctx := actorCtx(id.UserID(uuid.New()), inst, "institutional_admin")

	cred, err := f.svc.Issue(ctx, validIssue(id.UserID(uuid.New()), inst, f.now))
	require.NoError(t, err)
	_, err = f.svc.Revoke(ctx, cred.ID, "fraud")
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(ctx, cred.ID, models.StatusSuspended, "try again")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))

	entries, err := f.history.ListByCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failed transition writes nothing")
}

func TestRevokeRequiresReason(t *testing.T) {
	f := newFixture(t)
	inst := id.InstitutionID(uuid.New())
	ctx := actorCtx(id.UserID(uuid.New()), inst, "institutional_admin")

	cred, err := f.svc.Issue(ctx, validIssue(id.UserID(uuid.New()), inst, f.now))
	require.NoError(t, err)

	_, err = f.svc.Revoke(ctx, cred.ID, "")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestStaffCannotRevoke(t *testing.T) {
	f := newFixture(t)
	inst := id.InstitutionID(uuid.New())
	adminCtx := actorCtx(id.UserID(uuid.New()), inst, "institutional_admin")
	staffCtx := actorCtx(id.UserID(uuid.New()), inst, "staff")

	cred, err := f.svc.Issue(adminCtx, validIssue(id.UserID(uuid.New()), inst, f.now))
	require.NoError(t, err)

	_, err = f.svc.Revoke(staffCtx, cred.ID, "not allowed")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
}

func TestGetOwnerShortcut(t *testing.T) {
	f := newFixture(t)
	owner := id.UserID(uuid.New())
	inst := id.InstitutionID(uuid.New())
	adminCtx := actorCtx(id.UserID(uuid.New()), inst, "institutional_admin")

	cred, err := f.svc.Issue(adminCtx, validIssue(owner, inst, f.now))
	require.NoError(t, err)

	ownerCtx := actorCtx(owner, id.InstitutionID{}, "resident")
	got, err := f.svc.Get(ownerCtx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)

	// A different resident cannot read it.
	strangerCtx := actorCtx(id.UserID(uuid.New()), id.InstitutionID{}, "resident")
	_, err = f.svc.Get(strangerCtx, cred.ID)
	require.Error(t, err)
}

func TestExpiredReadDerived(t *testing.T) {
	f := newFixture(t)
	owner := id.UserID(uuid.New())
	inst := id.InstitutionID(uuid.New())
	ctx := actorCtx(id.UserID(uuid.New()), inst, "institutional_admin")

	in := validIssue(owner, inst, f.now)
	in.ValidUntil = f.now.Add(24 * time.Hour)
	cred, err := f.svc.Issue(ctx, in)
	require.NoError(t, err)

	f.now = f.now.Add(48 * time.Hour)
	got, err := f.svc.Get(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status, "stored status untouched")
	assert.Equal(t, models.StatusExpired, got.EffectiveStatus(f.now))
}

func TestListScoping(t *testing.T) {
	f := newFixture(t)
	instA := id.InstitutionID(uuid.New())
	instB := id.InstitutionID(uuid.New())
	adminA := actorCtx(id.UserID(uuid.New()), instA, "institutional_admin")
	adminB := actorCtx(id.UserID(uuid.New()), instB, "institutional_admin")

	_, err := f.svc.Issue(adminA, validIssue(id.UserID(uuid.New()), instA, f.now))
	require.NoError(t, err)
	inB := validIssue(id.UserID(uuid.New()), instB, f.now)
	inB.IDNumber = "STU-2001"
	_, err = f.svc.Issue(adminB, inB)
	require.NoError(t, err)

	got, err := f.svc.List(adminA, credential.ListFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, instA, got[0].InstitutionID)

	super := actorCtx(id.UserID(uuid.New()), id.InstitutionID{}, "super_admin")
	all, err := f.svc.List(super, credential.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
