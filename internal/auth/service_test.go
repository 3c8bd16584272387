package auth

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
	"civid/internal/token"
	"civid/internal/token/store/revocation"
	usermodels "civid/internal/user/models"
	userstore "civid/internal/user/store/user"
	id "civid/pkg/domain"
	dErrors "civid/pkg/domain-errors"
	"civid/pkg/requestcontext"
)

type fixture struct {
	svc    *Service
	users  *userstore.MemoryStore
	tokens *token.Service
	audits *auditmem.Store
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		users:  userstore.NewMemory(),
		audits: auditmem.New(),
		// Revocation TTLs are computed against the wall clock, so the
		// fixture clock stays anchored to it.
		now: time.Now(),
	}
	clock := func() time.Time { return f.now }
	f.tokens = token.New("test-signing-key-0123456789abcdef", "civid", "civid-api",
		revocation.NewMemory(), token.WithClock(clock))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = New(f.users, f.tokens, f.audits, time.Hour, logger, WithClock(clock))
	return f
}

func (f *fixture) seedUser(t *testing.T, username, password string, roles []string, status usermodels.Status) *usermodels.User {
	t.Helper()
	u := &usermodels.User{
		ID:        id.UserID(uuid.New()),
		Username:  username,
		Email:     username + "@example.org",
		FullName:  "Test User",
		Roles:     roles,
		Status:    status,
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}
	require.NoError(t, u.SetPassword(password))
	require.NoError(t, f.users.Create(context.Background(), u))
	return u
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	u := f.seedUser(t, "jdoe", "correct-horse-battery", []string{"staff"}, usermodels.StatusActive)

	session, err := f.svc.Login(context.Background(), "jdoe", "correct-horse-battery")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", session.TokenType)
	assert.Equal(t, int(time.Hour.Seconds()), session.ExpiresIn)
	assert.Equal(t, u.ID, session.UserID)
	assert.Equal(t, []string{"staff"}, session.Roles)
	assert.Equal(t, []string{"institution"}, session.Scopes)
	assert.NotEmpty(t, session.AccessToken)

	// The issued token verifies against the same token service.
	claims, err := f.tokens.Verify(context.Background(), session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID.String(), claims.UserID)

	// Last login is stamped.
	stored, err := f.users.FindByID(context.Background(), u.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastLogin)
	assert.Equal(t, f.now, *stored.LastLogin)

	events, err := f.audits.List(context.Background(), audit.ListFilter{Action: audit.ActionLoginSucceeded})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// TestLoginFailureIsUniform checks that unknown usernames and wrong
// passwords produce the same message, so callers cannot probe which
// usernames exist.
func TestLoginFailureIsUniform(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "jdoe", "correct-horse-battery", []string{"resident"}, usermodels.StatusActive)
	ctx := context.Background()

	_, unknownErr := f.svc.Login(ctx, "nobody", "whatever-password")
	require.Error(t, unknownErr)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(unknownErr))

	_, wrongErr := f.svc.Login(ctx, "jdoe", "wrong-password-here")
	require.Error(t, wrongErr)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(wrongErr))

	assert.Equal(t, unknownErr.Error(), wrongErr.Error())

	// Both failures are audited with distinct internal reasons.
	events, err := f.audits.List(ctx, audit.ListFilter{Action: audit.ActionLoginFailed})
	require.NoError(t, err)
	require.Len(t, events, 2)
	reasons := []string{events[0].Reason, events[1].Reason}
	assert.ElementsMatch(t, []string{"unknown user", "wrong password"}, reasons)
}

func TestLoginInactiveAccount(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "suspended", "correct-horse-battery", []string{"resident"}, usermodels.StatusSuspended)

	_, err := f.svc.Login(context.Background(), "suspended", "correct-horse-battery")
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeForbidden, dErrors.CodeOf(err))
}

func TestLoginAuditsDeviceDescription(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "jdoe", "correct-horse-battery", []string{"resident"}, usermodels.StatusActive)

	ctx := requestcontext.WithUserAgent(context.Background(),
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	_, err := f.svc.Login(ctx, "jdoe", "correct-horse-battery")
	require.NoError(t, err)

	events, err := f.audits.List(ctx, audit.ListFilter{Action: audit.ActionLoginSucceeded})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].UserAgent, "Chrome")
	assert.Contains(t, events[0].UserAgent, " on ")
	assert.NotContains(t, events[0].UserAgent, "Mozilla/5.0", "raw header is condensed")
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	u := f.seedUser(t, "jdoe", "correct-horse-battery", []string{"resident"}, usermodels.StatusActive)

	ctx := requestcontext.WithUserID(context.Background(), u.ID)
	found, err := f.svc.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, u.ID, found.ID)

	_, err = f.svc.Me(context.Background())
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))
}

func TestLogoutRevokesToken(t *testing.T) {
	f := newFixture(t)
	u := f.seedUser(t, "jdoe", "correct-horse-battery", []string{"resident"}, usermodels.StatusActive)
	ctx := context.Background()

	session, err := f.svc.Login(ctx, "jdoe", "correct-horse-battery")
	require.NoError(t, err)

	authed := requestcontext.WithUserID(ctx, u.ID)
	authed = requestcontext.WithBearerToken(authed, session.AccessToken)
	require.NoError(t, f.svc.Logout(authed))

	_, err = f.tokens.Verify(ctx, session.AccessToken)
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))

	events, err := f.audits.List(ctx, audit.ListFilter{Action: audit.ActionTokenRevoked})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLogoutWithoutToken(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Logout(context.Background())
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))
}
