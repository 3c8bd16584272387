// Package auth implements password login and session token handling.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mssola/useragent"

	"civid/internal/audit"
	"civid/internal/policy"
	usermodels "civid/internal/user/models"
	userstore "civid/internal/user/store/user"
	id "civid/pkg/domain"
	dErrors "civid/pkg/domain-errors"
	"civid/pkg/platform/sentinel"
	"civid/pkg/requestcontext"
)

// TokenIssuer signs access tokens. Implemented by the token service.
type TokenIssuer interface {
	Issue(subject id.UserID, roles, scopes []string, institutionID id.InstitutionID, ttl time.Duration) (string, error)
	Revoke(ctx context.Context, tokenString string) error
}

// Service authenticates users and issues tokens.
type Service struct {
	users   userstore.Store
	tokens  TokenIssuer
	auditor audit.Store
	ttl     time.Duration
	logger  *slog.Logger
	clock   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// New constructs the auth service.
func New(users userstore.Store, tokens TokenIssuer, auditor audit.Store, ttl time.Duration, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		users:   users,
		tokens:  tokens,
		auditor: auditor,
		ttl:     ttl,
		logger:  logger,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Session is the result of a successful login.
type Session struct {
	AccessToken string           `json:"access_token"`
	TokenType   string           `json:"token_type"`
	ExpiresIn   int              `json:"expires_in"`
	UserID      id.UserID        `json:"user_id"`
	Roles       []string         `json:"roles"`
	Scopes      []string         `json:"scopes"`
	Institution id.InstitutionID `json:"institution_id,omitempty"`
}

// Login verifies the password and issues an access token. Failed and
// successful attempts both leave an audit trail; the failure message
// never distinguishes unknown users from wrong passwords.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	now := s.clock()

	u, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.auditFailure(ctx, username, "unknown user", now)
			return nil, invalidCredentials()
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find user")
	}
	if !u.CheckPassword(password) {
		s.auditFailure(ctx, username, "wrong password", now)
		return nil, invalidCredentials()
	}
	if !u.IsActive() {
		s.auditFailure(ctx, username, "account "+string(u.Status), now)
		return nil, dErrors.New(dErrors.CodeForbidden, "account is not active")
	}

	scopes := policy.ScopesFor(u.Roles)
	token, err := s.tokens.Issue(u.ID, u.Roles, scopes, u.Institution, s.ttl)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "issue token")
	}

	u.LastLogin = &now
	u.UpdatedAt = now
	if err := s.users.Update(ctx, u); err != nil {
		s.logger.Warn("could not stamp last login", "user_id", u.ID, "error", err)
	}

	event := audit.Event{
		Timestamp: now,
		ActorID:   u.ID,
		Action:    audit.ActionLoginSucceeded,
		SubjectID: u.ID.String(),
		RequestID: requestcontext.RequestID(ctx),
		IP:        requestcontext.ClientIP(ctx),
		UserAgent: deviceDescription(requestcontext.UserAgent(ctx)),
	}
	if err := s.auditor.Append(ctx, event); err != nil {
		s.logger.Error("audit append failed", "action", event.Action, "error", err)
	}

	s.logger.Info("login succeeded", "user_id", u.ID, "roles", u.Roles)
	return &Session{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.ttl.Seconds()),
		UserID:      u.ID,
		Roles:       u.Roles,
		Scopes:      scopes,
		Institution: u.Institution,
	}, nil
}

// Me returns the authenticated user's account.
func (s *Service) Me(ctx context.Context) (*usermodels.User, error) {
	userID := requestcontext.UserID(ctx)
	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "no authenticated user")
	}
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "user not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find user")
	}
	return u, nil
}

// Logout revokes the presented token.
func (s *Service) Logout(ctx context.Context) error {
	token := requestcontext.BearerToken(ctx)
	if token == "" {
		return dErrors.New(dErrors.CodeUnauthorized, "no token presented")
	}
	if err := s.tokens.Revoke(ctx, token); err != nil {
		return err
	}

	now := s.clock()
	event := audit.Event{
		Timestamp: now,
		ActorID:   requestcontext.UserID(ctx),
		Action:    audit.ActionTokenRevoked,
		RequestID: requestcontext.RequestID(ctx),
		IP:        requestcontext.ClientIP(ctx),
	}
	if err := s.auditor.Append(ctx, event); err != nil {
		s.logger.Error("audit append failed", "action", event.Action, "error", err)
	}
	return nil
}

func (s *Service) auditFailure(ctx context.Context, username, reason string, now time.Time) {
	event := audit.Event{
		Timestamp: now,
		Action:    audit.ActionLoginFailed,
		SubjectID: username,
		Reason:    reason,
		RequestID: requestcontext.RequestID(ctx),
		IP:        requestcontext.ClientIP(ctx),
		UserAgent: deviceDescription(requestcontext.UserAgent(ctx)),
	}
	if err := s.auditor.Append(ctx, event); err != nil {
		s.logger.Error("audit append failed", "action", event.Action, "error", err)
	}
}

func invalidCredentials() error {
	return dErrors.New(dErrors.CodeUnauthorized, "invalid username or password")
}

// deviceDescription condenses a raw User-Agent header into
// "browser/version on os" for the audit trail.
func deviceDescription(raw string) string {
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	name, version := ua.Browser()
	if name == "" {
		return raw
	}
	desc := name
	if version != "" {
		desc += "/" + version
	}
	if os := ua.OS(); os != "" {
		desc += " on " + os
	}
	return desc
}
