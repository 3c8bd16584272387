// Package token mints and validates the signed session tokens shared by
// every service surface. Tokens are HS256 JWTs carrying subject, roles,
// scopes, and institution binding; early invalidation goes through the
// revocation list keyed by JTI.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	id "civid/pkg/domain"
	dErrors "civid/pkg/domain-errors"
)

// Claims represents the JWT claims for access tokens.
type Claims struct {
	UserID        string   `json:"user_id"`
	Roles         []string `json:"roles"`
	Scopes        []string `json:"scopes"`
	InstitutionID string   `json:"institution_id,omitempty"`
	jwt.RegisteredClaims
}

// RevocationList is the denylist of tokens invalidated before natural
// expiry. Entries carry a TTL equal to the token's remaining lifetime so
// the list self-prunes.
type RevocationList interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Service handles token creation, validation, and revocation.
type Service struct {
	signingKey  []byte
	issuer      string
	audience    string
	revocations RevocationList
	clock       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New constructs a token Service. revocations may be nil, in which case
// verification skips the revocation lookup and Revoke fails.
func New(signingKey, issuer, audience string, revocations RevocationList, opts ...Option) *Service {
	s := &Service{
		signingKey:  []byte(signingKey),
		issuer:      issuer,
		audience:    audience,
		revocations: revocations,
		clock:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Issue produces a signed token for the subject with an absolute expiry.
func (s *Service) Issue(subject id.UserID, roles, scopes []string, institutionID id.InstitutionID, ttl time.Duration) (string, error) {
	if subject.IsNil() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "subject is required")
	}
	if ttl <= 0 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "ttl must be positive")
	}

	now := s.clock()
	claims := Claims{
		UserID: subject.String(),
		Roles:  roles,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Audience:  []string{s.audience},
			ID:        uuid.NewString(),
		},
	}
	if !institutionID.IsNil() {
		claims.InstitutionID = institutionID.String()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "sign token")
	}
	return signed, nil
}

// Verify validates signature, issuer, audience, and expiry, then consults
// the revocation list. Every failure surfaces as an authentication error.
func (s *Service) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}

	if s.revocations != nil {
		revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "check token revocation")
		}
		if revoked {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has been revoked")
		}
	}
	return claims, nil
}

// Revoke adds the token to the revocation list with a TTL equal to its
// remaining lifetime. Revoking an already-expired token is a no-op.
func (s *Service) Revoke(ctx context.Context, tokenString string) error {
	if s.revocations == nil {
		return dErrors.New(dErrors.CodeInternal, "revocation list not configured")
	}

	claims, err := s.parse(tokenString)
	if err != nil {
		// Expired tokens need no denylist entry; anything else is rejected.
		if dErrors.HasCode(err, dErrors.CodeUnauthorized) && errors.Is(err, jwt.ErrTokenExpired) {
			return nil
		}
		return err
	}

	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining <= 0 {
		return nil
	}
	if err := s.revocations.Revoke(ctx, claims.ID, remaining); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "revoke token")
	}
	return nil
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	}, jwt.WithTimeFunc(s.clock), jwt.WithIssuer(s.issuer), jwt.WithAudience(s.audience))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "invalid token")
	}
	if !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}
