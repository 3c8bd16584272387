// Package requestcontext provides HTTP-independent accessors for
// request-scoped values. Middleware sets them; services read them. Keeping
// the package free of net/http lets services avoid transport imports, and
// tests inject values with the With* helpers instead of running the full
// middleware chain.
package requestcontext

import (
	"context"
	"time"

	id "civid/pkg/domain"
)

type (
	userIDKey        struct{}
	rolesKey         struct{}
	scopesKey        struct{}
	institutionIDKey struct{}
	tokenKey         struct{}
	requestIDKey     struct{}
	requestTimeKey   struct{}
	userAgentKey     struct{}
	clientIPKey      struct{}
)

// UserID retrieves the authenticated user ID. Zero value when unset.
func UserID(ctx context.Context) id.UserID {
	if v, ok := ctx.Value(userIDKey{}).(id.UserID); ok {
		return v
	}
	return id.UserID{}
}

// WithUserID injects an authenticated user ID.
func WithUserID(ctx context.Context, userID id.UserID) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// Roles retrieves the authenticated principal's role names.
func Roles(ctx context.Context) []string {
	if v, ok := ctx.Value(rolesKey{}).([]string); ok {
		return v
	}
	return nil
}

// WithRoles injects the principal's role names.
func WithRoles(ctx context.Context, roles []string) context.Context {
	return context.WithValue(ctx, rolesKey{}, roles)
}

// Scopes retrieves the token's scope list.
func Scopes(ctx context.Context) []string {
	if v, ok := ctx.Value(scopesKey{}).([]string); ok {
		return v
	}
	return nil
}

// WithScopes injects the token's scope list.
func WithScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, scopesKey{}, scopes)
}

// InstitutionID retrieves the principal's institution. Zero value when the
// principal is not bound to an institution.
func InstitutionID(ctx context.Context) id.InstitutionID {
	if v, ok := ctx.Value(institutionIDKey{}).(id.InstitutionID); ok {
		return v
	}
	return id.InstitutionID{}
}

// WithInstitutionID injects the principal's institution.
func WithInstitutionID(ctx context.Context, instID id.InstitutionID) context.Context {
	return context.WithValue(ctx, institutionIDKey{}, instID)
}

// BearerToken retrieves the raw presented token, kept for revoke-self and
// cross-service forwarding.
func BearerToken(ctx context.Context) string {
	if v, ok := ctx.Value(tokenKey{}).(string); ok {
		return v
	}
	return ""
}

// WithBearerToken injects the raw presented token.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// RequestID retrieves the correlation ID assigned to this request.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRequestID injects a correlation ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// Now returns the request arrival time when set, falling back to the wall
// clock. Services use this so a request observes one consistent timestamp
// and tests can freeze time.
func Now(ctx context.Context) time.Time {
	if v, ok := ctx.Value(requestTimeKey{}).(time.Time); ok {
		return v
	}
	return time.Now()
}

// WithTime injects a fixed request time.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey{}, t)
}

// UserAgent retrieves the raw User-Agent header value.
func UserAgent(ctx context.Context) string {
	if v, ok := ctx.Value(userAgentKey{}).(string); ok {
		return v
	}
	return ""
}

// WithUserAgent injects the raw User-Agent header value.
func WithUserAgent(ctx context.Context, ua string) context.Context {
	return context.WithValue(ctx, userAgentKey{}, ua)
}

// ClientIP retrieves the caller's remote address.
func ClientIP(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey{}).(string); ok {
		return v
	}
	return ""
}

// WithClientIP injects the caller's remote address.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}
