// Package auth provides the bearer-token middleware shared by all protected
// routes: parse the Authorization header, validate the token, consult the
// revocation list, and stash the principal in the request context.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	id "civid/pkg/domain"
	"civid/pkg/requestcontext"
)

// TokenClaims is what the middleware needs from a validated token.
type TokenClaims struct {
	UserID        id.UserID
	Roles         []string
	Scopes        []string
	InstitutionID id.InstitutionID
	JTI           string
}

// TokenValidator validates a raw token string and returns its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*TokenClaims, error)
}

// RevocationChecker reports whether a token (by JTI) has been revoked early.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + errCode + `","error_description":"` + errDesc + `"}`))
}

// RequireAuth rejects requests without a valid, unrevoked bearer token.
// Any verification failure is an authentication error; requests are never
// downgraded to anonymous.
func RequireAuth(validator TokenValidator, revocations RevocationChecker, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := requestcontext.RequestID(ctx)

			const bearerPrefix = "Bearer "
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), bearerPrefix)
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			if revocations != nil {
				if claims.JTI == "" {
					logger.WarnContext(ctx, "unauthorized access - missing token jti",
						"request_id", requestID,
					)
					writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
					return
				}
				revoked, err := revocations.IsRevoked(ctx, claims.JTI)
				if err != nil {
					logger.ErrorContext(ctx, "failed to check token revocation",
						"error", err,
						"request_id", requestID,
					)
					writeJSONError(w, http.StatusInternalServerError, "internal_error", "Failed to validate token")
					return
				}
				if revoked {
					logger.WarnContext(ctx, "unauthorized access - token revoked",
						"jti", claims.JTI,
						"request_id", requestID,
					)
					writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Token has been revoked")
					return
				}
			}

			ctx = requestcontext.WithUserID(ctx, claims.UserID)
			ctx = requestcontext.WithRoles(ctx, claims.Roles)
			ctx = requestcontext.WithScopes(ctx, claims.Scopes)
			ctx = requestcontext.WithInstitutionID(ctx, claims.InstitutionID)
			ctx = requestcontext.WithBearerToken(ctx, token)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
