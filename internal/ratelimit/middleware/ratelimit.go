// Package middleware exposes the limiter as an HTTP middleware. Limited
// requests are blocked with 429 regardless of which threshold tripped.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"civid/internal/ratelimit"
	dErrors "civid/pkg/domain-errors"
	"civid/pkg/platform/httputil"
	"civid/pkg/requestcontext"
)

// RateLimit keys the check on the authenticated user when present, falling
// back to the client IP for unauthenticated routes (login). It must run
// after requestmeta and, on protected routes, after auth.
func RateLimit(limiter *ratelimit.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			subject := ""
			if userID := requestcontext.UserID(ctx); !userID.IsNil() {
				subject = userID.String()
			} else if ip := requestcontext.ClientIP(ctx); ip != "" {
				subject = ip
			}
			if subject == "" {
				// No identity to key on; let the request through rather
				// than sharing one global bucket.
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Check(ctx, subject)
			if err != nil {
				logger.ErrorContext(ctx, "rate limit check failed",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, err)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			if result.Limited {
				w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryIn.Seconds())+1))
				httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
