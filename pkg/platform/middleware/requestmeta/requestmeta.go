// Package requestmeta injects request-scoped metadata (correlation ID,
// arrival time, client address, user agent) before any other middleware
// runs, so logging and services see consistent values.
package requestmeta

import (
	"net"
	"net/http"

	"github.com/google/uuid"

	"civid/pkg/requestcontext"
)

// HeaderRequestID is honored when the caller supplies its own correlation ID.
const HeaderRequestID = "X-Request-Id"

// Middleware stamps the context and echoes the request ID on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		ctx := r.Context()
		ctx = requestcontext.WithRequestID(ctx, requestID)
		ctx = requestcontext.WithTime(ctx, requestcontext.Now(ctx))
		ctx = requestcontext.WithClientIP(ctx, host)
		ctx = requestcontext.WithUserAgent(ctx, r.UserAgent())

		w.Header().Set(HeaderRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
