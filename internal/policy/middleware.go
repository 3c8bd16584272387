package policy

import (
	"net/http"

	"civid/pkg/platform/httputil"
	"civid/pkg/requestcontext"
)

// RequirePermissions returns middleware that denies the request unless the
// authenticated principal holds every listed permission. It must be
// composed after the auth middleware, which populates the roles in context.
func RequirePermissions(table *Table, required ...Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := table.Authorize(requestcontext.Roles(r.Context()), required...); err != nil {
				httputil.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
