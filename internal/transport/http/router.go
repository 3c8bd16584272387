// Package httptransport assembles the HTTP surface: middleware chain,
// public routes, and the authenticated API.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	audithandler "civid/internal/audit/handler"
	authhandler "civid/internal/auth/handler"
	identityhandler "civid/internal/identity/handler"
	institutionhandler "civid/internal/institution/handler"
	"civid/internal/platform/metrics"
	"civid/internal/policy"
	"civid/internal/ratelimit"
	ratelimitmw "civid/internal/ratelimit/middleware"
	userhandler "civid/internal/user/handler"
	"civid/pkg/platform/httputil"
	authmw "civid/pkg/platform/middleware/auth"
	"civid/pkg/platform/middleware/requestmeta"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Deps carries everything the router mounts.
type Deps struct {
	Auth         *authhandler.Handler
	Users        *userhandler.Handler
	Institutions *institutionhandler.Handler
	IDs          *identityhandler.Handler
	Audit        *audithandler.Handler

	Validator   authmw.TokenValidator
	Revocations authmw.RevocationChecker
	Limiter     *ratelimit.Limiter
	Policies    *policy.Table
	Metrics     *metrics.Metrics
	Health      map[string]HealthCheck
	Logger      *slog.Logger
}

// NewRouter builds the full route tree. Order matters: request metadata
// first so every later stage sees the request ID, then metrics. The rate
// limiter sits after auth on the API group so each user gets their own
// bucket; public routes fall back to a per-IP bucket.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(requestmeta.Middleware)
	r.Use(d.Metrics.Middleware)

	r.Group(func(r chi.Router) {
		r.Use(ratelimitmw.RateLimit(d.Limiter, d.Logger))

		r.Get("/health", handleHealth(d.Health, d.Logger))
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
		d.Auth.RegisterPublic(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(authmw.RequireAuth(d.Validator, d.Revocations, d.Logger))
		r.Use(ratelimitmw.RateLimit(d.Limiter, d.Logger))

		d.Auth.Register(r)
		d.Users.Register(r)
		d.Institutions.Register(r)
		d.IDs.Register(r)

		// The propagation target rewrites denormalized profile state, so
		// it is held to the same bar as direct user mutation.
		r.Group(func(r chi.Router) {
			r.Use(policy.RequirePermissions(d.Policies, policy.PermUpdateUser))
			d.Users.RegisterPropagation(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(policy.RequirePermissions(d.Policies, policy.PermAuditLog))
			d.Audit.Register(r)
		})
	})

	return r
}

// handleHealth probes all dependencies concurrently. Any failing probe
// turns the endpoint red.
func handleHealth(checks map[string]HealthCheck, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		var (
			mu      sync.Mutex
			healthy = true
			results = make(map[string]string, len(checks))
		)
		g, ctx := errgroup.WithContext(ctx)
		for name, check := range checks {
			g.Go(func() error {
				err := check(ctx)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					results[name] = "unhealthy"
					healthy = false
					logger.Warn("health check failed", "dependency", name, "error", err)
				} else {
					results[name] = "ok"
				}
				return nil
			})
		}
		_ = g.Wait()

		status := http.StatusOK
		overall := "ok"
		if !healthy {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}
		httputil.WriteJSON(w, status, map[string]any{
			"status":       overall,
			"dependencies": results,
		})
	}
}
