// Package handler exposes the authentication endpoints.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"civid/internal/auth"
	usermodels "civid/internal/user/models"
	"civid/pkg/platform/httputil"
	"civid/pkg/requestcontext"
)

// Service is the auth surface the handler needs.
type Service interface {
	Login(ctx context.Context, username, password string) (*auth.Session, error)
	Me(ctx context.Context) (*usermodels.User, error)
	Logout(ctx context.Context) error
}

// Handler wires auth endpoints to the auth service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs an auth handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterPublic mounts the endpoints that must work without a token.
func (h *Handler) RegisterPublic(r chi.Router) {
	r.Post("/auth/token", h.HandleLogin)
	r.Post("/api/auth/login", h.HandleLogin)
}

// Register mounts the authenticated endpoints.
func (h *Handler) Register(r chi.Router) {
	r.Get("/auth/me", h.HandleMe)
	r.Get("/api/users/me", h.HandleMe)
	r.Post("/auth/revoke", h.HandleLogout)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleLogin handles POST /auth/token.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	session, err := h.service.Login(ctx, req.Username, req.Password)
	if err != nil {
		h.logger.InfoContext(ctx, "login rejected",
			"request_id", requestcontext.RequestID(ctx),
			"username", req.Username,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, session)
}

// HandleMe handles GET /auth/me.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	u, err := h.service.Me(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, u)
}

// HandleLogout handles POST /auth/revoke.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context()); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
