// Package handler exposes account management endpoints.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"civid/internal/user/models"
	"civid/internal/user/service"
	"civid/internal/user/store/user"
	id "civid/pkg/domain"
	dErrors "civid/pkg/domain-errors"
	"civid/pkg/platform/httputil"
)

// Service is the user surface the handler needs.
type Service interface {
	Register(ctx context.Context, in service.RegisterInput) (*models.User, error)
	Get(ctx context.Context, userID id.UserID) (*models.User, error)
	List(ctx context.Context, filter user.ListFilter) ([]*models.User, error)
	AssignRoles(ctx context.Context, userID id.UserID, roles []string) (*models.User, error)
	Deactivate(ctx context.Context, userID id.UserID) (*models.User, error)
	RequestUpdate(ctx context.Context, fields map[string]string) (*models.UpdateRequest, error)
	ListUpdateRequests(ctx context.Context, status models.RequestStatus) ([]*models.UpdateRequest, error)
	ReviewUpdateRequest(ctx context.Context, reqID id.UpdateRequestID, approve bool, note string) (*models.UpdateRequest, error)
	ApplyIDSummary(ctx context.Context, owner id.UserID, summary models.IDSummary) error
	RemoveIDSummary(ctx context.Context, owner id.UserID, institutionID, idType string) error
	ListMyUpdateRequests(ctx context.Context) ([]*models.UpdateRequest, error)
}

// Handler wires user endpoints to the user service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a user handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts user endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/api/users", h.HandleRegister)
	r.Get("/api/users", h.HandleList)
	r.Get("/api/users/{userID}", h.HandleGet)
	r.Put("/api/users/{userID}/roles", h.HandleAssignRoles)
	r.Delete("/api/users/{userID}", h.HandleDeactivate)

	r.Post("/api/users/me/update-requests", h.HandleRequestUpdate)
	r.Get("/api/users/me/update-requests", h.HandleListMyRequests)
	r.Get("/api/update-requests", h.HandleListRequests)
	r.Post("/api/update-requests/{requestID}/review", h.HandleReviewRequest)
}

// RegisterPropagation mounts the endpoints the ID propagator writes to.
// The services layer applies summaries without further authorization, so
// the caller must gate these routes on the update_user permission.
func (h *Handler) RegisterPropagation(r chi.Router) {
	r.Patch("/api/users/{userID}/institutional-ids", h.HandleApplySummary)
	r.Delete("/api/users/{userID}/institutional-ids", h.HandleRemoveSummary)
}

type registerRequest struct {
	Username      string   `json:"username"`
	Email         string   `json:"email"`
	Password      string   `json:"password"`
	FullName      string   `json:"full_name"`
	Roles         []string `json:"roles"`
	InstitutionID string   `json:"institution_id,omitempty"`
}

// HandleRegister handles POST /api/users.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	in := service.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
		Roles:    req.Roles,
	}
	if req.InstitutionID != "" {
		instID, err := id.ParseInstitutionID(req.InstitutionID)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		in.InstitutionID = instID
	}

	u, err := h.service.Register(r.Context(), in)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, u)
}

// HandleGet handles GET /api/users/{userID}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, err := id.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	u, err := h.service.Get(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, u)
}

// HandleList handles GET /api/users.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter := user.ListFilter{
		Role:   r.URL.Query().Get("role"),
		Status: models.Status(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("institution_id"); raw != "" {
		instID, err := id.ParseInstitutionID(raw)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		filter.InstitutionID = instID
	}
	users, err := h.service.List(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"users": users})
}

type assignRolesRequest struct {
	Roles []string `json:"roles"`
}

// HandleAssignRoles handles PUT /api/users/{userID}/roles.
func (h *Handler) HandleAssignRoles(w http.ResponseWriter, r *http.Request) {
	userID, err := id.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req assignRolesRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	u, err := h.service.AssignRoles(r.Context(), userID, req.Roles)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, u)
}

// HandleDeactivate handles DELETE /api/users/{userID}.
func (h *Handler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	userID, err := id.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	u, err := h.service.Deactivate(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, u)
}

// HandleApplySummary handles PATCH /api/users/{userID}/institutional-ids,
// the receiving end of cross-service ID propagation.
func (h *Handler) HandleApplySummary(w http.ResponseWriter, r *http.Request) {
	userID, err := id.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var summary models.IDSummary
	if err := httputil.ReadJSON(r, &summary); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.service.ApplyIDSummary(r.Context(), userID, summary); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// HandleRemoveSummary handles DELETE /api/users/{userID}/institutional-ids,
// the tombstone end of cross-service ID propagation.
func (h *Handler) HandleRemoveSummary(w http.ResponseWriter, r *http.Request) {
	userID, err := id.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	instID := r.URL.Query().Get("institution_id")
	idType := r.URL.Query().Get("id_type")
	if instID == "" || idType == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "institution_id and id_type are required"))
		return
	}
	if err := h.service.RemoveIDSummary(r.Context(), userID, instID, idType); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type updateRequestBody struct {
	Fields map[string]string `json:"fields"`
}

// HandleRequestUpdate handles POST /api/users/me/update-requests.
func (h *Handler) HandleRequestUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequestBody
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	created, err := h.service.RequestUpdate(r.Context(), req.Fields)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, created)
}

// HandleListMyRequests handles GET /api/users/me/update-requests.
func (h *Handler) HandleListMyRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.service.ListMyUpdateRequests(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"update_requests": reqs})
}

// HandleListRequests handles GET /api/update-requests.
func (h *Handler) HandleListRequests(w http.ResponseWriter, r *http.Request) {
	status := models.RequestStatus(r.URL.Query().Get("status"))
	reqs, err := h.service.ListUpdateRequests(r.Context(), status)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"update_requests": reqs})
}

type reviewRequest struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note,omitempty"`
}

// HandleReviewRequest handles POST /api/update-requests/{requestID}/review.
func (h *Handler) HandleReviewRequest(w http.ResponseWriter, r *http.Request) {
	reqID, err := id.ParseUpdateRequestID(chi.URLParam(r, "requestID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req reviewRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	reviewed, err := h.service.ReviewUpdateRequest(r.Context(), reqID, req.Approve, req.Note)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, reviewed)
}
