// Package handler exposes institution registry endpoints.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"civid/internal/institution/models"
	"civid/internal/institution/service"
	id "civid/pkg/domain"
	"civid/pkg/platform/httputil"
)

// Service is the institution surface the handler needs.
type Service interface {
	Create(ctx context.Context, in service.CreateInput) (*models.Institution, error)
	Get(ctx context.Context, instID id.InstitutionID) (*models.Institution, error)
	List(ctx context.Context) ([]*models.Institution, error)
	Deactivate(ctx context.Context, instID id.InstitutionID) (*models.Institution, error)
	Reactivate(ctx context.Context, instID id.InstitutionID) (*models.Institution, error)
}

// Handler wires institution endpoints to the institution service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs an institution handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts institution endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/api/institutions", h.HandleCreate)
	r.Get("/api/institutions", h.HandleList)
	r.Get("/api/institutions/{institutionID}", h.HandleGet)
	r.Post("/api/institutions/{institutionID}/deactivate", h.HandleDeactivate)
	r.Post("/api/institutions/{institutionID}/reactivate", h.HandleReactivate)
}

type createRequest struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	ContactEmail string `json:"contact_email,omitempty"`
}

// HandleCreate handles POST /api/institutions.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	inst, err := h.service.Create(r.Context(), service.CreateInput{
		Name:         req.Name,
		Kind:         req.Kind,
		ContactEmail: req.ContactEmail,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, inst)
}

// HandleGet handles GET /api/institutions/{institutionID}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	instID, err := id.ParseInstitutionID(chi.URLParam(r, "institutionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	inst, err := h.service.Get(r.Context(), instID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inst)
}

// HandleList handles GET /api/institutions.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	insts, err := h.service.List(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"institutions": insts})
}

// HandleDeactivate handles POST /api/institutions/{institutionID}/deactivate.
func (h *Handler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	instID, err := id.ParseInstitutionID(chi.URLParam(r, "institutionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	inst, err := h.service.Deactivate(r.Context(), instID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inst)
}

// HandleReactivate handles POST /api/institutions/{institutionID}/reactivate.
func (h *Handler) HandleReactivate(w http.ResponseWriter, r *http.Request) {
	instID, err := id.ParseInstitutionID(chi.URLParam(r, "institutionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	inst, err := h.service.Reactivate(r.Context(), instID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inst)
}
