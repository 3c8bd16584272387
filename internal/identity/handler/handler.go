// Package handler exposes institutional ID endpoints.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"civid/internal/identity/models"
	"civid/internal/identity/service"
	"civid/internal/identity/store/credential"
	id "civid/pkg/domain"
	dErrors "civid/pkg/domain-errors"
	"civid/pkg/platform/httputil"
	"civid/pkg/requestcontext"
)

// Service is the identity surface the handler needs.
type Service interface {
	Issue(ctx context.Context, in service.IssueInput) (*models.Credential, error)
	Get(ctx context.Context, credID id.CredentialID) (*models.Credential, error)
	GetByNumber(ctx context.Context, instID id.InstitutionID, idNumber string) (*models.Credential, error)
	List(ctx context.Context, filter credential.ListFilter) ([]*models.Credential, error)
	ListByOwner(ctx context.Context, owner id.UserID) ([]*models.Credential, error)
	Update(ctx context.Context, credID id.CredentialID, in service.UpdateInput) (*models.Credential, error)
	UpdateStatus(ctx context.Context, credID id.CredentialID, next models.Status, reason string) (*models.Credential, error)
	Revoke(ctx context.Context, credID id.CredentialID, reason string) (*models.Credential, error)
	History(ctx context.Context, credID id.CredentialID) ([]*models.HistoryEntry, error)
}

// Handler wires ID endpoints to the identity service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs an identity handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts ID endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/api/ids", h.HandleIssue)
	r.Get("/api/ids", h.HandleList)
	r.Get("/api/ids/lookup", h.HandleLookup)
	r.Get("/api/ids/{credentialID}", h.HandleGet)
	r.Patch("/api/ids/{credentialID}", h.HandleUpdate)
	r.Post("/api/ids/{credentialID}/status", h.HandleUpdateStatus)
	r.Post("/api/ids/{credentialID}/revoke", h.HandleRevoke)
	r.Get("/api/ids/{credentialID}/history", h.HandleHistory)
	r.Get("/api/users/{userID}/ids", h.HandleListByOwner)

	// Institution-scoped aliases: the issuing institution is taken from the
	// caller's own scope instead of the request body.
	r.Post("/api/institutional-ids", h.HandleIssueScoped)
	r.Get("/api/institutional-ids/{idNumber}", h.HandleLookupScoped)
	r.Patch("/api/institutional-ids/{idNumber}/revoke", h.HandleRevokeScoped)
}

// credentialResponse adds the read-time status to the stored record.
type credentialResponse struct {
	*models.Credential
	EffectiveStatus models.Status `json:"effective_status"`
}

func (h *Handler) respond(ctx context.Context, cred *models.Credential) credentialResponse {
	return credentialResponse{
		Credential:      cred,
		EffectiveStatus: cred.EffectiveStatus(requestcontext.Now(ctx)),
	}
}

func (h *Handler) respondList(ctx context.Context, creds []*models.Credential) []credentialResponse {
	out := make([]credentialResponse, 0, len(creds))
	for _, c := range creds {
		out = append(out, h.respond(ctx, c))
	}
	return out
}

type issueRequest struct {
	OwnerID       string            `json:"owner_id"`
	InstitutionID string            `json:"institution_id"`
	IDType        string            `json:"id_type"`
	IDNumber      string            `json:"id_number"`
	ValidFrom     *time.Time        `json:"valid_from,omitempty"`
	ValidUntil    time.Time         `json:"valid_until"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// HandleIssue handles POST /api/ids.
func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req issueRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	owner, err := id.ParseUserID(req.OwnerID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	instID, err := id.ParseInstitutionID(req.InstitutionID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	in := service.IssueInput{
		OwnerID:       owner,
		InstitutionID: instID,
		IDType:        req.IDType,
		IDNumber:      req.IDNumber,
		ValidUntil:    req.ValidUntil,
		Metadata:      req.Metadata,
	}
	if req.ValidFrom != nil {
		in.ValidFrom = *req.ValidFrom
	}

	cred, err := h.service.Issue(ctx, in)
	if err != nil {
		h.logger.InfoContext(ctx, "id issue rejected",
			"request_id", requestcontext.RequestID(ctx),
			"institution_id", req.InstitutionID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, h.respond(ctx, cred))
}

type scopedIssueRequest struct {
	OwnerID    string            `json:"owner_id"`
	IDType     string            `json:"id_type"`
	IDNumber   string            `json:"id_number"`
	ValidFrom  *time.Time        `json:"valid_from,omitempty"`
	ValidUntil time.Time         `json:"valid_until"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// HandleIssueScoped handles POST /api/institutional-ids.
func (h *Handler) HandleIssueScoped(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	instID := requestcontext.InstitutionID(ctx)
	if instID.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "no institution scope"))
		return
	}

	var req scopedIssueRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	owner, err := id.ParseUserID(req.OwnerID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	in := service.IssueInput{
		OwnerID:       owner,
		InstitutionID: instID,
		IDType:        req.IDType,
		IDNumber:      req.IDNumber,
		ValidUntil:    req.ValidUntil,
		Metadata:      req.Metadata,
	}
	if req.ValidFrom != nil {
		in.ValidFrom = *req.ValidFrom
	}

	cred, err := h.service.Issue(ctx, in)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, h.respond(ctx, cred))
}

// HandleLookupScoped handles GET /api/institutional-ids/{idNumber}.
func (h *Handler) HandleLookupScoped(w http.ResponseWriter, r *http.Request) {
	instID := requestcontext.InstitutionID(r.Context())
	if instID.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "no institution scope"))
		return
	}
	cred, err := h.service.GetByNumber(r.Context(), instID, chi.URLParam(r, "idNumber"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.respond(r.Context(), cred))
}

// HandleRevokeScoped handles PATCH /api/institutional-ids/{idNumber}/revoke.
func (h *Handler) HandleRevokeScoped(w http.ResponseWriter, r *http.Request) {
	instID := requestcontext.InstitutionID(r.Context())
	if instID.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "no institution scope"))
		return
	}
	var req revokeRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	cred, err := h.service.GetByNumber(r.Context(), instID, chi.URLParam(r, "idNumber"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	revoked, err := h.service.Revoke(r.Context(), cred.ID, req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.respond(r.Context(), revoked))
}

// HandleGet handles GET /api/ids/{credentialID}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	credID, err := id.ParseCredentialID(chi.URLParam(r, "credentialID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	cred, err := h.service.Get(r.Context(), credID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.respond(r.Context(), cred))
}

// HandleLookup handles GET /api/ids/lookup?institution_id=&id_number=.
func (h *Handler) HandleLookup(w http.ResponseWriter, r *http.Request) {
	instID, err := id.ParseInstitutionID(r.URL.Query().Get("institution_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	idNumber := r.URL.Query().Get("id_number")
	if idNumber == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "id_number is required"))
		return
	}
	cred, err := h.service.GetByNumber(r.Context(), instID, idNumber)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.respond(r.Context(), cred))
}

// HandleList handles GET /api/ids.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter := credential.ListFilter{
		Status: models.Status(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}
	if raw := r.URL.Query().Get("owner_id"); raw != "" {
		owner, err := id.ParseUserID(raw)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		filter.OwnerID = owner
	}
	if raw := r.URL.Query().Get("institution_id"); raw != "" {
		instID, err := id.ParseInstitutionID(raw)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		filter.InstitutionID = instID
	}

	creds, err := h.service.List(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"ids": h.respondList(r.Context(), creds)})
}

// HandleListByOwner handles GET /api/users/{userID}/ids.
func (h *Handler) HandleListByOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := id.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	creds, err := h.service.ListByOwner(r.Context(), owner)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"ids": h.respondList(r.Context(), creds)})
}

type updateRequest struct {
	ValidUntil *time.Time        `json:"valid_until,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// HandleUpdate handles PATCH /api/ids/{credentialID}.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	credID, err := id.ParseCredentialID(chi.URLParam(r, "credentialID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req updateRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	cred, err := h.service.Update(r.Context(), credID, service.UpdateInput{
		ValidUntil: req.ValidUntil,
		Metadata:   req.Metadata,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.respond(r.Context(), cred))
}

type statusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// HandleUpdateStatus handles POST /api/ids/{credentialID}/status.
func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	credID, err := id.ParseCredentialID(chi.URLParam(r, "credentialID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req statusRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	cred, err := h.service.UpdateStatus(r.Context(), credID, models.Status(req.Status), req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.respond(r.Context(), cred))
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// HandleRevoke handles POST /api/ids/{credentialID}/revoke.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	credID, err := id.ParseCredentialID(chi.URLParam(r, "credentialID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req revokeRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	cred, err := h.service.Revoke(r.Context(), credID, req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.respond(r.Context(), cred))
}

// HandleHistory handles GET /api/ids/{credentialID}/history.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	credID, err := id.ParseCredentialID(chi.URLParam(r, "credentialID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	entries, err := h.service.History(r.Context(), credID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return 0
	}
	return v
}
