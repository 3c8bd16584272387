// Package handler exposes the audit trail read endpoint.
package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"civid/internal/audit"
	id "civid/pkg/domain"
	"civid/pkg/platform/httputil"
)

// Handler serves the audit trail. Route-level permission checks gate
// access; the store itself has no authorization.
type Handler struct {
	store  audit.Store
	logger *slog.Logger
}

// New constructs an audit handler.
func New(store audit.Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Register mounts the audit endpoint on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/api/audit", h.HandleList)
}

// HandleList handles GET /api/audit.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter := audit.ListFilter{
		Action: audit.Action(r.URL.Query().Get("action")),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("actor_id"); raw != "" {
		actorID, err := id.ParseUserID(raw)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		filter.ActorID = actorID
	}

	events, err := h.store.List(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
