package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/camfleet/camfleet/internal/relay"
)

// ViewerHandler fronts relay viewer sessions: open against a published
// camera, heartbeat to stay alive, renew the read token, close.
type ViewerHandler struct {
	Relay *relay.Publisher
}

func NewViewerHandler(rel *relay.Publisher) *ViewerHandler {
	return &ViewerHandler{Relay: rel}
}

// POST /api/v1/cameras/{id}/viewers opens a session and returns the
// grant (session, relay path, read token). An Idempotency-Key header
// makes retries return the original session.
func (h *ViewerHandler) Open(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Viewer string `json:"viewer,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Viewer == "" {
		req.Viewer = "anonymous"
	}

	grant, err := h.Relay.OpenViewer(r.Context(), id, req.Viewer, r.Header.Get("Idempotency-Key"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, grant)
}

// GET /api/v1/cameras/{id}/viewers
func (h *ViewerHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Relay.Viewers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": sessions, "count": len(sessions)})
}

// POST /api/v1/viewers/{sid}/heartbeat
func (h *ViewerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.Relay.Heartbeat(r.Context(), chi.URLParam(r, "sid")); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /api/v1/viewers/{sid}/token reissues the read token for a live
// session.
func (h *ViewerHandler) RenewToken(w http.ResponseWriter, r *http.Request) {
	grant, err := h.Relay.RenewToken(r.Context(), chi.URLParam(r, "sid"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, grant)
}

// DELETE /api/v1/viewers/{sid}
func (h *ViewerHandler) Close(w http.ResponseWriter, r *http.Request) {
	if err := h.Relay.CloseViewer(r.Context(), chi.URLParam(r, "sid")); err != nil {
		respondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
