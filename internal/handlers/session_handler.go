package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/nodesync/server/internal/models"
	"github.com/nodesync/server/internal/services"
)

// SessionHandler handles sync session lifecycle endpoints
type SessionHandler struct {
	sessions    *services.SessionManagerService
	localNodeID string
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(sessions *services.SessionManagerService, localNodeID string) *SessionHandler {
	return &SessionHandler{
		sessions:    sessions,
		localNodeID: localNodeID,
	}
}

// StartSession starts a sync session with a discovered peer.
// POST /api/sync/sessions
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req models.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := h.sessions.StartSession(r.Context(), h.localNodeID, req.TargetNodeID, req.Direction)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrSessionConflict):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, models.ErrUnknownPeer):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, models.ErrEmptyNodeID),
			errors.Is(err, models.ErrSameNode),
			errors.Is(err, models.ErrInvalidDirection):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(session)
}

// GetSession returns one session by id.
// GET /api/sync/sessions/{id}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	session, err := h.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(session)
}

// ListSessions returns sessions newest-first with paging.
// GET /api/sync/sessions
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	take, _ := strconv.Atoi(r.URL.Query().Get("take"))

	if take <= 0 {
		take = 20
	}
	if take > 100 {
		take = 100
	}

	sessions, total, err := h.sessions.ListSessions(r.Context(), skip, take)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := models.SessionListResponse{
		Sessions:   sessions,
		TotalCount: total,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// CancelSession cancels one session. Cancelling an already-terminal session
// returns its existing state with 200.
// DELETE /api/sync/sessions/{id}
func (h *SessionHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	session, err := h.sessions.Cancel(r.Context(), sessionID, "manually cancelled by operator")
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(session)
}

// CancelAllSessions cancels every active session.
// DELETE /api/sync/sessions
func (h *SessionHandler) CancelAllSessions(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.sessions.CancelAll(r.Context(), "manually cancelled by operator")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := models.CancelResponse{
		Cancelled: cancelled,
		Count:     len(cancelled),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: message})
}
