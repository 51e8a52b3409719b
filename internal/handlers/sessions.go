package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/colabvibe/previewd/internal/database"
	"github.com/colabvibe/previewd/internal/logutil"
	"github.com/colabvibe/previewd/internal/middleware"
	"github.com/colabvibe/previewd/internal/session"
)

type sessionCreateRequest struct {
	Backend string `json:"backend"`
	Command string `json:"command"`
}

type sessionResponse struct {
	ID         string `json:"id"`
	AgentID    string `json:"agent_id"`
	Backend    string `json:"backend"`
	Command    string `json:"command"`
	Persistent bool   `json:"persistent"`
	State      string `json:"state"`
	CreatedAt  string `json:"created_at"`
}

func toSessionResponse(s *database.Session) sessionResponse {
	return sessionResponse{
		ID:         s.ID,
		AgentID:    s.AgentID,
		Backend:    s.BackendKind,
		Command:    s.Command,
		Persistent: s.Persistent,
		State:      s.State,
		CreatedAt:  formatTimestamp(s.CreatedAt),
	}
}

// SpawnSession starts a command under the requested backend for the calling
// agent.
func (a *API) SpawnSession(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command required")
		return
	}
	kind, err := session.ParseKind(req.Backend)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	agentID := middleware.AgentID(r)
	row, err := a.Sessions.Spawn(r.Context(), agentID, kind, req.Command)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrUnsupported):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, session.ErrTunnelUnreachable):
			writeError(w, http.StatusServiceUnavailable, "Remote host unreachable")
		default:
			log.Printf("[api] spawn session for agent %s: %v", logutil.SanitizeForLog(agentID), err)
			writeError(w, http.StatusInternalServerError, "Session start failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(row))
}

// ListSessions returns the calling agent's sessions. An explicit agent_id
// query parameter overrides the header, for operator tooling.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		agentID = middleware.AgentID(r)
	}

	rows, err := a.Sessions.List(agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "List failed")
		return
	}
	resp := make([]sessionResponse, len(rows))
	for i := range rows {
		resp[i] = toSessionResponse(&rows[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": resp})
}

type sessionInputRequest struct {
	Data string `json:"data"`
}

// SessionInput writes terminal input to a session outside of an attach
// stream.
func (a *API) SessionInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	var req sessionInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := a.Sessions.SendInput(r.Context(), id, []byte(req.Data)); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Input failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionResizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// ResizeSession changes a session's terminal dimensions.
func (a *API) ResizeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	var req sessionResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Cols == 0 || req.Rows == 0 {
		writeError(w, http.StatusBadRequest, "cols and rows required")
		return
	}

	if err := a.Sessions.Resize(r.Context(), id, clampCols(req.Cols), clampRows(req.Rows)); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Resize failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// KillSession terminates a session and its backend process.
func (a *API) KillSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	if err := a.Sessions.Kill(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		log.Printf("[api] kill session %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Kill failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}
