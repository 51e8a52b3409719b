package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/colabvibe/previewd/internal/database"
	"github.com/colabvibe/previewd/internal/deploy"
	"github.com/colabvibe/previewd/internal/logutil"
	"github.com/colabvibe/previewd/internal/middleware"
	"github.com/colabvibe/previewd/internal/ports"
	"github.com/colabvibe/previewd/internal/runtime"
)

type deploymentCreateRequest struct {
	TemplateKind string `json:"template_kind"`
}

type deploymentResponse struct {
	TeamID        string `json:"team_id"`
	Status        string `json:"status"`
	Port          int    `json:"port"`
	ContainerName string `json:"container_name"`
	TemplateKind  string `json:"template_kind"`
	LastError     string `json:"last_error,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func toDeploymentResponse(d *database.Deployment) deploymentResponse {
	return deploymentResponse{
		TeamID:        d.TeamID,
		Status:        d.Status,
		Port:          d.Port,
		ContainerName: d.ContainerName,
		TemplateKind:  d.TemplateKind,
		LastError:     d.LastError,
		CreatedAt:     formatTimestamp(d.CreatedAt),
		UpdatedAt:     formatTimestamp(d.UpdatedAt),
	}
}

// pathTeam returns the teamID path parameter, enforcing that it matches the
// caller's team identity.
func pathTeam(w http.ResponseWriter, r *http.Request) (string, bool) {
	teamID := chi.URLParam(r, "teamID")
	if teamID == "" {
		writeError(w, http.StatusBadRequest, "Team ID required")
		return "", false
	}
	if caller := middleware.TeamID(r); caller != "" && caller != teamID {
		writeError(w, http.StatusForbidden, "Access denied")
		return "", false
	}
	return teamID, true
}

// CreateDeployment ensures the team's preview is running. Repeating the call
// for a live deployment returns the existing one.
func (a *API) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	teamID, ok := pathTeam(w, r)
	if !ok {
		return
	}

	var req deploymentCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TemplateKind == "" {
		writeError(w, http.StatusBadRequest, "template_kind required")
		return
	}

	d, err := a.Deploys.EnsureRunning(r.Context(), teamID, req.TemplateKind)
	if err != nil {
		switch {
		case errors.Is(err, deploy.ErrCreateFailed):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, runtime.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, "Container runtime unavailable")
		case errors.Is(err, ports.ErrExhausted):
			writeError(w, http.StatusServiceUnavailable, "No free ports")
		default:
			log.Printf("[api] create deployment for %s: %v", logutil.SanitizeForLog(teamID), err)
			writeError(w, http.StatusInternalServerError, "Deployment failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, toDeploymentResponse(d))
}

// GetDeployment returns the team's deployment row.
func (a *API) GetDeployment(w http.ResponseWriter, r *http.Request) {
	teamID, ok := pathTeam(w, r)
	if !ok {
		return
	}

	d, err := a.Deploys.Get(teamID)
	if err != nil {
		if errors.Is(err, deploy.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Deployment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toDeploymentResponse(d))
}

// StopDeployment tears the team's preview down.
func (a *API) StopDeployment(w http.ResponseWriter, r *http.Request) {
	teamID, ok := pathTeam(w, r)
	if !ok {
		return
	}

	if err := a.Deploys.Stop(r.Context(), teamID); err != nil {
		if errors.Is(err, deploy.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Deployment not found")
			return
		}
		log.Printf("[api] stop deployment for %s: %v", logutil.SanitizeForLog(teamID), err)
		writeError(w, http.StatusInternalServerError, "Stop failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// ListDeployments returns every deployment row.
func (a *API) ListDeployments(w http.ResponseWriter, r *http.Request) {
	rows, err := a.Deploys.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "List failed")
		return
	}
	resp := make([]deploymentResponse, len(rows))
	for i := range rows {
		resp[i] = toDeploymentResponse(&rows[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deployments": resp})
}

// Resolve is the proxy router's read: the team's current preview port, or
// 404 when no usable deployment exists. Absent and failed deployments are
// "not available", never errors.
func (a *API) Resolve(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	if teamID == "" {
		writeError(w, http.StatusBadRequest, "Team ID required")
		return
	}

	d, err := a.Deploys.Get(teamID)
	if err != nil || d.Terminal() || d.Status == database.StatusPending || d.Port == 0 {
		writeError(w, http.StatusNotFound, "Preview not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"port":   d.Port,
		"status": d.Status,
	})
}
