package handlers

import (
	"net/http"
)

// Health reports liveness plus whether the registry database answers.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	status := "healthy"
	if err := a.Store.Ping(); err != nil {
		dbStatus = "disconnected"
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   status,
		"database": dbStatus,
	})
}
