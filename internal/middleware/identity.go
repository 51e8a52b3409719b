// Package middleware carries request identity. Authentication itself happens
// upstream: the fronting auth layer injects X-Team-ID and X-Agent-ID headers
// and this service trusts them as opaque keys.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
)

// TeamHeader and AgentHeader are set by the external auth layer.
const (
	TeamHeader  = "X-Team-ID"
	AgentHeader = "X-Agent-ID"
)

type contextKey string

const (
	teamContextKey  contextKey = "team"
	agentContextKey contextKey = "agent"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireTeam rejects requests without a team identity header.
func RequireTeam(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		team := r.Header.Get(TeamHeader)
		if team == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Team identity required"})
			return
		}
		ctx := context.WithValue(r.Context(), teamContextKey, team)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAgent rejects requests without an agent identity header.
func RequireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent := r.Header.Get(AgentHeader)
		if agent == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Agent identity required"})
			return
		}
		ctx := context.WithValue(r.Context(), agentContextKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TeamID returns the request's team identity, or "".
func TeamID(r *http.Request) string {
	team, _ := r.Context().Value(teamContextKey).(string)
	return team
}

// AgentID returns the request's agent identity, or "".
func AgentID(r *http.Request) string {
	agent, _ := r.Context().Value(agentContextKey).(string)
	return agent
}
