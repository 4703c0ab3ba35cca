// ABOUTME: HTTP health endpoints backed by coordinator snapshots
// ABOUTME: /health reports liveness, /health/ready requires a connected agent

package gateway

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status         string `json:"status"`
	AgentConnected bool   `json:"agentConnected"`
	Clients        int    `json:"clients"`
}

// handleHealth returns 200 with a short summary while the coordinator runs.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := g.coordinator.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		AgentConnected: stats.AgentConnected,
		Clients:        stats.Clients,
	})
}

// handleReady returns the full snapshot, with 503 when no agent is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	stats, err := g.coordinator.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	status := http.StatusOK
	if !stats.AgentConnected {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
