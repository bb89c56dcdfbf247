package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nodesync/server/internal/models"
)

// HealthHandler serves the liveness endpoint on the health port
type HealthHandler struct {
	nodeID    string
	version   string
	startedAt time.Time
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(nodeID, version string) *HealthHandler {
	return &HealthHandler{
		nodeID:    nodeID,
		version:   version,
		startedAt: time.Now().UTC(),
	}
}

// HealthCheck returns the node health status.
// GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	response := models.HealthResponse{
		Status:        "healthy",
		NodeID:        h.nodeID,
		Version:       h.version,
		UptimeSeconds: int64(now.Sub(h.startedAt).Seconds()),
		Timestamp:     now,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
