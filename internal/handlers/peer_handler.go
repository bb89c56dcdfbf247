package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/nodesync/server/internal/models"
	"github.com/nodesync/server/internal/services"
)

// PeerHandler exposes the in-memory peer directory
type PeerHandler struct {
	peers *services.PeerDirectory
}

// NewPeerHandler creates a new PeerHandler
func NewPeerHandler(peers *services.PeerDirectory) *PeerHandler {
	return &PeerHandler{peers: peers}
}

// PeerListResponse is the body of GET /api/sync/peers
type PeerListResponse struct {
	Peers []*models.PeerNode `json:"peers"`
	Count int                `json:"count"`
}

// ListPeers returns every node currently in the directory.
// GET /api/sync/peers
func (h *PeerHandler) ListPeers(w http.ResponseWriter, r *http.Request) {
	peers := h.peers.List()

	response := PeerListResponse{
		Peers: peers,
		Count: len(peers),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
