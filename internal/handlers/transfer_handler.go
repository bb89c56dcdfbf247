package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/nodesync/server/internal/models"
	"github.com/nodesync/server/internal/services"
)

// TransferHandler handles the node-to-node transfer endpoints. These are the
// endpoints peers call on each other; they sit behind the registration-key
// middleware.
type TransferHandler struct {
	apply       *services.ApplyService
	tracker     *services.ChangeTrackerService
	localNodeID string
	maxRecords  int
	maxBytes    int
}

// NewTransferHandler creates a new TransferHandler
func NewTransferHandler(apply *services.ApplyService, tracker *services.ChangeTrackerService, localNodeID string, maxRecords, maxBytes int) *TransferHandler {
	return &TransferHandler{
		apply:       apply,
		tracker:     tracker,
		localNodeID: localNodeID,
		maxRecords:  maxRecords,
		maxBytes:    maxBytes,
	}
}

// ReceiveBatch applies an incoming change batch and returns the ack the
// source advances its watermarks from.
// POST /api/sync/batches
func (h *TransferHandler) ReceiveBatch(w http.ResponseWriter, r *http.Request) {
	var req models.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ack, err := h.apply.ApplyIncoming(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidPayload),
			errors.Is(err, models.ErrUnknownTable),
			errors.Is(err, models.ErrSameNode):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ack)
}

// ListChanges serves this node's change feed for one table. PULL sessions on
// the peer page through it with their applied-changes cursor.
// GET /api/sync/changes?table=&afterSeq=&limit=
func (h *TransferHandler) ListChanges(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	if !models.IsSyncedTable(table) {
		writeError(w, http.StatusBadRequest, models.ErrUnknownTable.Error())
		return
	}

	afterSeq, err := strconv.ParseInt(r.URL.Query().Get("afterSeq"), 10, 64)
	if err != nil || afterSeq < 0 {
		afterSeq = 0
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > h.maxRecords {
		limit = h.maxRecords
	}

	// The requester is the transfer target here: its own changes must not be
	// echoed back, so the per-target batch path applies.
	requester := r.URL.Query().Get("requesterNodeId")
	if requester == "" {
		requester = r.Header.Get("X-Node-ID")
	}

	records, scanned, err := h.tracker.BatchAfter(r.Context(), table, requester, afterSeq, limit, h.maxBytes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	hasMore, err := h.tracker.HasPending(r.Context(), table, scanned)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := models.ChangesResponse{
		OriginNodeID: h.localNodeID,
		Table:        table,
		Records:      records,
		HasMore:      hasMore,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
