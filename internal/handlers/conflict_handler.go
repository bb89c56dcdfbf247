package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nodesync/server/internal/models"
	"github.com/nodesync/server/internal/repository"
)

// ConflictHandler serves the conflict audit trail. Every resolved collision
// leaves a record here regardless of which side won.
type ConflictHandler struct {
	conflicts repository.ConflictRecordRepo
}

// NewConflictHandler creates a new ConflictHandler
func NewConflictHandler(conflicts repository.ConflictRecordRepo) *ConflictHandler {
	return &ConflictHandler{conflicts: conflicts}
}

// ListConflicts returns resolved conflicts newest-first, optionally filtered
// by table.
// GET /api/sync/conflicts?table=&skip=&take=
func (h *ConflictHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	if table != "" && !models.IsSyncedTable(table) {
		writeError(w, http.StatusBadRequest, models.ErrUnknownTable.Error())
		return
	}

	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	take, _ := strconv.Atoi(r.URL.Query().Get("take"))

	if take <= 0 {
		take = 20
	}
	if take > 100 {
		take = 100
	}

	conflicts, total, err := h.conflicts.List(r.Context(), table, skip, take)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := models.ConflictListResponse{
		Conflicts:  conflicts,
		TotalCount: total,
		Skip:       skip,
		Take:       take,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
