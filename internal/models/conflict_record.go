package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConflictResolution describes how a detected conflict was settled
type ConflictResolution string

const (
	ResolutionLocalWins  ConflictResolution = "LOCAL_WINS"
	ResolutionRemoteWins ConflictResolution = "REMOTE_WINS"
	ResolutionMerged     ConflictResolution = "MERGED"
)

// ConflictRecord is the audit row written whenever two nodes edited the same
// row concurrently. Retained indefinitely for operator review.
type ConflictRecord struct {
	ID                   string             `json:"id"`
	TableName            string             `json:"tableName"`
	RowID                string             `json:"rowId"`
	LocalValue           json.RawMessage    `json:"localValue,omitempty"`
	IncomingValue        json.RawMessage    `json:"incomingValue,omitempty"`
	LocalTimestamp       time.Time          `json:"localTimestamp"`
	IncomingTimestamp    time.Time          `json:"incomingTimestamp"`
	LocalOriginNodeID    string             `json:"localOriginNodeId"`
	IncomingOriginNodeID string             `json:"incomingOriginNodeId"`
	Resolution           ConflictResolution `json:"resolution"`
	ResolvedAt           time.Time          `json:"resolvedAt"`
}

// NewConflictRecord creates an audit record for a resolved conflict
func NewConflictRecord(table, rowID string, local, incoming json.RawMessage, localVer RowVersion, incomingRec *ChangeRecord, resolution ConflictResolution) *ConflictRecord {
	return &ConflictRecord{
		ID:                   uuid.New().String(),
		TableName:            table,
		RowID:                rowID,
		LocalValue:           local,
		IncomingValue:        incoming,
		LocalTimestamp:       localVer.VersionTS,
		IncomingTimestamp:    incomingRec.Timestamp,
		LocalOriginNodeID:    localVer.OriginNodeID,
		IncomingOriginNodeID: incomingRec.OriginNodeID,
		Resolution:           resolution,
		ResolvedAt:           time.Now().UTC(),
	}
}
