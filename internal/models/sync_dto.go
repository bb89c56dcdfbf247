package models

import "time"

// StartSessionRequest is the body of POST /api/sync/sessions
type StartSessionRequest struct {
	TargetNodeID string        `json:"targetNodeId"`
	Direction    SyncDirection `json:"direction"`
}

// BatchRequest is one change batch streamed to a destination node
type BatchRequest struct {
	SessionID    string          `json:"sessionId"`
	SourceNodeID string          `json:"sourceNodeId"`
	Records      []*ChangeRecord `json:"records"`
}

// BatchAck acknowledges a committed batch. AppliedThrough carries the
// highest applied sequence per table; the source advances its watermark
// only from these values.
type BatchAck struct {
	SessionID      string           `json:"sessionId"`
	AppliedThrough map[string]int64 `json:"appliedThrough"`
	AppliedCount   int              `json:"appliedCount"`
	SkippedCount   int              `json:"skippedCount"`
	ConflictCount  int              `json:"conflictCount"`
}

// ChangesResponse is the body of GET /api/sync/changes, used by PULL sessions
type ChangesResponse struct {
	OriginNodeID string          `json:"originNodeId"`
	Table        string          `json:"table"`
	Records      []*ChangeRecord `json:"records"`
	HasMore      bool            `json:"hasMore"`
}

// SessionListResponse is the body of GET /api/sync/sessions
type SessionListResponse struct {
	Sessions   []*SyncSession `json:"sessions"`
	TotalCount int            `json:"totalCount"`
}

// ConflictListResponse is the body of GET /api/sync/conflicts
type ConflictListResponse struct {
	Conflicts  []*ConflictRecord `json:"conflicts"`
	TotalCount int               `json:"totalCount"`
	Skip       int               `json:"skip"`
	Take       int               `json:"take"`
}

// CancelResponse reports the outcome of a cancel request
type CancelResponse struct {
	Cancelled []*SyncSession `json:"cancelled"`
	Count     int            `json:"count"`
}

// ProgressEvent is broadcast on the websocket hub whenever a session mutates
type ProgressEvent struct {
	SessionID   string        `json:"sessionId"`
	PairKey     string        `json:"pairKey"`
	Status      SessionStatus `json:"status"`
	Progress    int           `json:"progress"`
	CurrentStep string        `json:"currentStep"`
	Error       string        `json:"error,omitempty"`
}

// ErrorResponse is the generic error body
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is served on the health-check port (base port + 1)
type HealthResponse struct {
	Status        string    `json:"status"`
	NodeID        string    `json:"nodeId"`
	Version       string    `json:"version"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	Timestamp     time.Time `json:"timestamp"`
}
