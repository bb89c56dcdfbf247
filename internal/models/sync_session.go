package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a sync session
type SessionStatus string

const (
	StatusCreated      SessionStatus = "CREATED"
	StatusPreparing    SessionStatus = "PREPARING"
	StatusTransferring SessionStatus = "TRANSFERRING"
	StatusCompleted    SessionStatus = "COMPLETED"
	StatusFailed       SessionStatus = "FAILED"
	StatusCancelled    SessionStatus = "CANCELLED"
)

// IsTerminal reports whether the status is a sink state
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ActiveStatuses are the statuses that indicate in-progress work
var ActiveStatuses = []SessionStatus{StatusCreated, StatusPreparing, StatusTransferring}

// SyncDirection controls which way changes flow in a session
type SyncDirection string

const (
	DirectionPush          SyncDirection = "PUSH"
	DirectionPull          SyncDirection = "PULL"
	DirectionBidirectional SyncDirection = "BIDIRECTIONAL"
)

// IsValid reports whether the direction is a known value
func (d SyncDirection) IsValid() bool {
	switch d {
	case DirectionPush, DirectionPull, DirectionBidirectional:
		return true
	}
	return false
}

// SyncSession represents one bounded attempt to reconcile data between two nodes.
// Sessions are never deleted; terminal rows remain for audit.
type SyncSession struct {
	ID           string        `json:"id"`
	PairKey      string        `json:"pairKey"`
	Status       SessionStatus `json:"status"`
	Progress     int           `json:"progress"`
	CurrentStep  string        `json:"currentStep"`
	Direction    SyncDirection `json:"direction"`
	SourceNodeID string        `json:"sourceNodeId"`
	TargetNodeID string        `json:"targetNodeId"`
	StartedAt    time.Time     `json:"startedAt"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
}

// NewSyncSession creates a session in CREATED state with validation
func NewSyncSession(sourceNodeID, targetNodeID string, direction SyncDirection) (*SyncSession, error) {
	if strings.TrimSpace(sourceNodeID) == "" || strings.TrimSpace(targetNodeID) == "" {
		return nil, ErrEmptyNodeID
	}
	if sourceNodeID == targetNodeID {
		return nil, ErrSameNode
	}
	if !direction.IsValid() {
		return nil, ErrInvalidDirection
	}

	return &SyncSession{
		ID:           uuid.New().String(),
		PairKey:      PairKey(sourceNodeID, targetNodeID),
		Status:       StatusCreated,
		Progress:     0,
		CurrentStep:  "created",
		Direction:    direction,
		SourceNodeID: sourceNodeID,
		TargetNodeID: targetNodeID,
		StartedAt:    time.Now().UTC(),
	}, nil
}

// PairKey returns the canonical key for an unordered node pair.
// Direction is deliberately not part of the key: a PUSH and a PULL between
// the same two nodes would overlap on the same rows, so they must be
// serialized together.
func PairKey(nodeA, nodeB string) string {
	if nodeA > nodeB {
		nodeA, nodeB = nodeB, nodeA
	}
	return nodeA + "|" + nodeB
}

// CanTransitionTo reports whether moving to the given status is legal.
// Terminal states are sinks.
func (s *SyncSession) CanTransitionTo(next SessionStatus) bool {
	if s.Status.IsTerminal() {
		return false
	}
	switch next {
	case StatusPreparing:
		return s.Status == StatusCreated
	case StatusTransferring:
		return s.Status == StatusPreparing
	case StatusCompleted:
		return s.Status == StatusTransferring
	case StatusFailed, StatusCancelled:
		return s.Status == StatusPreparing || s.Status == StatusTransferring || s.Status == StatusCreated
	}
	return false
}

// IsStuckFor reports whether the session has been running longer than maxAge
func (s *SyncSession) IsStuckFor(maxAge time.Duration, now time.Time) bool {
	return !s.Status.IsTerminal() && now.Sub(s.StartedAt) > maxAge
}

// Errors
type SyncError struct {
	Message string
}

func (e SyncError) Error() string {
	return e.Message
}

var (
	ErrEmptyNodeID      = SyncError{"node id cannot be empty"}
	ErrSameNode         = SyncError{"source and target node must differ"}
	ErrInvalidDirection = SyncError{"direction must be PUSH, PULL or BIDIRECTIONAL"}
	ErrSessionNotFound  = SyncError{"sync session not found"}
	ErrSessionConflict  = SyncError{"an active sync session already exists for this node pair"}
	ErrUnknownPeer      = SyncError{"target node is not in the peer directory"}
	ErrAuthentication   = SyncError{"invalid or missing registration key"}
	ErrUnknownTable     = SyncError{"table is not synchronized"}
	ErrInvalidPayload   = SyncError{"change payload does not match table schema"}
)
