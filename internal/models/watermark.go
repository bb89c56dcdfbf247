package models

import "time"

// Watermark is the per-table, per-target cursor marking the highest change
// sequence number already applied at the target. Monotonically non-decreasing.
type Watermark struct {
	TableName    string    `json:"tableName"`
	TargetNodeID string    `json:"targetNodeId"`
	Sequence     int64     `json:"sequence"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RowVersion is the per-row stamp the destination compares against an
// incoming record's BaseVersion to detect concurrent edits
type RowVersion struct {
	TableName    string    `json:"tableName"`
	RowID        string    `json:"rowId"`
	VersionTS    time.Time `json:"versionTs"`
	OriginNodeID string    `json:"originNodeId"`
}

// NewerThan implements the deterministic ordering used by conflict
// resolution: compare timestamps first, break ties by origin node id so two
// nodes always agree on the winner.
func (v RowVersion) NewerThan(ts time.Time, originNodeID string) bool {
	if v.VersionTS.Equal(ts) {
		return v.OriginNodeID > originNodeID
	}
	return v.VersionTS.After(ts)
}
