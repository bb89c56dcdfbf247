package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nodesync/server/internal/models"
)

// SyncSessionRepo defines persistence for sync sessions. Sessions are the
// durable source of truth for session status and are never deleted.
type SyncSessionRepo interface {
	// Create inserts the session only if no non-terminal session exists for
	// the same pair key. The check and the insert are a single atomic
	// statement so the invariant holds across processes. Returns false when
	// an active session blocked the insert.
	Create(ctx context.Context, s *models.SyncSession) (bool, error)
	GetByID(ctx context.Context, id string) (*models.SyncSession, error)
	List(ctx context.Context, skip, take int) ([]*models.SyncSession, int, error)
	// ListByStatus returns sessions in any of the given statuses, ordered by
	// started_at descending. Age filtering is the caller's concern.
	ListByStatus(ctx context.Context, statuses []models.SessionStatus) ([]*models.SyncSession, error)
	// UpdateState sets status, step and progress on a non-terminal session.
	// Returns false if the session was already terminal.
	UpdateState(ctx context.Context, id string, status models.SessionStatus, step string, progress int) (bool, error)
	// Terminate moves a non-terminal session into a terminal status.
	// Returns false if the session was already terminal, making terminal
	// transitions idempotent at the store level.
	Terminate(ctx context.Context, id string, status models.SessionStatus, errorMessage string, completedAt time.Time) (bool, error)
}

// WatermarkRepo defines persistence for per-(table, target) sync cursors
type WatermarkRepo interface {
	Get(ctx context.Context, table, targetNodeID string) (int64, error)
	// Advance raises the watermark to seq. Lower values are ignored so the
	// cursor is monotonically non-decreasing.
	Advance(ctx context.Context, table, targetNodeID string, seq int64) error
	AllForTarget(ctx context.Context, targetNodeID string) (map[string]int64, error)
}

// ChangeLogRepo reads the row-mutation feed the surrounding CRUD layer
// produces. The engine only ever scans it forward.
type ChangeLogRepo interface {
	// Record appends a mutation and returns its assigned sequence number.
	// Used by the local write path feeding the log.
	Record(ctx context.Context, rec *models.ChangeRecord) (int64, error)
	// ListAfter returns up to limit records for the table with sequence
	// greater than afterSeq, in ascending sequence order.
	ListAfter(ctx context.Context, table string, afterSeq int64, limit int) ([]*models.ChangeRecord, error)
	MaxSequence(ctx context.Context, table string) (int64, error)
	// PendingCount reports how many records remain above the given cursor,
	// used for session progress accounting.
	PendingCount(ctx context.Context, table string, afterSeq int64) (int, error)
}

// ApplyResult summarizes one committed batch
type ApplyResult struct {
	AppliedCount   int
	SkippedCount   int
	ConflictCount  int
	AppliedThrough map[string]int64
}

// Resolution is a conflict policy's verdict for one collision
type Resolution struct {
	Outcome models.ConflictResolution
	// Payload is the row value to persist for REMOTE_WINS and MERGED;
	// nil for LOCAL_WINS.
	Payload json.RawMessage
	Audit   *models.ConflictRecord
}

// ConflictPolicy decides the outcome when an incoming change collides with a
// local edit newer than the version the change was computed against
type ConflictPolicy interface {
	Resolve(ctx context.Context, incoming *models.ChangeRecord, localValue json.RawMessage, localVersion models.RowVersion) (*Resolution, error)
}

// ChangeApplier applies change batches at the destination. Each batch runs
// in a single transaction; apply is idempotent per (origin, table, sequence).
type ChangeApplier interface {
	ApplyBatch(ctx context.Context, records []*models.ChangeRecord, policy ConflictPolicy) (*ApplyResult, error)
	// AppliedWatermarks returns, per table, the highest sequence already
	// applied from the given origin node. PULL sessions use this as their
	// download cursor.
	AppliedWatermarks(ctx context.Context, originNodeID string) (map[string]int64, error)
}

// ConflictRecordRepo reads the conflict audit trail
type ConflictRecordRepo interface {
	Add(ctx context.Context, rec *models.ConflictRecord) error
	List(ctx context.Context, table string, skip, take int) ([]*models.ConflictRecord, int, error)
}
