package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nodesync/server/internal/models"
)

// ChangeApplyRepository implements ChangeApplier over database/sql. Each
// batch is applied inside a single transaction: all-or-nothing. Apply is
// idempotent per (origin, table, sequence), which is what makes the
// tracker's at-least-once delivery safe.
type ChangeApplyRepository struct {
	db *sql.DB
}

// NewChangeApplyRepository creates a new ChangeApplyRepository
func NewChangeApplyRepository(db *sql.DB) *ChangeApplyRepository {
	return &ChangeApplyRepository{db: db}
}

// ApplyBatch applies the records transactionally, consulting the conflict
// policy whenever a row carries a local modification newer than the version
// the incoming change was computed against.
func (r *ChangeApplyRepository) ApplyBatch(ctx context.Context, records []*models.ChangeRecord, policy ConflictPolicy) (*ApplyResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result := &ApplyResult{
		AppliedThrough: make(map[string]int64),
	}

	for _, rec := range records {
		applied, err := r.alreadyApplied(ctx, tx, rec)
		if err != nil {
			return nil, err
		}
		if applied {
			// Retried batch; the change is already durable here
			result.SkippedCount++
			r.bumpAppliedThrough(result, rec)
			continue
		}

		if err := r.applyOne(ctx, tx, rec, policy, result); err != nil {
			return nil, fmt.Errorf("apply %s/%s seq %d: %w", rec.Table, rec.RowID, rec.Sequence, err)
		}

		if err := r.markApplied(ctx, tx, rec); err != nil {
			return nil, err
		}
		r.bumpAppliedThrough(result, rec)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *ChangeApplyRepository) applyOne(ctx context.Context, tx *sql.Tx, rec *models.ChangeRecord, policy ConflictPolicy, result *ApplyResult) error {
	localVer, found, err := r.rowVersion(ctx, tx, rec.Table, rec.RowID)
	if err != nil {
		return err
	}

	// A local edit the source did not know about means the incoming change
	// was computed against a stale row value.
	if found && localVer.VersionTS.After(rec.BaseVersion) {
		localValue, err := readRow(ctx, tx, rec.Table, rec.RowID)
		if err != nil {
			return err
		}

		resolution, err := policy.Resolve(ctx, rec, localValue, localVer)
		if err != nil {
			return err
		}

		switch resolution.Outcome {
		case models.ResolutionLocalWins:
			// Keep the local row untouched; the change still counts as
			// applied so the watermark can advance past it.
		case models.ResolutionRemoteWins, models.ResolutionMerged:
			if rec.Operation == models.OpDelete && resolution.Payload == nil {
				if err := deleteRow(ctx, tx, rec.Table, rec.RowID); err != nil {
					return err
				}
			} else if err := upsertRow(ctx, tx, rec.Table, resolution.Payload); err != nil {
				return err
			}
			if err := r.setRowVersion(ctx, tx, rec.Table, rec.RowID, winningVersion(localVer, rec)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown resolution outcome %q", resolution.Outcome)
		}

		if resolution.Audit != nil {
			if err := insertConflict(ctx, tx, resolution.Audit); err != nil {
				return err
			}
			result.ConflictCount++
		}
		result.AppliedCount++
		return nil
	}

	switch rec.Operation {
	case models.OpInsert, models.OpUpdate:
		if err := upsertRow(ctx, tx, rec.Table, rec.Payload); err != nil {
			return err
		}
	case models.OpDelete:
		if err := deleteRow(ctx, tx, rec.Table, rec.RowID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown operation %q", rec.Operation)
	}

	if err := r.setRowVersion(ctx, tx, rec.Table, rec.RowID, models.RowVersion{
		TableName:    rec.Table,
		RowID:        rec.RowID,
		VersionTS:    rec.Timestamp,
		OriginNodeID: rec.OriginNodeID,
	}); err != nil {
		return err
	}

	result.AppliedCount++
	return nil
}

// winningVersion picks the row-version stamp after a resolved conflict: the
// later (timestamp, originNodeId) pair, so both nodes converge on the same
// stamp regardless of apply order.
func winningVersion(local models.RowVersion, rec *models.ChangeRecord) models.RowVersion {
	if local.NewerThan(rec.Timestamp, rec.OriginNodeID) {
		return local
	}
	return models.RowVersion{
		TableName:    rec.Table,
		RowID:        rec.RowID,
		VersionTS:    rec.Timestamp,
		OriginNodeID: rec.OriginNodeID,
	}
}

// AppliedWatermarks returns, per table, the highest sequence applied from
// the given origin node
func (r *ChangeApplyRepository) AppliedWatermarks(ctx context.Context, originNodeID string) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT table_name, MAX(sequence) FROM applied_changes
		WHERE origin_node_id = $1 GROUP BY table_name`,
		originNodeID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	marks := make(map[string]int64)
	for rows.Next() {
		var table string
		var seq int64
		if err := rows.Scan(&table, &seq); err != nil {
			return nil, err
		}
		marks[table] = seq
	}
	return marks, rows.Err()
}

func (r *ChangeApplyRepository) alreadyApplied(ctx context.Context, tx *sql.Tx, rec *models.ChangeRecord) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM applied_changes WHERE origin_node_id = $1 AND table_name = $2 AND sequence = $3`,
		rec.OriginNodeID, rec.Table, rec.Sequence,
	).Scan(&one)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *ChangeApplyRepository) markApplied(ctx context.Context, tx *sql.Tx, rec *models.ChangeRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO applied_changes (origin_node_id, table_name, sequence, row_id, applied_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.OriginNodeID, rec.Table, rec.Sequence, rec.RowID, time.Now().UTC(),
	)
	return err
}

func (r *ChangeApplyRepository) rowVersion(ctx context.Context, tx *sql.Tx, table, rowID string) (models.RowVersion, bool, error) {
	ver := models.RowVersion{TableName: table, RowID: rowID}
	err := tx.QueryRowContext(ctx,
		`SELECT version_ts, origin_node_id FROM row_versions WHERE table_name = $1 AND row_id = $2`,
		table, rowID,
	).Scan(&ver.VersionTS, &ver.OriginNodeID)

	if err == sql.ErrNoRows {
		return ver, false, nil
	}
	if err != nil {
		return ver, false, err
	}
	return ver, true, nil
}

func (r *ChangeApplyRepository) setRowVersion(ctx context.Context, tx *sql.Tx, table, rowID string, ver models.RowVersion) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO row_versions (table_name, row_id, version_ts, origin_node_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (table_name, row_id) DO UPDATE SET
			version_ts = EXCLUDED.version_ts,
			origin_node_id = EXCLUDED.origin_node_id`,
		table, rowID, ver.VersionTS, ver.OriginNodeID,
	)
	return err
}

func insertConflict(ctx context.Context, tx *sql.Tx, rec *models.ConflictRecord) error {
	var local, incoming interface{}
	if len(rec.LocalValue) > 0 {
		local = string(rec.LocalValue)
	}
	if len(rec.IncomingValue) > 0 {
		incoming = string(rec.IncomingValue)
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO sync_conflicts (id, table_name, row_id, local_value, incoming_value,
			local_ts, incoming_ts, local_origin_node_id, incoming_origin_node_id, resolution, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.TableName, rec.RowID, local, incoming,
		rec.LocalTimestamp, rec.IncomingTimestamp,
		rec.LocalOriginNodeID, rec.IncomingOriginNodeID,
		rec.Resolution, rec.ResolvedAt,
	)
	return err
}

func (r *ChangeApplyRepository) bumpAppliedThrough(result *ApplyResult, rec *models.ChangeRecord) {
	if rec.Sequence > result.AppliedThrough[rec.Table] {
		result.AppliedThrough[rec.Table] = rec.Sequence
	}
}
