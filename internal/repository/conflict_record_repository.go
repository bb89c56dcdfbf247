package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nodesync/server/internal/models"
)

// ConflictRecordRepository implements ConflictRecordRepo over database/sql
type ConflictRecordRepository struct {
	db *sql.DB
}

// NewConflictRecordRepository creates a new ConflictRecordRepository
func NewConflictRecordRepository(db *sql.DB) *ConflictRecordRepository {
	return &ConflictRecordRepository{db: db}
}

// Add inserts a conflict audit record outside the apply transaction. The
// applier writes its own records in-transaction; this path exists for the
// resolver's standalone use and for tests.
func (r *ConflictRecordRepository) Add(ctx context.Context, rec *models.ConflictRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertConflict(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

// List returns conflicts newest-first, optionally filtered by table
func (r *ConflictRecordRepository) List(ctx context.Context, table string, skip, take int) ([]*models.ConflictRecord, int, error) {
	countQuery := `SELECT COUNT(*) FROM sync_conflicts`
	dataQuery := `SELECT id, table_name, row_id, local_value, incoming_value,
		local_ts, incoming_ts, local_origin_node_id, incoming_origin_node_id, resolution, resolved_at
		FROM sync_conflicts`

	args := []interface{}{}
	if table != "" {
		countQuery += ` WHERE table_name = $1`
		dataQuery += ` WHERE table_name = $1`
		args = append(args, table)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	dataQuery += fmt.Sprintf(` ORDER BY resolved_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	args = append(args, take, skip)

	rows, err := r.db.QueryContext(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []*models.ConflictRecord
	for rows.Next() {
		rec := &models.ConflictRecord{}
		var local, incoming sql.NullString

		err := rows.Scan(
			&rec.ID,
			&rec.TableName,
			&rec.RowID,
			&local,
			&incoming,
			&rec.LocalTimestamp,
			&rec.IncomingTimestamp,
			&rec.LocalOriginNodeID,
			&rec.IncomingOriginNodeID,
			&rec.Resolution,
			&rec.ResolvedAt,
		)
		if err != nil {
			return nil, 0, err
		}

		if local.Valid {
			rec.LocalValue = []byte(local.String)
		}
		if incoming.Valid {
			rec.IncomingValue = []byte(incoming.String)
		}
		records = append(records, rec)
	}

	return records, total, rows.Err()
}
