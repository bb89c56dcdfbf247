package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/nodesync/server/internal/models"
)

// ChangeLogRepository implements ChangeLogRepo over database/sql
type ChangeLogRepository struct {
	db *sql.DB
}

// NewChangeLogRepository creates a new ChangeLogRepository
func NewChangeLogRepository(db *sql.DB) *ChangeLogRepository {
	return &ChangeLogRepository{db: db}
}

// Record appends a mutation to the log and returns its assigned sequence
func (r *ChangeLogRepository) Record(ctx context.Context, rec *models.ChangeRecord) (int64, error) {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var payload interface{}
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}

	var seq int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO change_log (table_name, row_id, operation, payload, base_version, origin_node_id, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING sequence`,
		rec.Table, rec.RowID, rec.Operation, payload, rec.BaseVersion, rec.OriginNodeID, ts,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}

	rec.Sequence = seq
	rec.Timestamp = ts
	return seq, nil
}

// ListAfter returns up to limit records above afterSeq in ascending
// sequence order. Insertion order is never reordered, so replay is a
// simple forward scan.
func (r *ChangeLogRepository) ListAfter(ctx context.Context, table string, afterSeq int64, limit int) ([]*models.ChangeRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT sequence, table_name, row_id, operation, payload, base_version, origin_node_id, ts
		FROM change_log
		WHERE table_name = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3`,
		table, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.ChangeRecord
	for rows.Next() {
		rec := &models.ChangeRecord{}
		var payload sql.NullString

		err := rows.Scan(
			&rec.Sequence,
			&rec.Table,
			&rec.RowID,
			&rec.Operation,
			&payload,
			&rec.BaseVersion,
			&rec.OriginNodeID,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, err
		}

		if payload.Valid {
			rec.Payload = []byte(payload.String)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// MaxSequence returns the highest sequence recorded for the table
func (r *ChangeLogRepository) MaxSequence(ctx context.Context, table string) (int64, error) {
	var seq sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM change_log WHERE table_name = $1`, table,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// PendingCount reports how many records remain above the cursor
func (r *ChangeLogRepository) PendingCount(ctx context.Context, table string, afterSeq int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM change_log WHERE table_name = $1 AND sequence > $2`,
		table, afterSeq,
	).Scan(&count)
	return count, err
}
