package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/nodesync/server/internal/models"
)

// WatermarkRepository implements WatermarkRepo over database/sql
type WatermarkRepository struct {
	db *sql.DB
}

// NewWatermarkRepository creates a new WatermarkRepository
func NewWatermarkRepository(db *sql.DB) *WatermarkRepository {
	return &WatermarkRepository{db: db}
}

// Get returns the watermark for (table, target), zero when none exists yet
func (r *WatermarkRepository) Get(ctx context.Context, table, targetNodeID string) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx,
		`SELECT sequence FROM sync_watermarks WHERE table_name = $1 AND target_node_id = $2`,
		table, targetNodeID,
	).Scan(&seq)

	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Advance raises the watermark to seq. The WHERE guard on the upsert keeps
// the cursor monotonically non-decreasing even under retried acks.
func (r *WatermarkRepository) Advance(ctx context.Context, table, targetNodeID string, seq int64) error {
	query := `INSERT INTO sync_watermarks (table_name, target_node_id, sequence, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (table_name, target_node_id) DO UPDATE SET
			sequence = EXCLUDED.sequence,
			updated_at = EXCLUDED.updated_at
		WHERE sync_watermarks.sequence < EXCLUDED.sequence`

	_, err := r.db.ExecContext(ctx, query, table, targetNodeID, seq, time.Now().UTC())
	return err
}

// AllForTarget returns every table's watermark for the given target node
func (r *WatermarkRepository) AllForTarget(ctx context.Context, targetNodeID string) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT table_name, sequence FROM sync_watermarks WHERE target_node_id = $1`,
		targetNodeID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	marks := make(map[string]int64, len(models.SyncedTables))
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
