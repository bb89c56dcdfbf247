package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nodesync/server/internal/models"
)

// SyncSessionRepository implements SyncSessionRepo over database/sql
type SyncSessionRepository struct {
	db *sql.DB
}

// NewSyncSessionRepository creates a new SyncSessionRepository
func NewSyncSessionRepository(db *sql.DB) *SyncSessionRepository {
	return &SyncSessionRepository{db: db}
}

const sessionColumns = `id, pair_key, status, progress, current_step, direction,
	source_node_id, target_node_id, started_at, completed_at, error_message`

// Create inserts the session only when no non-terminal session exists for
// the same pair key. Guard and insert are one statement, so the invariant
// holds across concurrent callers and process restarts.
func (r *SyncSessionRepository) Create(ctx context.Context, s *models.SyncSession) (bool, error) {
	query := `
		INSERT INTO sync_sessions (id, pair_key, status, progress, current_step, direction,
			source_node_id, target_node_id, started_at, completed_at, error_message)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, NULL
		WHERE NOT EXISTS (
			SELECT 1 FROM sync_sessions
			WHERE pair_key = $10 AND status IN ('CREATED', 'PREPARING', 'TRANSFERRING')
		)`

	res, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.PairKey,
		s.Status,
		s.Progress,
		s.CurrentStep,
		s.Direction,
		s.SourceNodeID,
		s.TargetNodeID,
		s.StartedAt,
		s.PairKey,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetByID retrieves a session by id, (nil, nil) when absent
func (r *SyncSessionRepository) GetByID(ctx context.Context, id string) (*models.SyncSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sync_sessions WHERE id = $1`
	return r.scanSession(r.db.QueryRowContext(ctx, query, id))
}

// List returns sessions newest-first with paging
func (r *SyncSessionRepository) List(ctx context.Context, skip, take int) ([]*models.SyncSession, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + sessionColumns + ` FROM sync_sessions
		ORDER BY started_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.db.QueryContext(ctx, query, take, skip)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	sessions, err := r.scanSessions(rows)
	return sessions, total, err
}

// ListByStatus returns sessions in any of the given statuses, ordered by
// started_at descending. No built-in age filter; callers apply their own.
func (r *SyncSessionRepository) ListByStatus(ctx context.Context, statuses []models.SessionStatus) ([]*models.SyncSession, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(s)
	}

	query := `SELECT ` + sessionColumns + ` FROM sync_sessions
		WHERE status IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY started_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanSessions(rows)
}

// UpdateState sets status, step and progress; terminal sessions are left alone
func (r *SyncSessionRepository) UpdateState(ctx context.Context, id string, status models.SessionStatus, step string, progress int) (bool, error) {
	query := `UPDATE sync_sessions
		SET status = $1, current_step = $2, progress = $3
		WHERE id = $4 AND status IN ('CREATED', 'PREPARING', 'TRANSFERRING')`

	res, err := r.db.ExecContext(ctx, query, status, step, progress, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Terminate moves a non-terminal session into a terminal status. A zero
// row count means the session was already terminal; callers treat that as
// an idempotent no-op.
func (r *SyncSessionRepository) Terminate(ctx context.Context, id string, status models.SessionStatus, errorMessage string, completedAt time.Time) (bool, error) {
	progress := `progress`
	if status == models.StatusCompleted {
		progress = `100`
	}

	query := `UPDATE sync_sessions
		SET status = $1, error_message = $2, completed_at = $3, progress = ` + progress + `
		WHERE id = $4 AND status IN ('CREATED', 'PREPARING', 'TRANSFERRING')`

	var errMsg interface{}
	if errorMessage != "" {
		errMsg = errorMessage
	}

	res, err := r.db.ExecContext(ctx, query, status, errMsg, completedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *SyncSessionRepository) scanSession(row *sql.Row) (*models.SyncSession, error) {
	s := &models.SyncSession{}
	var completedAt sql.NullTime
	var errorMessage sql.NullString

	err := row.Scan(
		&s.ID,
		&s.PairKey,
		&s.Status,
		&s.Progress,
		&s.CurrentStep,
		&s.Direction,
		&s.SourceNodeID,
		&s.TargetNodeID,
		&s.StartedAt,
		&completedAt,
		&errorMessage,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	if errorMessage.Valid {
		s.ErrorMessage = errorMessage.String
	}
	return s, nil
}

func (r *SyncSessionRepository) scanSessions(rows *sql.Rows) ([]*models.SyncSession, error) {
	var sessions []*models.SyncSession

	for rows.Next() {
		s := &models.SyncSession{}
		var completedAt sql.NullTime
		var errorMessage sql.NullString

		err := rows.Scan(
			&s.ID,
			&s.PairKey,
			&s.Status,
			&s.Progress,
			&s.CurrentStep,
			&s.Direction,
			&s.SourceNodeID,
			&s.TargetNodeID,
			&s.StartedAt,
			&completedAt,
			&errorMessage,
		)
		if err != nil {
			return nil, err
		}

		if completedAt.Valid {
			s.CompletedAt = &completedAt.Time
		}
		if errorMessage.Valid {
			s.ErrorMessage = errorMessage.String
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}
