package services

import (
	"context"
	"fmt"
	"time"

	"github.com/nodesync/server/internal/models"
	"github.com/nodesync/server/internal/observability"
)

// WatchdogService cancels sessions that have been running longer than the
// configured maximum. Workers that died without reaching a terminal state
// would otherwise block their node pair forever.
type WatchdogService struct {
	sessions *SessionManagerService
	interval time.Duration
	maxAge   time.Duration
}

// NewWatchdogService creates a watchdog
func NewWatchdogService(sessions *SessionManagerService, interval, maxAge time.Duration) *WatchdogService {
	return &WatchdogService{
		sessions: sessions,
		interval: interval,
		maxAge:   maxAge,
	}
}

// Run sweeps on a fixed interval until the context is cancelled. Meant to
// run as a background goroutine for the life of the process.
func (w *WatchdogService) Run(ctx context.Context) {
	observability.Infof("Session watchdog running every %s, max session duration %s", w.interval, w.maxAge)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				observability.Errorf("Watchdog sweep failed: %v", err)
			}
		}
	}
}

// Sweep cancels every stuck session once and returns the ones it cancelled.
// Only PREPARING and TRANSFERRING sessions are considered stuck; a CREATED
// session that old means its worker never started, and it is swept too.
func (w *WatchdogService) Sweep(ctx context.Context) ([]*models.SyncSession, error) {
	stuck, err := w.sessions.ListStuck(ctx, models.ActiveStatuses, w.maxAge)
	if err != nil {
		return nil, err
	}

	reason := fmt.Sprintf("sync session timed out after %s", w.maxAge)
	cancelled := make([]*models.SyncSession, 0, len(stuck))
	for _, sess := range stuck {
		out, err := w.sessions.Cancel(ctx, sess.ID, reason)
		if err != nil {
			observability.Errorf("Watchdog could not cancel session %s: %v", sess.ID, err)
			continue
		}
		if out.Status == models.StatusCancelled {
			observability.GetLogger().WithFields(map[string]interface{}{
				"session_id": sess.ID,
				"pair_key":   sess.PairKey,
				"age":        time.Since(sess.StartedAt).Round(time.Second).String(),
			}).Warn("Watchdog cancelled stuck sync session")
			cancelled = append(cancelled, out)
		}
	}
	return cancelled, nil
}
