package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nodesync/server/internal/models"
	"github.com/nodesync/server/internal/observability"
	"github.com/nodesync/server/internal/repository"
)

// SessionRunner executes the transfer work for a session. Implemented by
// TransferService; injected after construction to break the dependency
// cycle between session lifecycle and transfer execution.
type SessionRunner interface {
	Run(ctx context.Context, session *models.SyncSession)
}

// SessionManagerService owns the sync-session lifecycle. All status
// transitions flow through it so every mutation lands in the store and on
// the websocket hub exactly once.
type SessionManagerService struct {
	sessions repository.SyncSessionRepo
	peers    *PeerDirectory
	hub      *WebSocketHub
	metrics  *observability.SyncMetrics

	mu     sync.Mutex
	runner SessionRunner

	// cancels holds per-session cooperative cancel functions for workers
	// running in this process
	cancels map[string]context.CancelFunc
}

// NewSessionManagerService creates a session manager
func NewSessionManagerService(sessions repository.SyncSessionRepo, peers *PeerDirectory, hub *WebSocketHub, metrics *observability.SyncMetrics) *SessionManagerService {
	return &SessionManagerService{
		sessions: sessions,
		peers:    peers,
		hub:      hub,
		metrics:  metrics,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// SetRunner wires the transfer executor. Must be called before StartSession.
func (s *SessionManagerService) SetRunner(r SessionRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = r
}

// StartSession validates the request, persists a CREATED session and spawns
// its worker. Returns ErrSessionConflict when the node pair already has an
// active session and ErrUnknownPeer when the target was never discovered.
func (s *SessionManagerService) StartSession(ctx context.Context, sourceNodeID, targetNodeID string, direction models.SyncDirection) (*models.SyncSession, error) {
	ctx, span := observability.StartServiceSpan(ctx, "session_manager", "start_session")
	defer span.End()

	session, err := models.NewSyncSession(sourceNodeID, targetNodeID, direction)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	peer := s.peers.GetByNodeID(targetNodeID)
	if peer == nil {
		observability.RecordError(span, models.ErrUnknownPeer)
		return nil, models.ErrUnknownPeer
	}

	created, err := s.sessions.Create(ctx, session)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	if !created {
		return nil, models.ErrSessionConflict
	}

	if s.metrics != nil {
		s.metrics.SessionStarted(ctx, string(direction))
	}
	observability.GetLogger().WithFields(map[string]interface{}{
		"session_id": session.ID,
		"pair_key":   session.PairKey,
		"direction":  string(direction),
	}).Info("Sync session started")

	s.notify(session)
	s.spawn(session)

	observability.SetSuccess(span)
	return session, nil
}

// spawn launches the transfer worker with a cancellable context. The worker
// outlives the HTTP request that started the session, so it runs under
// context.Background, not the request context.
func (s *SessionManagerService) spawn(session *models.SyncSession) {
	s.mu.Lock()
	runner := s.runner
	if runner == nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[session.ID] = cancel
	s.mu.Unlock()

	go func() {
		defer s.dropCancel(session.ID)
		runner.Run(ctx, session)
	}()
}

func (s *SessionManagerService) dropCancel(id string) {
	s.mu.Lock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()
}

// signalCancel interrupts the in-process worker for the session, if any.
// Sessions owned by a crashed process have no worker; the watchdog handles
// those through the store alone.
func (s *SessionManagerService) signalCancel(id string) {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// GetSession returns the session or ErrSessionNotFound
func (s *SessionManagerService) GetSession(ctx context.Context, id string) (*models.SyncSession, error) {
	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, models.ErrSessionNotFound
	}
	return session, nil
}

// ListSessions returns a page of sessions newest-first with the total count
func (s *SessionManagerService) ListSessions(ctx context.Context, skip, take int) ([]*models.SyncSession, int, error) {
	return s.sessions.List(ctx, skip, take)
}

// ListActive returns all non-terminal sessions
func (s *SessionManagerService) ListActive(ctx context.Context) ([]*models.SyncSession, error) {
	return s.sessions.ListByStatus(ctx, models.ActiveStatuses)
}

// ListStuck returns sessions in the given statuses older than maxAge
func (s *SessionManagerService) ListStuck(ctx context.Context, statuses []models.SessionStatus, maxAge time.Duration) ([]*models.SyncSession, error) {
	sessions, err := s.sessions.ListByStatus(ctx, statuses)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	stuck := sessions[:0]
	for _, sess := range sessions {
		if sess.IsStuckFor(maxAge, now) {
			stuck = append(stuck, sess)
		}
	}
	return stuck, nil
}

// AdvanceToPreparing moves CREATED -> PREPARING
func (s *SessionManagerService) AdvanceToPreparing(ctx context.Context, id, step string) error {
	return s.updateState(ctx, id, models.StatusPreparing, step, 0)
}

// AdvanceToTransferring moves PREPARING -> TRANSFERRING
func (s *SessionManagerService) AdvanceToTransferring(ctx context.Context, id, step string) error {
	return s.updateState(ctx, id, models.StatusTransferring, step, 0)
}

// SetProgress updates progress and step on a running session. Lost updates
// against an already-terminal session are silently ignored; the terminal
// status is the one that matters.
func (s *SessionManagerService) SetProgress(ctx context.Context, id, step string, progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if err := s.updateState(ctx, id, models.StatusTransferring, step, progress); err != nil {
		observability.Debugf("Progress update skipped for session %s: %v", id, err)
	}
}

func (s *SessionManagerService) updateState(ctx context.Context, id string, status models.SessionStatus, step string, progress int) error {
	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if session == nil {
		return models.ErrSessionNotFound
	}
	if session.Status != status && !session.CanTransitionTo(status) {
		return fmt.Errorf("illegal transition %s -> %s for session %s", session.Status, status, id)
	}

	ok, err := s.sessions.UpdateState(ctx, id, status, step, progress)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s is already terminal", id)
	}

	session.Status = status
	session.CurrentStep = step
	session.Progress = progress
	s.notify(session)
	return nil
}

// Complete moves TRANSFERRING -> COMPLETED. Idempotent: completing a session
// that already reached a terminal state returns that state without error.
func (s *SessionManagerService) Complete(ctx context.Context, id string) (*models.SyncSession, error) {
	return s.terminate(ctx, id, models.StatusCompleted, "")
}

// Fail moves the session to FAILED with a reason. Idempotent.
func (s *SessionManagerService) Fail(ctx context.Context, id, reason string) (*models.SyncSession, error) {
	return s.terminate(ctx, id, models.StatusFailed, reason)
}

// Cancel moves the session to CANCELLED with a reason and interrupts its
// worker. Cancelling an already-terminal session is a no-op that returns
// the existing terminal state.
func (s *SessionManagerService) Cancel(ctx context.Context, id, reason string) (*models.SyncSession, error) {
	s.signalCancel(id)
	return s.terminate(ctx, id, models.StatusCancelled, reason)
}

// CancelAll cancels every non-terminal session and returns the ones that
// transitioned in this call
func (s *SessionManagerService) CancelAll(ctx context.Context, reason string) ([]*models.SyncSession, error) {
	active, err := s.sessions.ListByStatus(ctx, models.ActiveStatuses)
	if err != nil {
		return nil, err
	}

	cancelled := make([]*models.SyncSession, 0, len(active))
	for _, sess := range active {
		out, err := s.Cancel(ctx, sess.ID, reason)
		if err != nil {
			return cancelled, err
		}
		if out.Status == models.StatusCancelled {
			cancelled = append(cancelled, out)
		}
	}
	return cancelled, nil
}

func (s *SessionManagerService) terminate(ctx context.Context, id string, status models.SessionStatus, reason string) (*models.SyncSession, error) {
	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, models.ErrSessionNotFound
	}

	ok, err := s.sessions.Terminate(ctx, id, status, reason, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race to another terminal transition; return what won
		return s.sessions.GetByID(ctx, id)
	}

	session, err = s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	logger := observability.GetLogger().WithFields(map[string]interface{}{
		"session_id": id,
		"status":     string(status),
	})
	switch status {
	case models.StatusCompleted:
		if s.metrics != nil {
			s.metrics.SessionCompleted(ctx, string(session.Direction))
		}
		logger.Info("Sync session completed")
	case models.StatusFailed:
		if s.metrics != nil {
			s.metrics.SessionFailed(ctx, string(session.Direction))
		}
		logger.WithField("reason", reason).Warn("Sync session failed")
	case models.StatusCancelled:
		logger.WithField("reason", reason).Info("Sync session cancelled")
	}

	s.notify(session)
	return session, nil
}

func (s *SessionManagerService) notify(session *models.SyncSession) {
	if s.hub == nil {
		return
	}
	s.hub.NotifyProgress(models.ProgressEvent{
		SessionID:   session.ID,
		PairKey:     session.PairKey,
		Status:      session.Status,
		Progress:    session.Progress,
		CurrentStep: session.CurrentStep,
		Error:       session.ErrorMessage,
	})
}
