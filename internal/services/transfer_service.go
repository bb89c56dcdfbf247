package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nodesync/server/internal/config"
	"github.com/nodesync/server/internal/models"
	"github.com/nodesync/server/internal/observability"
)

// TransferService moves change batches between this node and a peer for one
// session. It is the SessionRunner the session manager spawns; one goroutine
// per active session.
//
// PUSH uploads local changes to the peer and advances local watermarks from
// the peer's acks. PULL downloads the peer's changes from its change feed,
// applies them locally, and relies on the local applied-changes ledger as
// the download cursor. BIDIRECTIONAL is a push followed by a pull.
type TransferService struct {
	cfg      *config.Config
	sessions *SessionManagerService
	tracker  *ChangeTrackerService
	apply    *ApplyService
	peers    *PeerDirectory
	metrics  *observability.SyncMetrics
	client   *http.Client
}

// NewTransferService creates a transfer service
func NewTransferService(
	cfg *config.Config,
	sessions *SessionManagerService,
	tracker *ChangeTrackerService,
	apply *ApplyService,
	peers *PeerDirectory,
	metrics *observability.SyncMetrics,
) *TransferService {
	return &TransferService{
		cfg:      cfg,
		sessions: sessions,
		tracker:  tracker,
		apply:    apply,
		peers:    peers,
		metrics:  metrics,
		client: &http.Client{
			Timeout: time.Duration(cfg.Transfer.RequestTimeoutSecs) * time.Second,
		},
	}
}

// Run drives a session from CREATED to a terminal state. Cancellation is
// cooperative: the context is checked between batches, so an in-flight batch
// always finishes or fails atomically before the session stops.
func (s *TransferService) Run(ctx context.Context, session *models.SyncSession) {
	logger := observability.GetLogger().WithFields(map[string]interface{}{
		"session_id": session.ID,
		"direction":  string(session.Direction),
		"target":     session.TargetNodeID,
	})

	peer := s.peers.GetByNodeID(session.TargetNodeID)
	if peer == nil {
		s.sessions.Fail(context.Background(), session.ID, "peer unreachable: node left the directory before transfer started")
		return
	}

	if err := s.sessions.AdvanceToPreparing(ctx, session.ID, "preparing transfer"); err != nil {
		logger.Warnf("Could not enter PREPARING: %v", err)
		return
	}

	if err := s.sessions.AdvanceToTransferring(ctx, session.ID, "transferring changes"); err != nil {
		logger.Warnf("Could not enter TRANSFERRING: %v", err)
		return
	}

	err := s.transfer(ctx, session, peer)
	switch {
	case err == nil:
		s.sessions.Complete(context.Background(), session.ID)
	case errors.Is(err, context.Canceled):
		// Cancel already moved the session terminal; nothing to record
		logger.Info("Transfer interrupted by cancellation")
	default:
		s.sessions.Fail(context.Background(), session.ID, err.Error())
	}
}

func (s *TransferService) transfer(ctx context.Context, session *models.SyncSession, peer *models.PeerNode) error {
	switch session.Direction {
	case models.DirectionPush:
		return s.push(ctx, session, peer)
	case models.DirectionPull:
		return s.pull(ctx, session, peer)
	case models.DirectionBidirectional:
		if err := s.push(ctx, session, peer); err != nil {
			return err
		}
		return s.pull(ctx, session, peer)
	}
	return fmt.Errorf("unsupported direction %q", session.Direction)
}

// push streams local pending changes to the peer table by table. The
// watermark only advances from acked sequences, so an interrupted push
// resumes where the last committed batch left off.
func (s *TransferService) push(ctx context.Context, session *models.SyncSession, peer *models.PeerNode) error {
	_, total, err := s.tracker.Plan(ctx, session.TargetNodeID)
	if err != nil {
		return err
	}
	if total == 0 {
		s.sessions.SetProgress(ctx, session.ID, "nothing to push", pushShare(session))
		return nil
	}

	done := 0
	for _, table := range s.tracker.Tables() {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			batch, scanned, err := s.tracker.NextBatch(ctx, table, session.TargetNodeID,
				s.cfg.Transfer.BatchMaxRecords, s.cfg.Transfer.BatchMaxBytes)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				// Anything scanned but not batched was an echo of the
				// target's own changes; skip the watermark over it and
				// keep scanning until the log is exhausted
				if err := s.tracker.Acknowledge(ctx, table, session.TargetNodeID, scanned); err != nil {
					return err
				}
				if scanned > 0 {
					if more, err := s.tracker.HasPending(ctx, table, scanned); err != nil {
						return err
					} else if more {
						continue
					}
				}
				break
			}

			ack, err := s.sendBatch(ctx, session, peer, batch)
			if err != nil {
				return err
			}

			advanceTo := ack.AppliedThrough[table]
			if scanned > advanceTo {
				advanceTo = scanned
			}
			if err := s.tracker.Acknowledge(ctx, table, session.TargetNodeID, advanceTo); err != nil {
				return err
			}

			if s.metrics != nil {
				s.metrics.BytesTransferred(ctx, "push", batchBytes(batch))
			}

			done += ack.AppliedCount + ack.SkippedCount
			progress := done * pushShare(session) / total
			s.sessions.SetProgress(ctx, session.ID,
				fmt.Sprintf("pushing %s (%d/%d changes)", table, done, total), progress)
		}
	}
	return nil
}

// pull downloads the peer's change feed table by table and applies it
// locally. The cursor is the highest sequence already present in the local
// applied-changes ledger, so pulls survive restarts without extra state.
func (s *TransferService) pull(ctx context.Context, session *models.SyncSession, peer *models.PeerNode) error {
	cursors, err := s.apply.DownloadCursors(ctx, session.TargetNodeID)
	if err != nil {
		return err
	}

	base := pushShare(session)
	tables := s.tracker.Tables()
	for i, table := range tables {
		cursor := cursors[table]
		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			resp, err := s.fetchChanges(ctx, peer, table, cursor, s.cfg.Transfer.BatchMaxRecords)
			if err != nil {
				return err
			}
			if len(resp.Records) == 0 {
				break
			}

			ack, err := s.apply.ApplyIncoming(ctx, &models.BatchRequest{
				SessionID:    session.ID,
				SourceNodeID: peer.NodeID,
				Records:      resp.Records,
			})
			if err != nil {
				return err
			}
			if next := ack.AppliedThrough[table]; next > cursor {
				cursor = next
			} else {
				// Nothing advanced; bail rather than spin on the same page
				return fmt.Errorf("pull of %s stalled at sequence %d", table, cursor)
			}

			if s.metrics != nil {
				s.metrics.BytesTransferred(ctx, "pull", batchBytes(resp.Records))
			}

			if !resp.HasMore {
				break
			}
		}

		progress := base + (i+1)*(100-base)/len(tables)
		s.sessions.SetProgress(ctx, session.ID, fmt.Sprintf("pulled %s", table), progress)
	}
	return nil
}

// sendBatch POSTs one batch with exponential-backoff retry. Authentication
// failures are permanent; retrying them cannot help.
func (s *TransferService) sendBatch(ctx context.Context, session *models.SyncSession, peer *models.PeerNode, records []*models.ChangeRecord) (*models.BatchAck, error) {
	req := &models.BatchRequest{
		SessionID:    session.ID,
		SourceNodeID: s.cfg.NodeID,
		Records:      records,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	operation := func() (*models.BatchAck, error) {
		ack, err := s.postBatch(ctx, peer, body)
		if errors.Is(err, models.ErrAuthentication) {
			return nil, backoff.Permanent(err)
		}
		return ack, err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Duration(s.cfg.Transfer.RetryInitialMS) * time.Millisecond

	ack, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(s.cfg.Transfer.MaxAttempts)),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		if errors.Is(err, models.ErrAuthentication) {
			return nil, err
		}
		return nil, fmt.Errorf("peer unreachable after %d attempts: %w", s.cfg.Transfer.MaxAttempts, err)
	}
	return ack, nil
}

func (s *TransferService) postBatch(ctx context.Context, peer *models.PeerNode, body []byte) (*models.BatchAck, error) {
	endpoint := s.peerURL(peer, "/api/sync/batches", nil)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(s.cfg.Security.KeyHeader, s.cfg.Security.RegistrationKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, models.ErrAuthentication
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("peer returned %d: %s", resp.StatusCode, string(data))
	}

	var ack models.BatchAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("decoding batch ack: %w", err)
	}
	return &ack, nil
}

func (s *TransferService) fetchChanges(ctx context.Context, peer *models.PeerNode, table string, afterSeq int64, limit int) (*models.ChangesResponse, error) {
	operation := func() (*models.ChangesResponse, error) {
		endpoint := s.peerURL(peer, "/api/sync/changes", url.Values{
			"table":    {table},
			"afterSeq": {strconv.FormatInt(afterSeq, 10)},
			"limit":    {strconv.Itoa(limit)},
		})
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		httpReq.Header.Set(s.cfg.Security.KeyHeader, s.cfg.Security.RegistrationKey)
		httpReq.Header.Set("X-Node-ID", s.cfg.NodeID)

		resp, err := s.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			return nil, backoff.Permanent(models.ErrAuthentication)
		}
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("peer returned %d: %s", resp.StatusCode, string(data))
		}

		var out models.ChangesResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decoding changes response: %w", err)
		}
		return &out, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Duration(s.cfg.Transfer.RetryInitialMS) * time.Millisecond

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(s.cfg.Transfer.MaxAttempts)),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, models.ErrAuthentication) {
			return nil, err
		}
		return nil, fmt.Errorf("peer unreachable after %d attempts: %w", s.cfg.Transfer.MaxAttempts, err)
	}
	return out, nil
}

// peerURL builds an endpoint URL on the peer. All nodes in a deployment
// share the same base port convention.
func (s *TransferService) peerURL(peer *models.PeerNode, path string, query url.Values) string {
	u := url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", peer.Address, s.cfg.TransferPort()),
		Path:   path,
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// pushShare is how much of the progress bar the push phase owns
func pushShare(session *models.SyncSession) int {
	switch session.Direction {
	case models.DirectionPush:
		return 100
	case models.DirectionBidirectional:
		return 50
	default:
		return 0
	}
}

func batchBytes(records []*models.ChangeRecord) int64 {
	var n int64
	for _, rec := range records {
		n += int64(len(rec.Payload))
	}
	return n
}
