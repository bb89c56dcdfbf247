package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nodesync/server/internal/models"
	"github.com/nodesync/server/internal/observability"
	"github.com/nodesync/server/internal/repository"
)

// ChangeTrackerService produces the ordered stream of ChangeRecords a target
// node needs to converge. For each synchronized table it scans the change
// log forward from the (table, target) watermark; the watermark advances
// only after the transfer engine reports an acknowledged apply, so a crash
// mid-transfer can duplicate changes but never lose them.
type ChangeTrackerService struct {
	changeLog   repository.ChangeLogRepo
	watermarks  repository.WatermarkRepo
	attachments *AttachmentStore
	tables      []string
	chunkBytes  int
}

// NewChangeTrackerService creates a tracker over the given tables
func NewChangeTrackerService(
	changeLog repository.ChangeLogRepo,
	watermarks repository.WatermarkRepo,
	attachments *AttachmentStore,
	tables []string,
	chunkBytes int,
) *ChangeTrackerService {
	if chunkBytes <= 0 {
		chunkBytes = 512 << 10
	}
	return &ChangeTrackerService{
		changeLog:   changeLog,
		watermarks:  watermarks,
		attachments: attachments,
		tables:      tables,
		chunkBytes:  chunkBytes,
	}
}

// Tables returns the synchronized table names in apply order
func (s *ChangeTrackerService) Tables() []string {
	return s.tables
}

// Plan reports how many changes each table has pending for the target.
// Used for session progress accounting before transfer starts.
func (s *ChangeTrackerService) Plan(ctx context.Context, targetNodeID string) (map[string]int, int, error) {
	plan := make(map[string]int, len(s.tables))
	total := 0

	for _, table := range s.tables {
		wm, err := s.watermarks.Get(ctx, table, targetNodeID)
		if err != nil {
			return nil, 0, err
		}
		count, err := s.changeLog.PendingCount(ctx, table, wm)
		if err != nil {
			return nil, 0, err
		}
		plan[table] = count
		total += count
	}
	return plan, total, nil
}

// NextBatch returns the next bounded batch of records for (table, target),
// hydrating attachment content for transport. The second return is the
// highest sequence scanned; when it exceeds the last record in the batch the
// tail was all echoes of the target's own changes, and the caller may
// advance the watermark through it once the batch is acked. An empty batch
// with scanned == watermark means the table is caught up.
func (s *ChangeTrackerService) NextBatch(ctx context.Context, table, targetNodeID string, maxRecords, maxBytes int) ([]*models.ChangeRecord, int64, error) {
	wm, err := s.watermarks.Get(ctx, table, targetNodeID)
	if err != nil {
		return nil, 0, err
	}
	return s.BatchAfter(ctx, table, targetNodeID, wm, maxRecords, maxBytes)
}

// BatchAfter is NextBatch with an explicit cursor instead of the stored
// watermark. The changes endpoint serves PULL requests through it using the
// cursor the requester presents.
func (s *ChangeTrackerService) BatchAfter(ctx context.Context, table, targetNodeID string, afterSeq int64, maxRecords, maxBytes int) ([]*models.ChangeRecord, int64, error) {
	records, err := s.changeLog.ListAfter(ctx, table, afterSeq, maxRecords)
	if err != nil {
		return nil, 0, err
	}

	scanned := afterSeq
	var batch []*models.ChangeRecord
	bytes := 0
	for _, rec := range records {
		// Never echo a node's own changes back at it
		if rec.OriginNodeID == targetNodeID {
			scanned = rec.Sequence
			continue
		}

		hydrated := []*models.ChangeRecord{rec}
		if models.IsAttachmentTable(rec.Table) && rec.Operation != models.OpDelete {
			hydrated, err = s.hydrateAttachment(rec)
			if err != nil {
				// A missing file is not worth wedging the whole table;
				// ship the row metadata and let the next full sync retry
				observability.Warnf("Attachment hydration failed for %s/%s: %v", rec.Table, rec.RowID, err)
				hydrated = []*models.ChangeRecord{rec}
			}
		}

		for _, h := range hydrated {
			batch = append(batch, h)
			bytes += len(h.Payload)
		}
		scanned = rec.Sequence
		if bytes >= maxBytes && len(batch) > 0 {
			break
		}
	}
	return batch, scanned, nil
}

// HasPending reports whether the table's log holds records above the cursor
func (s *ChangeTrackerService) HasPending(ctx context.Context, table string, afterSeq int64) (bool, error) {
	n, err := s.changeLog.PendingCount(ctx, table, afterSeq)
	return n > 0, err
}

// Acknowledge advances the watermark after the target confirmed application.
// Called strictly after ack receipt; delivery is at-least-once from the
// tracker's perspective and the destination's idempotent apply absorbs the
// duplicates.
func (s *ChangeTrackerService) Acknowledge(ctx context.Context, table, targetNodeID string, appliedThrough int64) error {
	if appliedThrough <= 0 {
		return nil
	}
	return s.watermarks.Advance(ctx, table, targetNodeID, appliedThrough)
}

// hydrateAttachment loads the referenced file content and splits it into
// chunked copies of the record when it exceeds the chunk size. Chunks share
// the record's sequence; the destination reassembles them and applies the
// row once the final chunk arrives.
func (s *ChangeTrackerService) hydrateAttachment(rec *models.ChangeRecord) ([]*models.ChangeRecord, error) {
	var payload models.ProductImagePayload
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return nil, fmt.Errorf("attachment payload: %w", err)
	}
	if payload.StoredPath == "" || payload.Content != "" {
		return []*models.ChangeRecord{rec}, nil
	}

	content, err := s.attachments.Load(payload.StoredPath)
	if err != nil {
		return nil, err
	}

	payload.FileSize = int64(len(content))
	payload.Checksum = ContentChecksum(content)

	chunkCount := (len(content) + s.chunkBytes - 1) / s.chunkBytes
	if chunkCount < 1 {
		chunkCount = 1
	}

	out := make([]*models.ChangeRecord, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		start := i * s.chunkBytes
		end := start + s.chunkBytes
		if end > len(content) {
			end = len(content)
		}

		chunk := payload
		chunk.Content = EncodeContent(content[start:end])
		chunk.ChunkIndex = i
		chunk.ChunkCount = chunkCount

		data, err := json.Marshal(chunk)
		if err != nil {
			return nil, err
		}

		cp := *rec
		cp.Payload = data
		out = append(out, &cp)
	}
	return out, nil
}
