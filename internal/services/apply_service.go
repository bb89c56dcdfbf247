package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nodesync/server/internal/models"
	"github.com/nodesync/server/internal/observability"
	"github.com/nodesync/server/internal/repository"
)

// ApplyService is the destination side of a transfer. It validates incoming
// batches at the transport boundary, reassembles chunked attachment content,
// persists the content to the attachment store, and hands the batch to the
// transactional applier.
type ApplyService struct {
	applier     repository.ChangeApplier
	policy      repository.ConflictPolicy
	attachments *AttachmentStore
	metrics     *observability.SyncMetrics
	localNodeID string
}

// NewApplyService creates an apply service
func NewApplyService(
	applier repository.ChangeApplier,
	policy repository.ConflictPolicy,
	attachments *AttachmentStore,
	metrics *observability.SyncMetrics,
	localNodeID string,
) *ApplyService {
	return &ApplyService{
		applier:     applier,
		policy:      policy,
		attachments: attachments,
		metrics:     metrics,
		localNodeID: localNodeID,
	}
}

// ApplyIncoming validates and applies one batch, returning the ack the
// source uses to advance its watermarks. The whole batch commits or none of
// it does; a validation failure rejects the batch before anything touches
// the database.
func (s *ApplyService) ApplyIncoming(ctx context.Context, req *models.BatchRequest) (*models.BatchAck, error) {
	ctx, span := observability.StartServiceSpan(ctx, "apply", "apply_incoming")
	defer span.End()

	if req == nil || strings.TrimSpace(req.SourceNodeID) == "" {
		return nil, models.ErrInvalidPayload
	}
	if req.SourceNodeID == s.localNodeID {
		return nil, models.ErrSameNode
	}

	for _, rec := range req.Records {
		if err := rec.Validate(); err != nil {
			observability.RecordError(span, err)
			return nil, fmt.Errorf("record %s/%s seq %d: %w", rec.Table, rec.RowID, rec.Sequence, err)
		}
	}

	records, err := s.materializeAttachments(req.Records)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	result, err := s.applier.ApplyBatch(ctx, records, s.policy)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.BatchApplied(ctx, req.SourceNodeID, result.AppliedCount, result.ConflictCount)
	}
	observability.GetLogger().WithFields(map[string]interface{}{
		"session_id": req.SessionID,
		"source":     req.SourceNodeID,
		"applied":    result.AppliedCount,
		"skipped":    result.SkippedCount,
		"conflicts":  result.ConflictCount,
	}).Debug("Change batch applied")

	observability.SetSuccess(span)
	return &models.BatchAck{
		SessionID:      req.SessionID,
		AppliedThrough: result.AppliedThrough,
		AppliedCount:   result.AppliedCount,
		SkippedCount:   result.SkippedCount,
		ConflictCount:  result.ConflictCount,
	}, nil
}

// DownloadCursors returns, per table, the highest sequence already applied
// from the given origin node. PULL sessions resume from these.
func (s *ApplyService) DownloadCursors(ctx context.Context, originNodeID string) (map[string]int64, error) {
	return s.applier.AppliedWatermarks(ctx, originNodeID)
}

// chunkKey identifies the chunks of one attachment record within a batch
type chunkKey struct {
	originNodeID string
	table        string
	sequence     int64
}

// materializeAttachments rewrites attachment records for local storage:
// transported content is decoded, checksum-verified, written to the
// attachment store, and the payload rewritten to reference the stored path.
// Chunked records collapse into a single record once all chunks arrived;
// the source always ships a record's chunks inside one batch.
func (s *ApplyService) materializeAttachments(records []*models.ChangeRecord) ([]*models.ChangeRecord, error) {
	pending := make(map[chunkKey][]*models.ChangeRecord)
	out := make([]*models.ChangeRecord, 0, len(records))

	for _, rec := range records {
		if !models.IsAttachmentTable(rec.Table) || rec.Operation == models.OpDelete {
			out = append(out, rec)
			continue
		}

		var payload models.ProductImagePayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return nil, models.ErrInvalidPayload
		}
		if payload.Content == "" {
			// Metadata-only update; nothing to store
			out = append(out, rec)
			continue
		}

		if payload.ChunkCount <= 1 {
			stored, err := s.storeContent(rec, &payload, []string{payload.Content})
			if err != nil {
				return nil, err
			}
			out = append(out, stored)
			continue
		}

		key := chunkKey{rec.OriginNodeID, rec.Table, rec.Sequence}
		pending[key] = append(pending[key], rec)
		if len(pending[key]) < payload.ChunkCount {
			continue
		}

		stored, err := s.assembleChunks(pending[key])
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
		delete(pending, key)
	}

	for key := range pending {
		return nil, fmt.Errorf("incomplete attachment chunks for %s seq %d from %s",
			key.table, key.sequence, key.originNodeID)
	}
	return out, nil
}

func (s *ApplyService) assembleChunks(chunks []*models.ChangeRecord) (*models.ChangeRecord, error) {
	type part struct {
		index   int
		content string
	}
	parts := make([]part, 0, len(chunks))

	var payload models.ProductImagePayload
	for _, rec := range chunks {
		var p models.ProductImagePayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return nil, models.ErrInvalidPayload
		}
		parts = append(parts, part{index: p.ChunkIndex, content: p.Content})
		if p.ChunkIndex == 0 {
			payload = p
		}
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].index < parts[j].index })
	for i, p := range parts {
		if p.index != i {
			return nil, fmt.Errorf("attachment %s missing chunk %d", payload.ID, i)
		}
	}

	contents := make([]string, len(parts))
	for i, p := range parts {
		contents[i] = p.content
	}
	return s.storeContent(chunks[0], &payload, contents)
}

// storeContent decodes and persists attachment content, returning a copy of
// the record whose payload references the stored file instead of carrying it
func (s *ApplyService) storeContent(rec *models.ChangeRecord, payload *models.ProductImagePayload, encodedChunks []string) (*models.ChangeRecord, error) {
	var content []byte
	for _, encoded := range encodedChunks {
		chunk, err := DecodeContent(encoded)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", payload.ID, err)
		}
		content = append(content, chunk...)
	}

	if payload.Checksum != "" && ContentChecksum(content) != payload.Checksum {
		return nil, fmt.Errorf("attachment %s failed checksum verification", payload.ID)
	}

	storedPath, err := s.attachments.Save(payload.ID, payload.FileName, content)
	if err != nil {
		return nil, err
	}

	stored := *payload
	stored.Content = ""
	stored.StoredPath = storedPath
	stored.FileSize = int64(len(content))
	stored.ChunkIndex = 0
	stored.ChunkCount = 1

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, err
	}

	cp := *rec
	cp.Payload = data
	return &cp, nil
}
