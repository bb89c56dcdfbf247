package services

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodesync/server/internal/models"
)

func recordChange(t *testing.T, log *fakeChangeLogRepo, table, rowID, origin string, payload interface{}) int64 {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	seq, err := log.Record(context.Background(), &models.ChangeRecord{
		Table:        table,
		RowID:        rowID,
		Operation:    models.OpUpdate,
		Payload:      raw,
		OriginNodeID: origin,
		Timestamp:    time.Now().UTC(),
	})
	require.NoError(t, err)
	return seq
}

func TestPlan(t *testing.T) {
	ctx := context.Background()
	log := newFakeChangeLogRepo()
	marks := newFakeWatermarkRepo()
	tracker := NewChangeTrackerService(log, marks, nil, models.SyncedTables, 0)

	for i := 0; i < 3; i++ {
		recordChange(t, log, models.TableProducts, "prod-1", "node-a", models.ProductPayload{ID: "prod-1", TenantID: "t1", Name: "Widget"})
	}
	recordChange(t, log, models.TableOrders, "ord-1", "node-a", models.OrderPayload{ID: "ord-1", TenantID: "t1", Status: "OPEN"})

	plan, total, err := tracker.Plan(ctx, "node-b")
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, 3, plan[models.TableProducts])
	assert.Equal(t, 1, plan[models.TableOrders])
	assert.Equal(t, 0, plan[models.TableBalances])

	// Acknowledged changes drop out of the plan
	require.NoError(t, tracker.Acknowledge(ctx, models.TableProducts, "node-b", 2))
	plan, total, err = tracker.Plan(ctx, "node-b")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, plan[models.TableProducts])
}

func TestNextBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("respects the record limit", func(t *testing.T) {
		log := newFakeChangeLogRepo()
		marks := newFakeWatermarkRepo()
		tracker := NewChangeTrackerService(log, marks, nil, models.SyncedTables, 0)

		for i := 0; i < 5; i++ {
			recordChange(t, log, models.TableProducts, "prod-1", "node-a", models.ProductPayload{ID: "prod-1", TenantID: "t1", Name: "Widget"})
		}

		batch, scanned, err := tracker.NextBatch(ctx, models.TableProducts, "node-b", 2, 1<<20)
		require.NoError(t, err)
		assert.Len(t, batch, 2)
		assert.Equal(t, int64(2), scanned)
	})

	t.Run("respects the byte limit", func(t *testing.T) {
		log := newFakeChangeLogRepo()
		marks := newFakeWatermarkRepo()
		tracker := NewChangeTrackerService(log, marks, nil, models.SyncedTables, 0)

		big := string(bytes.Repeat([]byte("x"), 600))
		for i := 0; i < 5; i++ {
			recordChange(t, log, models.TableProducts, "prod-1", "node-a", models.ProductPayload{ID: "prod-1", TenantID: "t1", Name: big})
		}

		batch, _, err := tracker.NextBatch(ctx, models.TableProducts, "node-b", 100, 400)
		require.NoError(t, err)
		// The first record already exceeds the budget, so the batch holds
		// exactly one; a byte cap never produces an empty batch.
		assert.Len(t, batch, 1)
	})

	t.Run("skips changes that originated at the target", func(t *testing.T) {
		log := newFakeChangeLogRepo()
		marks := newFakeWatermarkRepo()
		tracker := NewChangeTrackerService(log, marks, nil, models.SyncedTables, 0)

		recordChange(t, log, models.TableProducts, "prod-1", "node-a", models.ProductPayload{ID: "prod-1", TenantID: "t1", Name: "Mine"})
		recordChange(t, log, models.TableProducts, "prod-2", "node-b", models.ProductPayload{ID: "prod-2", TenantID: "t1", Name: "Theirs"})
		recordChange(t, log, models.TableProducts, "prod-3", "node-a", models.ProductPayload{ID: "prod-3", TenantID: "t1", Name: "Mine too"})

		batch, scanned, err := tracker.NextBatch(ctx, models.TableProducts, "node-b", 100, 1<<20)
		require.NoError(t, err)
		require.Len(t, batch, 2)
		assert.Equal(t, "prod-1", batch[0].RowID)
		assert.Equal(t, "prod-3", batch[1].RowID)
		assert.Equal(t, int64(3), scanned)
	})

	t.Run("reports the scanned sequence across a pure echo stretch", func(t *testing.T) {
		log := newFakeChangeLogRepo()
		marks := newFakeWatermarkRepo()
		tracker := NewChangeTrackerService(log, marks, nil, models.SyncedTables, 0)

		for i := 0; i < 3; i++ {
			recordChange(t, log, models.TableProducts, "prod-1", "node-b", models.ProductPayload{ID: "prod-1", TenantID: "t1", Name: "Echo"})
		}

		batch, scanned, err := tracker.NextBatch(ctx, models.TableProducts, "node-b", 100, 1<<20)
		require.NoError(t, err)
		assert.Empty(t, batch)
		assert.Equal(t, int64(3), scanned)

		// Acking the scanned sequence empties the pending set
		require.NoError(t, tracker.Acknowledge(ctx, models.TableProducts, "node-b", scanned))
		pending, err := tracker.HasPending(ctx, models.TableProducts, scanned)
		require.NoError(t, err)
		assert.False(t, pending)
	})

	t.Run("resumes from the watermark", func(t *testing.T) {
		log := newFakeChangeLogRepo()
		marks := newFakeWatermarkRepo()
		tracker := NewChangeTrackerService(log, marks, nil, models.SyncedTables, 0)

		for i := 0; i < 4; i++ {
			recordChange(t, log, models.TableProducts, "prod-1", "node-a", models.ProductPayload{ID: "prod-1", TenantID: "t1", Name: "Widget"})
		}
		require.NoError(t, tracker.Acknowledge(ctx, models.TableProducts, "node-b", 3))

		batch, scanned, err := tracker.NextBatch(ctx, models.TableProducts, "node-b", 100, 1<<20)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, int64(4), batch[0].Sequence)
		assert.Equal(t, int64(4), scanned)
	})
}

func TestAcknowledgeIsMonotonic(t *testing.T) {
	ctx := context.Background()
	log := newFakeChangeLogRepo()
	marks := newFakeWatermarkRepo()
	tracker := NewChangeTrackerService(log, marks, nil, models.SyncedTables, 0)

	require.NoError(t, tracker.Acknowledge(ctx, models.TableProducts, "node-b", 10))
	require.NoError(t, tracker.Acknowledge(ctx, models.TableProducts, "node-b", 4))

	wm, err := marks.Get(ctx, models.TableProducts, "node-b")
	require.NoError(t, err)
	assert.Equal(t, int64(10), wm)
}

func TestAttachmentHydration(t *testing.T) {
	ctx := context.Background()

	newStore := func(t *testing.T) *AttachmentStore {
		store, err := NewAttachmentStore(t.TempDir())
		require.NoError(t, err)
		return store
	}

	t.Run("loads stored content onto the wire payload", func(t *testing.T) {
		store := newStore(t)
		content := bytes.Repeat([]byte{0xAB}, 2048)
		path, err := store.Save("img-1", "photo.jpg", content)
		require.NoError(t, err)

		log := newFakeChangeLogRepo()
		tracker := NewChangeTrackerService(log, newFakeWatermarkRepo(), store, models.SyncedTables, 1<<20)

		recordChange(t, log, models.TableProductImages, "img-1", "node-a", models.ProductImagePayload{
			ID: "img-1", ProductID: "prod-1", FileName: "photo.jpg", ContentType: "image/jpeg", StoredPath: path,
		})

		batch, _, err := tracker.NextBatch(ctx, models.TableProductImages, "node-b", 100, 1<<20)
		require.NoError(t, err)
		require.Len(t, batch, 1)

		var payload models.ProductImagePayload
		require.NoError(t, json.Unmarshal(batch[0].Payload, &payload))
		assert.Equal(t, int64(len(content)), payload.FileSize)
		assert.Equal(t, ContentChecksum(content), payload.Checksum)

		decoded, err := DecodeContent(payload.Content)
		require.NoError(t, err)
		assert.Equal(t, content, decoded)
	})

	t.Run("splits oversized content into chunks sharing one sequence", func(t *testing.T) {
		store := newStore(t)
		content := bytes.Repeat([]byte{0xCD}, 2500)
		path, err := store.Save("img-2", "big.jpg", content)
		require.NoError(t, err)

		log := newFakeChangeLogRepo()
		tracker := NewChangeTrackerService(log, newFakeWatermarkRepo(), store, models.SyncedTables, 1000)

		recordChange(t, log, models.TableProductImages, "img-2", "node-a", models.ProductImagePayload{
			ID: "img-2", ProductID: "prod-1", FileName: "big.jpg", ContentType: "image/jpeg", StoredPath: path,
		})

		batch, scanned, err := tracker.NextBatch(ctx, models.TableProductImages, "node-b", 100, 1<<20)
		require.NoError(t, err)
		require.Len(t, batch, 3)
		assert.Equal(t, int64(1), scanned)

		var reassembled []byte
		for i, rec := range batch {
			assert.Equal(t, int64(1), rec.Sequence)

			var payload models.ProductImagePayload
			require.NoError(t, json.Unmarshal(rec.Payload, &payload))
			assert.Equal(t, i, payload.ChunkIndex)
			assert.Equal(t, 3, payload.ChunkCount)

			piece, err := DecodeContent(payload.Content)
			require.NoError(t, err)
			reassembled = append(reassembled, piece...)
		}
		assert.Equal(t, content, reassembled)
	})

	t.Run("all chunks stay in one batch even past the byte budget", func(t *testing.T) {
		store := newStore(t)
		content := bytes.Repeat([]byte{0xEF}, 5000)
		path, err := store.Save("img-3", "huge.jpg", content)
		require.NoError(t, err)

		log := newFakeChangeLogRepo()
		tracker := NewChangeTrackerService(log, newFakeWatermarkRepo(), store, models.SyncedTables, 1000)

		recordChange(t, log, models.TableProductImages, "img-3", "node-a", models.ProductImagePayload{
			ID: "img-3", ProductID: "prod-1", FileName: "huge.jpg", ContentType: "image/jpeg", StoredPath: path,
		})

		batch, _, err := tracker.NextBatch(ctx, models.TableProductImages, "node-b", 100, 500)
		require.NoError(t, err)
		assert.Len(t, batch, 5)
	})

	t.Run("missing file ships the row metadata unhydrated", func(t *testing.T) {
		store := newStore(t)
		log := newFakeChangeLogRepo()
		tracker := NewChangeTrackerService(log, newFakeWatermarkRepo(), store, models.SyncedTables, 1<<20)

		recordChange(t, log, models.TableProductImages, "img-4", "node-a", models.ProductImagePayload{
			ID: "img-4", ProductID: "prod-1", FileName: "gone.jpg", ContentType: "image/jpeg", StoredPath: "no/such/file.jpg",
		})

		batch, _, err := tracker.NextBatch(ctx, models.TableProductImages, "node-b", 100, 1<<20)
		require.NoError(t, err)
		require.Len(t, batch, 1)

		var payload models.ProductImagePayload
		require.NoError(t, json.Unmarshal(batch[0].Payload, &payload))
		assert.Empty(t, payload.Content)
	})
}
