package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodesync/server/internal/models"
)

func incomingRecord(table, rowID string, ts time.Time, origin string, payload interface{}) *models.ChangeRecord {
	raw, _ := json.Marshal(payload)
	return &models.ChangeRecord{
		Table:        table,
		RowID:        rowID,
		Operation:    models.OpUpdate,
		Payload:      raw,
		BaseVersion:  ts.Add(-time.Minute),
		OriginNodeID: origin,
		Sequence:     1,
		Timestamp:    ts,
	}
}

func TestResolveLastWriterWins(t *testing.T) {
	ctx := context.Background()
	resolver := NewConflictResolverService()
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	localPayload, _ := json.Marshal(models.ProductPayload{
		ID: "prod-1", TenantID: "t1", Name: "Local name", SKU: "SKU-1", PriceCents: 500, UpdatedAt: base,
	})
	localVersion := models.RowVersion{
		TableName: models.TableProducts, RowID: "prod-1", VersionTS: base, OriginNodeID: "node-a",
	}

	t.Run("newer incoming edit wins", func(t *testing.T) {
		incoming := incomingRecord(models.TableProducts, "prod-1", base.Add(time.Second), "node-b", models.ProductPayload{
			ID: "prod-1", TenantID: "t1", Name: "Remote name", SKU: "SKU-1", PriceCents: 600, UpdatedAt: base.Add(time.Second),
		})

		res, err := resolver.Resolve(ctx, incoming, localPayload, localVersion)

		require.NoError(t, err)
		assert.Equal(t, models.ResolutionRemoteWins, res.Outcome)
		assert.Equal(t, incoming.Payload, res.Payload)
	})

	t.Run("older incoming edit loses", func(t *testing.T) {
		incoming := incomingRecord(models.TableProducts, "prod-1", base.Add(-time.Second), "node-b", models.ProductPayload{
			ID: "prod-1", TenantID: "t1", Name: "Stale name", SKU: "SKU-1", PriceCents: 400, UpdatedAt: base.Add(-time.Second),
		})

		res, err := resolver.Resolve(ctx, incoming, localPayload, localVersion)

		require.NoError(t, err)
		assert.Equal(t, models.ResolutionLocalWins, res.Outcome)
		assert.Nil(t, res.Payload)
	})

	t.Run("timestamp ties break on origin node id", func(t *testing.T) {
		incoming := incomingRecord(models.TableProducts, "prod-1", base, "node-b", models.ProductPayload{
			ID: "prod-1", TenantID: "t1", Name: "Tied name", SKU: "SKU-1", PriceCents: 700, UpdatedAt: base,
		})

		// local version stamped by node-a loses the tie to node-b
		res, err := resolver.Resolve(ctx, incoming, localPayload, localVersion)
		require.NoError(t, err)
		assert.Equal(t, models.ResolutionRemoteWins, res.Outcome)

		// local version stamped by node-z wins it
		zVersion := localVersion
		zVersion.OriginNodeID = "node-z"
		res, err = resolver.Resolve(ctx, incoming, localPayload, zVersion)
		require.NoError(t, err)
		assert.Equal(t, models.ResolutionLocalWins, res.Outcome)
	})

	t.Run("every outcome carries an audit record", func(t *testing.T) {
		for _, offset := range []time.Duration{-time.Second, 0, time.Second} {
			incoming := incomingRecord(models.TableProducts, "prod-1", base.Add(offset), "node-b", models.ProductPayload{
				ID: "prod-1", TenantID: "t1", Name: fmt.Sprintf("Name %v", offset), SKU: "SKU-1", UpdatedAt: base.Add(offset),
			})

			res, err := resolver.Resolve(ctx, incoming, localPayload, localVersion)
			require.NoError(t, err)
			require.NotNil(t, res.Audit)
			assert.Equal(t, models.TableProducts, res.Audit.TableName)
			assert.Equal(t, "prod-1", res.Audit.RowID)
			assert.Equal(t, res.Outcome, res.Audit.Resolution)
		}
	})
}

func TestResolveAdditiveMerge(t *testing.T) {
	ctx := context.Background()
	resolver := NewConflictResolverService()
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	t.Run("inventory deltas are added instead of overwritten", func(t *testing.T) {
		localPayload, _ := json.Marshal(models.InventoryItemPayload{
			ID: "inv-1", TenantID: "t1", ProductID: "prod-1", Quantity: 10, UpdatedAt: base,
		})
		localVersion := models.RowVersion{
			TableName: models.TableInventoryItems, RowID: "inv-1", VersionTS: base, OriginNodeID: "node-a",
		}
		incoming := incomingRecord(models.TableInventoryItems, "inv-1", base.Add(time.Second), "node-b", models.InventoryItemPayload{
			ID: "inv-1", TenantID: "t1", ProductID: "prod-1", Quantity: 7, QuantityDelta: -3, UpdatedAt: base.Add(time.Second),
		})

		res, err := resolver.Resolve(ctx, incoming, localPayload, localVersion)

		require.NoError(t, err)
		assert.Equal(t, models.ResolutionMerged, res.Outcome)

		var merged models.InventoryItemPayload
		require.NoError(t, json.Unmarshal(res.Payload, &merged))
		assert.Equal(t, int64(7), merged.Quantity)
		assert.Equal(t, base.Add(time.Second), merged.UpdatedAt)
	})

	t.Run("balance deltas are added", func(t *testing.T) {
		localPayload, _ := json.Marshal(models.BalancePayload{
			ID: "bal-1", TenantID: "t1", Account: "till", AmountCents: 10000, UpdatedAt: base,
		})
		localVersion := models.RowVersion{
			TableName: models.TableBalances, RowID: "bal-1", VersionTS: base, OriginNodeID: "node-a",
		}
		incoming := incomingRecord(models.TableBalances, "bal-1", base.Add(time.Second), "node-b", models.BalancePayload{
			ID: "bal-1", TenantID: "t1", Account: "till", AmountCents: 12500, AmountDelta: 2500, UpdatedAt: base.Add(time.Second),
		})

		res, err := resolver.Resolve(ctx, incoming, localPayload, localVersion)

		require.NoError(t, err)
		assert.Equal(t, models.ResolutionMerged, res.Outcome)

		var merged models.BalancePayload
		require.NoError(t, json.Unmarshal(res.Payload, &merged))
		assert.Equal(t, int64(12500), merged.AmountCents)
	})

	t.Run("zero delta falls back to last writer wins", func(t *testing.T) {
		localPayload, _ := json.Marshal(models.InventoryItemPayload{
			ID: "inv-1", TenantID: "t1", ProductID: "prod-1", Quantity: 10, UpdatedAt: base,
		})
		localVersion := models.RowVersion{
			TableName: models.TableInventoryItems, RowID: "inv-1", VersionTS: base, OriginNodeID: "node-a",
		}
		incoming := incomingRecord(models.TableInventoryItems, "inv-1", base.Add(time.Second), "node-b", models.InventoryItemPayload{
			ID: "inv-1", TenantID: "t1", ProductID: "prod-1", Quantity: 25, UpdatedAt: base.Add(time.Second),
		})

		res, err := resolver.Resolve(ctx, incoming, localPayload, localVersion)

		require.NoError(t, err)
		assert.Equal(t, models.ResolutionRemoteWins, res.Outcome)

		var applied models.InventoryItemPayload
		require.NoError(t, json.Unmarshal(res.Payload, &applied))
		assert.Equal(t, int64(25), applied.Quantity)
	})

	t.Run("deletes never merge", func(t *testing.T) {
		localPayload, _ := json.Marshal(models.InventoryItemPayload{
			ID: "inv-1", TenantID: "t1", ProductID: "prod-1", Quantity: 10, UpdatedAt: base,
		})
		localVersion := models.RowVersion{
			TableName: models.TableInventoryItems, RowID: "inv-1", VersionTS: base, OriginNodeID: "node-a",
		}
		incoming := &models.ChangeRecord{
			Table:        models.TableInventoryItems,
			RowID:        "inv-1",
			Operation:    models.OpDelete,
			OriginNodeID: "node-b",
			Sequence:     1,
			Timestamp:    base.Add(time.Second),
		}

		res, err := resolver.Resolve(ctx, incoming, localPayload, localVersion)

		require.NoError(t, err)
		assert.Equal(t, models.ResolutionRemoteWins, res.Outcome)
	})
}
