package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecord(t *testing.T, table string, payload interface{}) *ChangeRecord {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	return &ChangeRecord{
		Table:        table,
		RowID:        "row-1",
		Operation:    OpUpdate,
		Payload:      data,
		BaseVersion:  time.Now().UTC().Add(-time.Minute),
		OriginNodeID: "node-a",
		Sequence:     7,
		Timestamp:    time.Now().UTC(),
	}
}

func TestChangeRecordValidate(t *testing.T) {
	t.Run("accepts a valid product update", func(t *testing.T) {
		rec := validRecord(t, TableProducts, ProductPayload{
			ID: "p-1", TenantID: "t-1", Name: "Widget", SKU: "W-1", PriceCents: 999,
		})
		assert.NoError(t, rec.Validate())
	})

	t.Run("rejects unknown table", func(t *testing.T) {
		rec := validRecord(t, TableProducts, ProductPayload{ID: "p-1", TenantID: "t-1", Name: "Widget"})
		rec.Table = "customers"
		assert.ErrorIs(t, rec.Validate(), ErrUnknownTable)
	})

	t.Run("rejects missing row id", func(t *testing.T) {
		rec := validRecord(t, TableProducts, ProductPayload{ID: "p-1", TenantID: "t-1", Name: "Widget"})
		rec.RowID = " "
		assert.ErrorIs(t, rec.Validate(), ErrInvalidPayload)
	})

	t.Run("rejects missing origin node", func(t *testing.T) {
		rec := validRecord(t, TableProducts, ProductPayload{ID: "p-1", TenantID: "t-1", Name: "Widget"})
		rec.OriginNodeID = ""
		assert.ErrorIs(t, rec.Validate(), ErrInvalidPayload)
	})

	t.Run("rejects unknown operation", func(t *testing.T) {
		rec := validRecord(t, TableProducts, ProductPayload{ID: "p-1", TenantID: "t-1", Name: "Widget"})
		rec.Operation = ChangeOperation("UPSERT")
		assert.ErrorIs(t, rec.Validate(), ErrInvalidPayload)
	})

	t.Run("rejects non-positive sequence", func(t *testing.T) {
		rec := validRecord(t, TableProducts, ProductPayload{ID: "p-1", TenantID: "t-1", Name: "Widget"})
		rec.Sequence = 0
		assert.ErrorIs(t, rec.Validate(), ErrInvalidPayload)
	})

	t.Run("delete needs no payload", func(t *testing.T) {
		rec := validRecord(t, TableOrders, OrderPayload{ID: "o-1", TenantID: "t-1", LocationID: "l-1"})
		rec.Operation = OpDelete
		rec.Payload = nil
		assert.NoError(t, rec.Validate())
	})
}

func TestValidatePayload(t *testing.T) {
	t.Run("rejects empty payload", func(t *testing.T) {
		assert.ErrorIs(t, ValidatePayload(TableOrders, nil), ErrInvalidPayload)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		assert.ErrorIs(t, ValidatePayload(TableOrders, json.RawMessage(`{not json`)), ErrInvalidPayload)
	})

	t.Run("rejects order without location", func(t *testing.T) {
		data, _ := json.Marshal(OrderPayload{ID: "o-1", TenantID: "t-1"})
		assert.ErrorIs(t, ValidatePayload(TableOrders, data), ErrInvalidPayload)
	})

	t.Run("rejects inventory item without product", func(t *testing.T) {
		data, _ := json.Marshal(InventoryItemPayload{ID: "i-1", TenantID: "t-1"})
		assert.ErrorIs(t, ValidatePayload(TableInventoryItems, data), ErrInvalidPayload)
	})

	t.Run("rejects chunk index out of range", func(t *testing.T) {
		data, _ := json.Marshal(ProductImagePayload{
			ID: "img-1", ProductID: "p-1", FileName: "a.jpg", ChunkIndex: 3, ChunkCount: 3,
		})
		assert.ErrorIs(t, ValidatePayload(TableProductImages, data), ErrInvalidPayload)
	})

	t.Run("accepts balance with delta", func(t *testing.T) {
		data, _ := json.Marshal(BalancePayload{
			ID: "b-1", TenantID: "t-1", Account: "cash", AmountCents: 1000, AmountDelta: 250,
		})
		assert.NoError(t, ValidatePayload(TableBalances, data))
	})
}

func TestRowVersionNewerThan(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("later timestamp wins", func(t *testing.T) {
		v := RowVersion{VersionTS: base.Add(time.Second), OriginNodeID: "node-a"}
		assert.True(t, v.NewerThan(base, "node-z"))
		assert.False(t, v.NewerThan(base.Add(2*time.Second), "node-a"))
	})

	t.Run("equal timestamps break ties on node id", func(t *testing.T) {
		v := RowVersion{VersionTS: base, OriginNodeID: "node-b"}
		assert.True(t, v.NewerThan(base, "node-a"))
		assert.False(t, v.NewerThan(base, "node-c"))
	})

	t.Run("identical stamps are not newer", func(t *testing.T) {
		v := RowVersion{VersionTS: base, OriginNodeID: "node-a"}
		assert.False(t, v.NewerThan(base, "node-a"))
	})
}
