package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ChangeOperation is the kind of row-level mutation a ChangeRecord carries
type ChangeOperation string

const (
	OpInsert ChangeOperation = "INSERT"
	OpUpdate ChangeOperation = "UPDATE"
	OpDelete ChangeOperation = "DELETE"
)

// IsValid reports whether the operation is a known value
func (o ChangeOperation) IsValid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Synchronized tables. The change feed only ever carries these.
const (
	TableOrders         = "orders"
	TableInventoryItems = "inventory_items"
	TableProducts       = "products"
	TableProductImages  = "product_images"
	TableBalances       = "balances"
)

// SyncedTables lists every table the engine replicates, in apply order
var SyncedTables = []string{
	TableProducts,
	TableProductImages,
	TableInventoryItems,
	TableOrders,
	TableBalances,
}

// IsSyncedTable reports whether the table participates in synchronization
func IsSyncedTable(table string) bool {
	for _, t := range SyncedTables {
		if t == table {
			return true
		}
	}
	return false
}

// IsAttachmentTable reports whether rows of the table reference file content
// that must be shipped alongside the row metadata
func IsAttachmentTable(table string) bool {
	return table == TableProductImages
}

// ChangeRecord is a single row-level mutation produced for transport.
// Records are hydrated on demand from the change log and are not persisted
// beyond the session except as applied rows at the destination.
type ChangeRecord struct {
	Table        string          `json:"table"`
	RowID        string          `json:"rowId"`
	Operation    ChangeOperation `json:"operation"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	BaseVersion  time.Time       `json:"baseVersion"`
	OriginNodeID string          `json:"originNodeId"`
	Sequence     int64           `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Validate checks the record envelope and its payload against the fixed
// per-table schema. Called at the transport boundary; payloads are never
// trusted implicitly.
func (c *ChangeRecord) Validate() error {
	if !IsSyncedTable(c.Table) {
		return ErrUnknownTable
	}
	if strings.TrimSpace(c.RowID) == "" || strings.TrimSpace(c.OriginNodeID) == "" {
		return ErrInvalidPayload
	}
	if !c.Operation.IsValid() {
		return ErrInvalidPayload
	}
	if c.Sequence <= 0 {
		return ErrInvalidPayload
	}
	if c.Operation == OpDelete {
		// Deletes carry no payload
		return nil
	}
	return ValidatePayload(c.Table, c.Payload)
}

// Per-table payload schemas. These are the tagged variants the transport
// boundary validates against; unknown tables are rejected outright.

// OrderPayload is the wire schema for rows of the orders table
type OrderPayload struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenantId"`
	LocationID   string          `json:"locationId"`
	CustomerName string          `json:"customerName,omitempty"`
	Status       string          `json:"status"`
	TotalCents   int64           `json:"totalCents"`
	Items        json.RawMessage `json:"items,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// InventoryItemPayload is the wire schema for rows of the inventory_items table.
// QuantityDelta carries the additive portion used by the merge policy.
type InventoryItemPayload struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	ProductID     string    `json:"productId"`
	Quantity      int64     `json:"quantity"`
	QuantityDelta int64     `json:"quantityDelta,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ProductPayload is the wire schema for rows of the products table
type ProductPayload struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	Name       string    `json:"name"`
	SKU        string    `json:"sku"`
	PriceCents int64     `json:"priceCents"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ProductImagePayload is the wire schema for rows of the product_images table.
// Content holds snappy-compressed, base64-encoded file bytes while in
// transit; at rest only StoredPath is populated. Large files are split into
// chunks, ChunkIndex/ChunkCount describe the split.
type ProductImagePayload struct {
	ID          string    `json:"id"`
	ProductID   string    `json:"productId"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	FileSize    int64     `json:"fileSize"`
	Checksum    string    `json:"checksum"`
	StoredPath  string    `json:"storedPath,omitempty"`
	Content     string    `json:"content,omitempty"`
	ChunkIndex  int       `json:"chunkIndex"`
	ChunkCount  int       `json:"chunkCount"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// BalancePayload is the wire schema for rows of the balances table.
// AmountDelta carries the additive portion used by the merge policy.
type BalancePayload struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Account     string    `json:"account"`
	AmountCents int64     `json:"amountCents"`
	AmountDelta int64     `json:"amountDelta,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ValidatePayload unmarshals the payload into the table's fixed schema and
// checks required fields
func ValidatePayload(table string, payload json.RawMessage) error {
	if len(payload) == 0 {
		return ErrInvalidPayload
	}

	switch table {
	case TableOrders:
		var p OrderPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return ErrInvalidPayload
		}
		if p.ID == "" || p.TenantID == "" || p.LocationID == "" {
			return ErrInvalidPayload
		}
	case TableInventoryItems:
		var p InventoryItemPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return ErrInvalidPayload
		}
		if p.ID == "" || p.ProductID == "" {
			return ErrInvalidPayload
		}
	case TableProducts:
		var p ProductPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return ErrInvalidPayload
		}
		if p.ID == "" || p.Name == "" {
			return ErrInvalidPayload
		}
	case TableProductImages:
		var p ProductImagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return ErrInvalidPayload
		}
		if p.ID == "" || p.ProductID == "" || p.FileName == "" {
			return ErrInvalidPayload
		}
		if p.ChunkCount > 1 && (p.ChunkIndex < 0 || p.ChunkIndex >= p.ChunkCount) {
			return ErrInvalidPayload
		}
	case TableBalances:
		var p BalancePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return ErrInvalidPayload
		}
		if p.ID == "" || p.Account == "" {
			return ErrInvalidPayload
		}
	default:
		return ErrUnknownTable
	}
	return nil
}
