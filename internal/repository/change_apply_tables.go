package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/nodesync/server/internal/models"
)

// Per-table row access for the applier. Payloads were validated at the
// transport boundary, so unmarshal failures here are genuine corruption.

func upsertRow(ctx context.Context, tx *sql.Tx, table string, payload json.RawMessage) error {
	switch table {
	case models.TableProducts:
		var p models.ProductPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO products (id, tenant_id, name, sku, price_cents, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				tenant_id = EXCLUDED.tenant_id,
				name = EXCLUDED.name,
				sku = EXCLUDED.sku,
				price_cents = EXCLUDED.price_cents,
				updated_at = EXCLUDED.updated_at`,
			p.ID, p.TenantID, p.Name, p.SKU, p.PriceCents, p.UpdatedAt)
		return err

	case models.TableProductImages:
		var p models.ProductImagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO product_images (id, product_id, file_name, content_type, file_size, checksum, stored_path, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				product_id = EXCLUDED.product_id,
				file_name = EXCLUDED.file_name,
				content_type = EXCLUDED.content_type,
				file_size = EXCLUDED.file_size,
				checksum = EXCLUDED.checksum,
				stored_path = EXCLUDED.stored_path,
				updated_at = EXCLUDED.updated_at`,
			p.ID, p.ProductID, p.FileName, p.ContentType, p.FileSize, p.Checksum, p.StoredPath, p.UpdatedAt)
		return err

	case models.TableInventoryItems:
		var p models.InventoryItemPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO inventory_items (id, tenant_id, product_id, quantity, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				tenant_id = EXCLUDED.tenant_id,
				product_id = EXCLUDED.product_id,
				quantity = EXCLUDED.quantity,
				updated_at = EXCLUDED.updated_at`,
			p.ID, p.TenantID, p.ProductID, p.Quantity, p.UpdatedAt)
		return err

	case models.TableOrders:
		var p models.OrderPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		var items interface{}
		if len(p.Items) > 0 {
			items = string(p.Items)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO orders (id, tenant_id, location_id, customer_name, status, total_cents, items, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				tenant_id = EXCLUDED.tenant_id,
				location_id = EXCLUDED.location_id,
				customer_name = EXCLUDED.customer_name,
				status = EXCLUDED.status,
				total_cents = EXCLUDED.total_cents,
				items = EXCLUDED.items,
				updated_at = EXCLUDED.updated_at`,
			p.ID, p.TenantID, p.LocationID, nullableString(p.CustomerName), p.Status, p.TotalCents, items, p.UpdatedAt)
		return err

	case models.TableBalances:
		var p models.BalancePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO balances (id, tenant_id, account, amount_cents, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				tenant_id = EXCLUDED.tenant_id,
				account = EXCLUDED.account,
				amount_cents = EXCLUDED.amount_cents,
				updated_at = EXCLUDED.updated_at`,
			p.ID, p.TenantID, p.Account, p.AmountCents, p.UpdatedAt)
		return err
	}

	return models.ErrUnknownTable
}

// readRow loads the current local row and marshals it back into the table's
// wire schema so the conflict policy compares like with like.
func readRow(ctx context.Context, tx *sql.Tx, table, rowID string) (json.RawMessage, error) {
	switch table {
	case models.TableProducts:
		var p models.ProductPayload
		err := tx.QueryRowContext(ctx,
			`SELECT id, tenant_id, name, sku, price_cents, updated_at FROM products WHERE id = $1`, rowID,
		).Scan(&p.ID, &p.TenantID, &p.Name, &p.SKU, &p.PriceCents, &p.UpdatedAt)
		return marshalRow(p, err)

	case models.TableProductImages:
		var p models.ProductImagePayload
		err := tx.QueryRowContext(ctx,
			`SELECT id, product_id, file_name, content_type, file_size, checksum, stored_path, updated_at
			FROM product_images WHERE id = $1`, rowID,
		).Scan(&p.ID, &p.ProductID, &p.FileName, &p.ContentType, &p.FileSize, &p.Checksum, &p.StoredPath, &p.UpdatedAt)
		return marshalRow(p, err)

	case models.TableInventoryItems:
		var p models.InventoryItemPayload
		err := tx.QueryRowContext(ctx,
			`SELECT id, tenant_id, product_id, quantity, updated_at FROM inventory_items WHERE id = $1`, rowID,
		).Scan(&p.ID, &p.TenantID, &p.ProductID, &p.Quantity, &p.UpdatedAt)
		return marshalRow(p, err)

	case models.TableOrders:
		var p models.OrderPayload
		var customerName, items sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT id, tenant_id, location_id, customer_name, status, total_cents, items, updated_at
			FROM orders WHERE id = $1`, rowID,
		).Scan(&p.ID, &p.TenantID, &p.LocationID, &customerName, &p.Status, &p.TotalCents, &items, &p.UpdatedAt)
		if customerName.Valid {
			p.CustomerName = customerName.String
		}
		if items.Valid {
			p.Items = []byte(items.String)
		}
		return marshalRow(p, err)

	case models.TableBalances:
		var p models.BalancePayload
		err := tx.QueryRowContext(ctx,
			`SELECT id, tenant_id, account, amount_cents, updated_at FROM balances WHERE id = $1`, rowID,
		).Scan(&p.ID, &p.TenantID, &p.Account, &p.AmountCents, &p.UpdatedAt)
		return marshalRow(p, err)
	}

	return nil, models.ErrUnknownTable
}

func deleteRow(ctx context.Context, tx *sql.Tx, table, rowID string) error {
	if !models.IsSyncedTable(table) {
		return models.ErrUnknownTable
	}
	// table comes from the fixed synced-table set, never from user input
	_, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = $1`, rowID)
	return err
}

func marshalRow(v interface{}, err error) (json.RawMessage, error) {
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
