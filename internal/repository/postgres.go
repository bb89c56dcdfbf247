package repository

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// NewPostgresDB creates and initializes a PostgreSQL database connection
func NewPostgresDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := createPostgresTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createPostgresTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_sessions (
		id TEXT PRIMARY KEY,
		pair_key TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'CREATED',
		progress INTEGER NOT NULL DEFAULT 0,
		current_step TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL,
		source_node_id TEXT NOT NULL,
		target_node_id TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sync_sessions_pair ON sync_sessions(pair_key, status);
	CREATE INDEX IF NOT EXISTS idx_sync_sessions_status ON sync_sessions(status, started_at);

	CREATE TABLE IF NOT EXISTS sync_watermarks (
		table_name TEXT NOT NULL,
		target_node_id TEXT NOT NULL,
		sequence BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (table_name, target_node_id)
	);

	CREATE TABLE IF NOT EXISTS change_log (
		sequence BIGSERIAL PRIMARY KEY,
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT,
		base_version TIMESTAMP NOT NULL,
		origin_node_id TEXT NOT NULL,
		ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_change_log_table_seq ON change_log(table_name, sequence);

	CREATE TABLE IF NOT EXISTS applied_changes (
		origin_node_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		row_id TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (origin_node_id, table_name, sequence)
	);

	CREATE TABLE IF NOT EXISTS row_versions (
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		version_ts TIMESTAMP NOT NULL,
		origin_node_id TEXT NOT NULL,
		PRIMARY KEY (table_name, row_id)
	);

	CREATE TABLE IF NOT EXISTS sync_conflicts (
		id TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		local_value TEXT,
		incoming_value TEXT,
		local_ts TIMESTAMP NOT NULL,
		incoming_ts TIMESTAMP NOT NULL,
		local_origin_node_id TEXT NOT NULL,
		incoming_origin_node_id TEXT NOT NULL,
		resolution TEXT NOT NULL,
		resolved_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_conflicts_table_row ON sync_conflicts(table_name, row_id);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		sku TEXT NOT NULL DEFAULT '',
		price_cents BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS product_images (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		file_size BIGINT NOT NULL DEFAULT 0,
		checksum TEXT NOT NULL DEFAULT '',
		stored_path TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_product_images_product ON product_images(product_id);

	CREATE TABLE IF NOT EXISTS inventory_items (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		quantity BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_inventory_items_product ON inventory_items(product_id);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		location_id TEXT NOT NULL,
		customer_name TEXT,
		status TEXT NOT NULL DEFAULT '',
		total_cents BIGINT NOT NULL DEFAULT 0,
		items TEXT,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_location ON orders(location_id);

	CREATE TABLE IF NOT EXISTS balances (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		account TEXT NOT NULL,
		amount_cents BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);
	`

	_, err := db.Exec(schema)
	return err
}
