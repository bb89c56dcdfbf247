package repository

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteDB creates and initializes a SQLite database
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Serialize writers; the apply path commits one transaction per batch
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	-- Sync sessions: durable session state machine, never deleted
	CREATE TABLE IF NOT EXISTS sync_sessions (
		id TEXT PRIMARY KEY,
		pair_key TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'CREATED',
		progress INTEGER NOT NULL DEFAULT 0,
		current_step TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL,
		source_node_id TEXT NOT NULL,
		target_node_id TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sync_sessions_pair ON sync_sessions(pair_key, status);
	CREATE INDEX IF NOT EXISTS idx_sync_sessions_status ON sync_sessions(status, started_at);

	-- Watermarks: highest change sequence already applied at the target
	CREATE TABLE IF NOT EXISTS sync_watermarks (
		table_name TEXT NOT NULL,
		target_node_id TEXT NOT NULL,
		sequence INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (table_name, target_node_id)
	);

	-- Change log: row-mutation feed written by the CRUD layer, scanned
	-- forward by the change tracker
	CREATE TABLE IF NOT EXISTS change_log (
		sequence INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT,
		base_version DATETIME NOT NULL,
		origin_node_id TEXT NOT NULL,
		ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_change_log_table_seq ON change_log(table_name, sequence);

	-- Idempotence ledger: one row per applied remote change
	CREATE TABLE IF NOT EXISTS applied_changes (
		origin_node_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		row_id TEXT NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (origin_node_id, table_name, sequence)
	);

	-- Per-row version stamps for conflict detection
	CREATE TABLE IF NOT EXISTS row_versions (
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		version_ts DATETIME NOT NULL,
		origin_node_id TEXT NOT NULL,
		PRIMARY KEY (table_name, row_id)
	);

	-- Conflict audit trail
	CREATE TABLE IF NOT EXISTS sync_conflicts (
		id TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		local_value TEXT,
		incoming_value TEXT,
		local_ts DATETIME NOT NULL,
		incoming_ts DATETIME NOT NULL,
		local_origin_node_id TEXT NOT NULL,
		incoming_origin_node_id TEXT NOT NULL,
		resolution TEXT NOT NULL,
		resolved_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_conflicts_table_row ON sync_conflicts(table_name, row_id);

	-- Synchronized business tables. The wider platform owns reads/writes;
	-- the engine applies replicated rows into them.
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		sku TEXT NOT NULL DEFAULT '',
		price_cents INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS product_images (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		checksum TEXT NOT NULL DEFAULT '',
		stored_path TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_product_images_product ON product_images(product_id);

	CREATE TABLE IF NOT EXISTS inventory_items (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_inventory_items_product ON inventory_items(product_id);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		location_id TEXT NOT NULL,
		customer_name TEXT,
		status TEXT NOT NULL DEFAULT '',
		total_cents INTEGER NOT NULL DEFAULT 0,
		items TEXT,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_location ON orders(location_id);

	CREATE TABLE IF NOT EXISTS balances (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		account TEXT NOT NULL,
		amount_cents INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);
	`

	_, err := db.Exec(schema)
	return err
}
