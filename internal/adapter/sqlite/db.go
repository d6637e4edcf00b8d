package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/cwygoda/intake/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS suppliers (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    website           TEXT NOT NULL DEFAULT '',
    default_processor TEXT NOT NULL DEFAULT '',
    created_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS staging_batches (
    id             TEXT PRIMARY KEY,
    supplier_id    TEXT,
    kind           TEXT NOT NULL,
    processor_name TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'queued',
    created_at     DATETIME NOT NULL,
    started_at     DATETIME,
    completed_at   DATETIME,
    cookie_data    TEXT NOT NULL DEFAULT '',
    notes          TEXT NOT NULL DEFAULT '',
    error_message  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_staging_batches_status ON staging_batches(status, kind, created_at);

CREATE TABLE IF NOT EXISTS staging_purchase_orders (
    id          TEXT PRIMARY KEY,
    batch_id    TEXT NOT NULL REFERENCES staging_batches(id) ON DELETE CASCADE,
    supplier_id TEXT NOT NULL,
    external_id TEXT NOT NULL,
    url         TEXT NOT NULL DEFAULT '',
    fields      TEXT NOT NULL DEFAULT '{}',
    error       TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_staging_purchase_orders_batch ON staging_purchase_orders(batch_id);

CREATE TABLE IF NOT EXISTS staging_purchase_order_items (
    id                TEXT PRIMARY KEY,
    order_id          TEXT NOT NULL REFERENCES staging_purchase_orders(id) ON DELETE CASCADE,
    position          INTEGER NOT NULL,
    name              TEXT NOT NULL DEFAULT '',
    sku               TEXT NOT NULL DEFAULT '',
    quantity          INTEGER NOT NULL DEFAULT 1,
    unit_price        TEXT NOT NULL DEFAULT '',
    product_url       TEXT NOT NULL DEFAULT '',
    image_url         TEXT NOT NULL DEFAULT '',
    candidate_status  TEXT NOT NULL DEFAULT 'pending',
    linked_product_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_staging_purchase_order_items_order ON staging_purchase_order_items(order_id);

CREATE TABLE IF NOT EXISTS item_embeddings (
    item_id    TEXT PRIMARY KEY REFERENCES staging_purchase_order_items(id) ON DELETE CASCADE,
    model      TEXT NOT NULL,
    dims       INTEGER NOT NULL,
    vector     BLOB NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS item_embedding_failures (
    item_id         TEXT PRIMARY KEY REFERENCES staging_purchase_order_items(id) ON DELETE CASCADE,
    attempts        INTEGER NOT NULL,
    last_error      TEXT NOT NULL,
    last_attempt_at DATETIME NOT NULL
);
`

// DB is a SQLite database handing out one dedicated connection per unit of
// work. It implements domain.StoreProvider.
type DB struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// Acquire reserves a connection from the pool. The returned store must be
// closed to give the connection back.
func (d *DB) Acquire(ctx context.Context) (domain.Store, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}
