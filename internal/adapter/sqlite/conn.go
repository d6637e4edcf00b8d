package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/intake/internal/domain"
)

// Conn is a storage session bound to a single pooled connection.
type Conn struct {
	conn *sql.Conn
}

var _ domain.Store = (*Conn)(nil)

// Close returns the connection to the pool.
func (c *Conn) Close() error {
	return c.conn.Close()
}

const batchColumns = `id, supplier_id, kind, processor_name, status, created_at,
	started_at, completed_at, cookie_data, notes, error_message`

// CreateBatch inserts a new batch.
func (c *Conn) CreateBatch(ctx context.Context, b *domain.StagingBatch) error {
	_, err := c.conn.ExecContext(ctx,
		`INSERT INTO staging_batches (`+batchColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.SupplierID, b.Kind, b.ProcessorName, b.Status, b.CreatedAt.UTC(),
		nullTime(b.StartedAt), nullTime(b.CompletedAt), b.CookieData, b.Notes, b.ErrorMessage,
	)
	return err
}

// GetBatch retrieves a batch by ID.
func (c *Conn) GetBatch(ctx context.Context, id uuid.UUID) (*domain.StagingBatch, error) {
	row := c.conn.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM staging_batches WHERE id = ?`, id,
	)
	return scanBatch(row)
}

// FindQueuedBatches returns queued batches of kind, oldest first.
func (c *Conn) FindQueuedBatches(ctx context.Context, kind domain.BatchKind, limit int) ([]domain.StagingBatch, error) {
	return c.queryBatches(ctx,
		`SELECT `+batchColumns+` FROM staging_batches
		 WHERE status = ? AND kind = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		domain.BatchQueued, kind, limit,
	)
}

// FindExpiredQueuedBatches returns queued batches of kind whose cookie file
// declares an expiry at or before now, oldest first.
func (c *Conn) FindExpiredQueuedBatches(ctx context.Context, kind domain.BatchKind, now time.Time, limit int) ([]domain.StagingBatch, error) {
	return c.queryBatches(ctx,
		`SELECT `+batchColumns+` FROM staging_batches
		 WHERE status = ? AND kind = ? AND json_valid(cookie_data)
		   AND julianday(json_extract(cookie_data, '$.expiresAt')) <= julianday(?)
		 ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		domain.BatchQueued, kind, now.UTC().Format(time.RFC3339Nano), limit,
	)
}

// FindBatchesByStatus returns batches in status, oldest first.
func (c *Conn) FindBatchesByStatus(ctx context.Context, status domain.BatchStatus, limit int) ([]domain.StagingBatch, error) {
	return c.queryBatches(ctx,
		`SELECT `+batchColumns+` FROM staging_batches
		 WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		status, limit,
	)
}

func (c *Conn) queryBatches(ctx context.Context, query string, args ...any) ([]domain.StagingBatch, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []domain.StagingBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

// SaveBatch writes the mutable state of b, provided the stored status is
// still from.
func (c *Conn) SaveBatch(ctx context.Context, b *domain.StagingBatch, from domain.BatchStatus) error {
	result, err := c.conn.ExecContext(ctx,
		`UPDATE staging_batches
		 SET status = ?, started_at = ?, completed_at = ?, error_message = ?
		 WHERE id = ? AND status = ?`,
		b.Status, nullTime(b.StartedAt), nullTime(b.CompletedAt), b.ErrorMessage, b.ID, from,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = c.conn.QueryRowContext(ctx, `SELECT 1 FROM staging_batches WHERE id = ?`, b.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrBatchNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrStaleBatch
}

// CreateSupplier inserts a supplier.
func (c *Conn) CreateSupplier(ctx context.Context, s *domain.Supplier) error {
	_, err := c.conn.ExecContext(ctx,
		`INSERT INTO suppliers (id, name, website, default_processor, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Website, s.DefaultProcessor, s.CreatedAt.UTC(),
	)
	return err
}

// GetSupplier retrieves a supplier by ID.
func (c *Conn) GetSupplier(ctx context.Context, id uuid.UUID) (*domain.Supplier, error) {
	var s domain.Supplier
	err := c.conn.QueryRowContext(ctx,
		`SELECT id, name, website, default_processor, created_at FROM suppliers WHERE id = ?`, id,
	).Scan(&s.ID, &s.Name, &s.Website, &s.DefaultProcessor, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSupplierNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertOrder stores an order and its items in one transaction.
func (c *Conn) InsertOrder(ctx context.Context, o *domain.StagingPurchaseOrder) error {
	fields, err := json.Marshal(o.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	if o.Fields == nil {
		fields = []byte("{}")
	}

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO staging_purchase_orders (id, batch_id, supplier_id, external_id, url, fields, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.BatchID, o.SupplierID, o.ExternalID, o.URL, string(fields), o.Error, o.CreatedAt.UTC(),
	); err != nil {
		return err
	}

	for i, it := range o.Items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO staging_purchase_order_items
			 (id, order_id, position, name, sku, quantity, unit_price, product_url, image_url, candidate_status, linked_product_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			it.ID, o.ID, i, it.Name, it.SKU, it.Quantity, it.UnitPrice, it.ProductURL, it.ImageURL,
			it.CandidateStatus, it.LinkedProductID,
		); err != nil {
			return fmt.Errorf("insert item %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// ListOrders returns the orders of a batch with their items.
func (c *Conn) ListOrders(ctx context.Context, batchID uuid.UUID) ([]domain.StagingPurchaseOrder, error) {
	rows, err := c.conn.QueryContext(ctx,
		`SELECT id, batch_id, supplier_id, external_id, url, fields, error, created_at
		 FROM staging_purchase_orders WHERE batch_id = ? ORDER BY created_at ASC, rowid ASC`, batchID,
	)
	if err != nil {
		return nil, err
	}

	var orders []domain.StagingPurchaseOrder
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		var o domain.StagingPurchaseOrder
		var fields string
		if err := rows.Scan(&o.ID, &o.BatchID, &o.SupplierID, &o.ExternalID, &o.URL, &fields, &o.Error, &o.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(fields), &o.Fields); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode fields of order %s: %w", o.ID, err)
		}
		index[o.ID] = len(orders)
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return orders, nil
	}

	rows, err = c.conn.QueryContext(ctx,
		`SELECT i.id, i.order_id, i.name, i.sku, i.quantity, i.unit_price, i.product_url, i.image_url,
		        i.candidate_status, i.linked_product_id
		 FROM staging_purchase_order_items i
		 JOIN staging_purchase_orders o ON o.id = i.order_id
		 WHERE o.batch_id = ? ORDER BY i.order_id, i.position`, batchID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var it domain.StagingPurchaseOrderItem
		var status string
		if err := rows.Scan(&it.ID, &it.OrderID, &it.Name, &it.SKU, &it.Quantity, &it.UnitPrice,
			&it.ProductURL, &it.ImageURL, &status, &it.LinkedProductID); err != nil {
			return nil, err
		}
		it.CandidateStatus = domain.CandidateStatus(status)
		if i, ok := index[it.OrderID]; ok {
			orders[i].Items = append(orders[i].Items, it)
		}
	}
	return orders, rows.Err()
}

// FindUnembeddedImages returns staged items with an image but no embedding.
// Items that already failed maxAttempts times are left out, and items with
// fewer failed attempts come first.
func (c *Conn) FindUnembeddedImages(ctx context.Context, maxAttempts, limit int) ([]domain.ItemImage, error) {
	rows, err := c.conn.QueryContext(ctx,
		`SELECT i.id, i.image_url FROM staging_purchase_order_items i
		 LEFT JOIN item_embeddings e ON e.item_id = i.id
		 LEFT JOIN item_embedding_failures f ON f.item_id = i.id
		 WHERE e.item_id IS NULL AND i.image_url != '' AND COALESCE(f.attempts, 0) < ?
		 ORDER BY COALESCE(f.attempts, 0) ASC, i.rowid ASC LIMIT ?`, maxAttempts, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []domain.ItemImage
	for rows.Next() {
		var img domain.ItemImage
		if err := rows.Scan(&img.ItemID, &img.ImageURL); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// SaveEmbedding stores the vector of an item, replacing an earlier one, and
// clears its failure record.
func (c *Conn) SaveEmbedding(ctx context.Context, itemID uuid.UUID, model string, vec []float32, at time.Time) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO item_embeddings (item_id, model, dims, vector, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET model = excluded.model, dims = excluded.dims,
		     vector = excluded.vector, created_at = excluded.created_at`,
		itemID, model, len(vec), encodeVector(vec), at.UTC(),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM item_embedding_failures WHERE item_id = ?`, itemID); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordEmbeddingFailure counts one failed embedding attempt for an item.
func (c *Conn) RecordEmbeddingFailure(ctx context.Context, itemID uuid.UUID, msg string, at time.Time) error {
	_, err := c.conn.ExecContext(ctx,
		`INSERT INTO item_embedding_failures (item_id, attempts, last_error, last_attempt_at) VALUES (?, 1, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET attempts = attempts + 1,
		     last_error = excluded.last_error, last_attempt_at = excluded.last_attempt_at`,
		itemID, msg, at.UTC(),
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (*domain.StagingBatch, error) {
	var b domain.StagingBatch
	var kind, status string
	var started, completed sql.NullTime
	err := row.Scan(&b.ID, &b.SupplierID, &kind, &b.ProcessorName, &status, &b.CreatedAt,
		&started, &completed, &b.CookieData, &b.Notes, &b.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Kind = domain.BatchKind(kind)
	b.Status = domain.BatchStatus(status)
	if started.Valid {
		b.StartedAt = &started.Time
	}
	if completed.Valid {
		b.CompletedAt = &completed.Time
	}
	return &b, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}
