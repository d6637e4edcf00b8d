package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Purpose groups handlers for reporting. It carries no scheduling priority.
type Purpose string

const (
	PurposeInternal  Purpose = "internal"
	PurposeIngestion Purpose = "ingestion"
	PurposeExport    Purpose = "export"
)

// IsValid reports whether p is a known purpose.
func (p Purpose) IsValid() bool {
	return p == PurposeInternal || p == PurposeIngestion || p == PurposeExport
}

// Handler produces pending work and consumes it one item at a time.
// A handler instance is bound to a single storage session and must not be
// shared between concurrent units of work.
type Handler interface {
	Fetch(ctx context.Context, max int) ([]WorkItem, error)
	Process(ctx context.Context, item WorkItem) error
}

// BatchRepository is the driven port for staging batch persistence.
type BatchRepository interface {
	CreateBatch(ctx context.Context, b *StagingBatch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*StagingBatch, error)
	FindQueuedBatches(ctx context.Context, kind BatchKind, limit int) ([]StagingBatch, error)
	FindExpiredQueuedBatches(ctx context.Context, kind BatchKind, now time.Time, limit int) ([]StagingBatch, error)
	// SaveBatch persists status, timestamps and error of b if its stored
	// status still equals from. It returns ErrStaleBatch otherwise.
	SaveBatch(ctx context.Context, b *StagingBatch, from BatchStatus) error
	FindBatchesByStatus(ctx context.Context, status BatchStatus, limit int) ([]StagingBatch, error)
}

// SupplierRepository is the driven port for supplier lookup.
type SupplierRepository interface {
	CreateSupplier(ctx context.Context, s *Supplier) error
	GetSupplier(ctx context.Context, id uuid.UUID) (*Supplier, error)
}

// OrderRepository is the driven port for scraped staging orders.
type OrderRepository interface {
	InsertOrder(ctx context.Context, o *StagingPurchaseOrder) error
	ListOrders(ctx context.Context, batchID uuid.UUID) ([]StagingPurchaseOrder, error)
}

// EmbeddingRepository is the driven port for item image embeddings.
type EmbeddingRepository interface {
	FindUnembeddedImages(ctx context.Context, maxAttempts, limit int) ([]ItemImage, error)
	SaveEmbedding(ctx context.Context, itemID uuid.UUID, model string, vec []float32, at time.Time) error
	RecordEmbeddingFailure(ctx context.Context, itemID uuid.UUID, msg string, at time.Time) error
}

// Store is one storage session. It is owned by a single unit of work and
// released with Close.
type Store interface {
	BatchRepository
	SupplierRepository
	OrderRepository
	EmbeddingRepository
	Close() error
}

// StoreProvider hands out isolated storage sessions.
type StoreProvider interface {
	Acquire(ctx context.Context) (Store, error)
}

// Embedder turns an image into a vector.
type Embedder interface {
	Model() string
	EmbedImage(ctx context.Context, uri, contentType string) ([]float32, error)
}
