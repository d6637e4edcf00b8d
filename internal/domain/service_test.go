package domain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStore implements Store and StoreProvider for testing.
type mockStore struct {
	mu        sync.Mutex
	batches   map[uuid.UUID]*StagingBatch
	suppliers map[uuid.UUID]*Supplier
	orders    []StagingPurchaseOrder
	acquired  int
	closed    int
}

func newMockStore() *mockStore {
	return &mockStore{
		batches:   make(map[uuid.UUID]*StagingBatch),
		suppliers: make(map[uuid.UUID]*Supplier),
	}
}

func (m *mockStore) Acquire(ctx context.Context) (Store, error) {
	m.mu.Lock()
	m.acquired++
	m.mu.Unlock()
	return m, nil
}

func (m *mockStore) Close() error {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	return nil
}

func (m *mockStore) CreateBatch(ctx context.Context, b *StagingBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m *mockStore) GetBatch(ctx context.Context, id uuid.UUID) (*StagingBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *mockStore) FindQueuedBatches(ctx context.Context, kind BatchKind, limit int) ([]StagingBatch, error) {
	return nil, nil
}

func (m *mockStore) FindExpiredQueuedBatches(ctx context.Context, kind BatchKind, now time.Time, limit int) ([]StagingBatch, error) {
	return nil, nil
}

func (m *mockStore) FindBatchesByStatus(ctx context.Context, status BatchStatus, limit int) ([]StagingBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StagingBatch
	for _, b := range m.batches {
		if b.Status == status {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *mockStore) SaveBatch(ctx context.Context, b *StagingBatch, from BatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.batches[b.ID]
	if !ok {
		return ErrBatchNotFound
	}
	if cur.Status != from {
		return ErrStaleBatch
	}
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m *mockStore) CreateSupplier(ctx context.Context, s *Supplier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppliers[s.ID] = s
	return nil
}

func (m *mockStore) GetSupplier(ctx context.Context, id uuid.UUID) (*Supplier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suppliers[id]
	if !ok {
		return nil, ErrSupplierNotFound
	}
	return s, nil
}

func (m *mockStore) InsertOrder(ctx context.Context, o *StagingPurchaseOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, *o)
	return nil
}

func (m *mockStore) ListOrders(ctx context.Context, batchID uuid.UUID) ([]StagingPurchaseOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StagingPurchaseOrder
	for _, o := range m.orders {
		if o.BatchID == batchID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockStore) FindUnembeddedImages(ctx context.Context, maxAttempts, limit int) ([]ItemImage, error) {
	return nil, nil
}

func (m *mockStore) RecordEmbeddingFailure(ctx context.Context, itemID uuid.UUID, msg string, at time.Time) error {
	return nil
}

func (m *mockStore) SaveEmbedding(ctx context.Context, itemID uuid.UUID, model string, vec []float32, at time.Time) error {
	return nil
}

func TestBatchService_Submit(t *testing.T) {
	store := newMockStore()
	svc := NewBatchService(store)
	ctx := context.Background()

	sup, err := svc.AddSupplier(ctx, "Acme", "https://acme.example", "acme")
	require.NoError(t, err)

	tests := []struct {
		name    string
		req     SubmitRequest
		wantErr error
	}{
		{
			name: "valid web scrape",
			req: SubmitRequest{
				SupplierID:    uuid.NullUUID{UUID: sup.ID, Valid: true},
				ProcessorName: " acme ",
				CookieData:    sampleCookieFile,
			},
		},
		{
			name: "missing cookies accepted",
			req:  SubmitRequest{SupplierID: uuid.NullUUID{UUID: sup.ID, Valid: true}},
		},
		{
			name:    "unknown kind",
			req:     SubmitRequest{Kind: "fax"},
			wantErr: ErrInvalidArgument,
		},
		{
			name:    "malformed cookies",
			req:     SubmitRequest{CookieData: "{"},
			wantErr: ErrInvalidCookieFile,
		},
		{
			name:    "unknown supplier",
			req:     SubmitRequest{SupplierID: uuid.NullUUID{UUID: uuid.New(), Valid: true}},
			wantErr: ErrSupplierNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := svc.Submit(ctx, tt.req)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, BatchQueued, b.Status)
			assert.Equal(t, KindWebScrape, b.Kind)
			stored, err := svc.Get(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, b.ProcessorName, stored.ProcessorName)
		})
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, store.acquired, store.closed, "every acquired session is released")
}

func TestBatchService_RequeueAndCancel(t *testing.T) {
	store := newMockStore()
	svc := NewBatchService(store)
	ctx := context.Background()

	b, err := svc.Submit(ctx, SubmitRequest{})
	require.NoError(t, err)

	_, err = svc.Requeue(ctx, b.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "queued batch cannot be requeued")

	cancelled, err := svc.Cancel(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchCancelled, cancelled.Status)

	requeued, err := svc.Requeue(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchQueued, requeued.Status)

	_, err = svc.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestBatchService_RecoverStale(t *testing.T) {
	store := newMockStore()
	svc := NewBatchService(store)
	ctx := context.Background()

	queued, _ := svc.Submit(ctx, SubmitRequest{})
	started, _ := svc.Submit(ctx, SubmitRequest{})

	store.mu.Lock()
	now := time.Now()
	store.batches[started.ID].Status = BatchStarted
	store.batches[started.ID].StartedAt = &now
	store.mu.Unlock()

	n, err := svc.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := svc.Get(ctx, started.ID)
	assert.Equal(t, BatchFailed, got.Status)
	assert.Equal(t, MsgInterrupted, got.ErrorMessage)

	got, _ = svc.Get(ctx, queued.ID)
	assert.Equal(t, BatchQueued, got.Status)
}

func TestBatchService_AddSupplier_RequiresName(t *testing.T) {
	svc := NewBatchService(newMockStore())
	_, err := svc.AddSupplier(context.Background(), "  ", "", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
