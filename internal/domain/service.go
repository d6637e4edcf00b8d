package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubmitRequest describes a new staging batch.
type SubmitRequest struct {
	SupplierID    uuid.NullUUID
	Kind          BatchKind
	ProcessorName string
	CookieData    string
	Notes         string
}

// BatchService orchestrates batch operations outside the engine: submission,
// inspection and manual requeue.
type BatchService struct {
	stores StoreProvider
	now    func() time.Time
}

// NewBatchService creates a new BatchService.
func NewBatchService(stores StoreProvider) *BatchService {
	return &BatchService{stores: stores, now: time.Now}
}

func (s *BatchService) withStore(ctx context.Context, fn func(Store) error) error {
	st, err := s.stores.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire store: %w", err)
	}
	defer st.Close()
	return fn(st)
}

// Submit creates a queued batch. Missing supplier or cookie data is accepted
// here and recorded as a failure once the batch is processed.
func (s *BatchService) Submit(ctx context.Context, req SubmitRequest) (*StagingBatch, error) {
	if req.Kind == "" {
		req.Kind = KindWebScrape
	}
	if !req.Kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown batch kind %q", ErrInvalidArgument, req.Kind)
	}
	if strings.TrimSpace(req.CookieData) != "" {
		if _, err := ParseCookieFile([]byte(req.CookieData)); err != nil {
			return nil, err
		}
	}

	b := NewStagingBatch(req.Kind, s.now())
	b.SupplierID = req.SupplierID
	b.ProcessorName = strings.TrimSpace(req.ProcessorName)
	b.CookieData = req.CookieData
	b.Notes = req.Notes

	err := s.withStore(ctx, func(st Store) error {
		if req.SupplierID.Valid {
			if _, err := st.GetSupplier(ctx, req.SupplierID.UUID); err != nil {
				return err
			}
		}
		return st.CreateBatch(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Get retrieves a batch by ID.
func (s *BatchService) Get(ctx context.Context, id uuid.UUID) (*StagingBatch, error) {
	var b *StagingBatch
	err := s.withStore(ctx, func(st Store) error {
		var err error
		b, err = st.GetBatch(ctx, id)
		return err
	})
	return b, err
}

// Orders lists the staging orders scraped for a batch.
func (s *BatchService) Orders(ctx context.Context, id uuid.UUID) ([]StagingPurchaseOrder, error) {
	var orders []StagingPurchaseOrder
	err := s.withStore(ctx, func(st Store) error {
		if _, err := st.GetBatch(ctx, id); err != nil {
			return err
		}
		var err error
		orders, err = st.ListOrders(ctx, id)
		return err
	})
	return orders, err
}

// Requeue resets a failed or cancelled batch to queued.
func (s *BatchService) Requeue(ctx context.Context, id uuid.UUID) (*StagingBatch, error) {
	return s.transition(ctx, id, (*StagingBatch).Requeue)
}

// Cancel withdraws a queued batch.
func (s *BatchService) Cancel(ctx context.Context, id uuid.UUID) (*StagingBatch, error) {
	return s.transition(ctx, id, (*StagingBatch).Cancel)
}

func (s *BatchService) transition(ctx context.Context, id uuid.UUID, fn func(*StagingBatch) error) (*StagingBatch, error) {
	var b *StagingBatch
	err := s.withStore(ctx, func(st Store) error {
		var err error
		b, err = st.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		from := b.Status
		if err := fn(b); err != nil {
			return err
		}
		return st.SaveBatch(ctx, b, from)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// RecoverStale fails batches left in started by a previous process. They are
// not requeued: a partially scraped batch needs a human decision.
func (s *BatchService) RecoverStale(ctx context.Context) (int, error) {
	var recovered int
	err := s.withStore(ctx, func(st Store) error {
		batches, err := st.FindBatchesByStatus(ctx, BatchStarted, 1000)
		if err != nil {
			return err
		}
		for i := range batches {
			b := &batches[i]
			if err := b.Fail(MsgInterrupted); err != nil {
				return err
			}
			if err := st.SaveBatch(ctx, b, BatchStarted); err != nil {
				if errors.Is(err, ErrStaleBatch) {
					continue
				}
				return err
			}
			recovered++
		}
		return nil
	})
	return recovered, err
}

// AddSupplier registers a supplier batches can refer to.
func (s *BatchService) AddSupplier(ctx context.Context, name, website, defaultProcessor string) (*Supplier, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: supplier name is required", ErrInvalidArgument)
	}
	sup := &Supplier{
		ID:               uuid.New(),
		Name:             strings.TrimSpace(name),
		Website:          website,
		DefaultProcessor: strings.TrimSpace(defaultProcessor),
		CreatedAt:        s.now(),
	}
	if err := s.withStore(ctx, func(st Store) error { return st.CreateSupplier(ctx, sup) }); err != nil {
		return nil, err
	}
	return sup, nil
}
