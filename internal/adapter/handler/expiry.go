package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/intake/internal/domain"
	"github.com/cwygoda/intake/internal/worker"
)

const ExpiryKey = "cookie-expiry"

// ExpiryHandler fails queued web-scrape batches whose cookie file has
// expired, so no request is sent with dead credentials.
type ExpiryHandler struct {
	store domain.Store
	log   logrus.FieldLogger
	now   func() time.Time
}

// ExpiryType returns the handler type for cookie expiry sweeps.
func ExpiryType(log logrus.FieldLogger) worker.HandlerType {
	return worker.HandlerType{
		Key: ExpiryKey,
		New: func(store domain.Store) domain.Handler {
			return &ExpiryHandler{store: store, log: log, now: time.Now}
		},
	}
}

// Fetch returns up to max queued batches whose cookie file has expired.
func (h *ExpiryHandler) Fetch(ctx context.Context, max int) ([]domain.WorkItem, error) {
	now := h.now()
	batches, err := h.store.FindExpiredQueuedBatches(ctx, domain.KindWebScrape, now, max)
	if err != nil {
		return nil, fmt.Errorf("find expired batches: %w", err)
	}
	var items []domain.WorkItem
	for _, b := range batches {
		if cookiesExpired(b.CookieData, now) {
			items = append(items, domain.Record[domain.StagingBatch]{ID: b.ID, Value: b})
		}
	}
	return items, nil
}

// Process fails the fetched batch. The write only applies while the batch
// is still queued, so a batch picked up in the meantime is left alone.
func (h *ExpiryHandler) Process(ctx context.Context, item domain.WorkItem) error {
	rec, ok := item.(domain.Record[domain.StagingBatch])
	if !ok {
		return fmt.Errorf("%w: unexpected work item %T", domain.ErrInvalidArgument, item)
	}

	b := rec.Value
	if err := b.Fail(domain.MsgCookiesExpired); err != nil {
		return err
	}
	err := h.store.SaveBatch(context.WithoutCancel(ctx), &b, domain.BatchQueued)
	if errors.Is(err, domain.ErrStaleBatch) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("expire batch %s: %w", b.ID, err)
	}
	h.log.WithField("batch", b.ID).Info("batch failed: cookies expired")
	return nil
}

// cookiesExpired reports whether data is a valid cookie file past its expiry.
// Malformed data is left to the batch handler.
func cookiesExpired(data string, now time.Time) bool {
	if data == "" {
		return false
	}
	cf, err := domain.ParseCookieFile([]byte(data))
	if err != nil {
		return false
	}
	return cf.Expired(now)
}
