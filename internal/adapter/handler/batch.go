// Package handler implements the engine's work-item handlers.
package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/intake/internal/adapter/scraper"
	"github.com/cwygoda/intake/internal/domain"
	"github.com/cwygoda/intake/internal/worker"
)

const BatchKey = "scrape-batch"

// ScraperLookup resolves a processor name to a scraper.
type ScraperLookup interface {
	Lookup(name string) (scraper.Scraper, error)
}

// BatchHandler drives queued web-scrape batches through
// queued → started → completed|failed.
type BatchHandler struct {
	store    domain.Store
	scrapers ScraperLookup
	log      logrus.FieldLogger
	now      func() time.Time
}

// BatchType returns the handler type for scrape batches.
func BatchType(scrapers ScraperLookup, log logrus.FieldLogger) worker.HandlerType {
	return worker.HandlerType{
		Key: BatchKey,
		New: func(store domain.Store) domain.Handler {
			return &BatchHandler{store: store, scrapers: scrapers, log: log, now: time.Now}
		},
	}
}

// Fetch returns references to the oldest queued web-scrape batches.
func (h *BatchHandler) Fetch(ctx context.Context, max int) ([]domain.WorkItem, error) {
	batches, err := h.store.FindQueuedBatches(ctx, domain.KindWebScrape, max)
	if err != nil {
		return nil, fmt.Errorf("find queued batches: %w", err)
	}
	items := make([]domain.WorkItem, 0, len(batches))
	for _, b := range batches {
		items = append(items, domain.Ref{ID: b.ID})
	}
	return items, nil
}

// Process runs one batch. Unmet preconditions fail the batch durably and
// are not reported to the engine; a failed scrape is both.
func (h *BatchHandler) Process(ctx context.Context, item domain.WorkItem) error {
	ref, ok := item.(domain.Ref)
	if !ok {
		return fmt.Errorf("%w: unexpected work item %T", domain.ErrInvalidArgument, item)
	}

	b, err := h.store.GetBatch(ctx, ref.ID)
	if err != nil {
		return fmt.Errorf("load batch %s: %w", ref.ID, err)
	}
	log := h.log.WithField("batch", b.ID)
	if b.Status != domain.BatchQueued {
		log.WithField("status", b.Status).Debug("batch no longer queued, skipping")
		return nil
	}

	job, reason, err := h.prepare(ctx, b)
	if err != nil {
		return err
	}
	if reason != "" {
		return h.reject(ctx, b, reason, log)
	}

	if err := b.Start(h.now()); err != nil {
		return err
	}
	if err := h.store.SaveBatch(context.WithoutCancel(ctx), b, domain.BatchQueued); err != nil {
		if errors.Is(err, domain.ErrStaleBatch) {
			log.Debug("batch changed before start, skipping")
			return nil
		}
		return fmt.Errorf("start batch %s: %w", b.ID, err)
	}
	log = log.WithField("processor", job.scraper.Name())
	log.Info("batch started")

	res, scrapeErr := job.scraper.Scrape(ctx, job.cookies, b, h.store)
	if scrapeErr != nil {
		if err := b.Fail(scrapeErr.Error()); err != nil {
			return err
		}
		if err := h.store.SaveBatch(context.WithoutCancel(ctx), b, domain.BatchStarted); err != nil {
			return errors.Join(scrapeErr, fmt.Errorf("save failed batch %s: %w", b.ID, err))
		}
		log.WithError(scrapeErr).Warn("batch failed")
		return fmt.Errorf("scrape batch %s: %w", b.ID, scrapeErr)
	}

	if err := b.Complete(h.now()); err != nil {
		return err
	}
	if err := h.store.SaveBatch(context.WithoutCancel(ctx), b, domain.BatchStarted); err != nil {
		return fmt.Errorf("complete batch %s: %w", b.ID, err)
	}
	log.WithFields(logrus.Fields{
		"orders":   res.Orders,
		"failed":   res.Failed,
		"requests": res.Requests,
	}).Info("batch completed")
	return nil
}

type scrapeJob struct {
	scraper scraper.Scraper
	cookies *domain.CookieFile
}

// prepare checks the batch can be scraped. A non-empty reason is the
// message the batch fails with.
func (h *BatchHandler) prepare(ctx context.Context, b *domain.StagingBatch) (*scrapeJob, string, error) {
	if !b.SupplierID.Valid {
		return nil, domain.MsgNoSupplier, nil
	}
	if strings.TrimSpace(b.CookieData) == "" {
		return nil, domain.MsgNoCookieData, nil
	}

	sup, err := h.store.GetSupplier(ctx, b.SupplierID.UUID)
	if errors.Is(err, domain.ErrSupplierNotFound) {
		return nil, domain.MsgNoSupplierRow, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load supplier: %w", err)
	}

	name := b.ProcessorName
	if name == "" {
		name = sup.DefaultProcessor
	}
	if name == "" {
		return nil, domain.MsgNoProcessor, nil
	}
	s, err := h.scrapers.Lookup(name)
	if err != nil {
		return nil, domain.UnknownProcessorMessage(name), nil
	}

	cookies, err := domain.ParseCookieFile([]byte(b.CookieData))
	if err != nil {
		return nil, domain.InvalidCookieMessage(err), nil
	}
	if cookies.Expired(h.now()) {
		return nil, domain.MsgCookiesExpired, nil
	}
	return &scrapeJob{scraper: s, cookies: cookies}, "", nil
}

func (h *BatchHandler) reject(ctx context.Context, b *domain.StagingBatch, reason string, log logrus.FieldLogger) error {
	if err := b.Fail(reason); err != nil {
		return err
	}
	err := h.store.SaveBatch(context.WithoutCancel(ctx), b, domain.BatchQueued)
	if errors.Is(err, domain.ErrStaleBatch) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail batch %s: %w", b.ID, err)
	}
	log.WithField("reason", reason).Warn("batch rejected")
	return nil
}
