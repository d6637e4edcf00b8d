package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/intake/internal/domain"
	"github.com/cwygoda/intake/internal/worker"
)

const (
	VectorizeKey = "vectorize-images"

	DefaultMaxEmbedAttempts = 3
)

// VectorizeHandler embeds the images of staged line items. Failed attempts
// are recorded so that images which keep failing are retried after fresh
// ones and dropped after maxAttempts.
type VectorizeHandler struct {
	store       domain.Store
	embedder    domain.Embedder
	maxAttempts int
	log         logrus.FieldLogger
	now         func() time.Time
}

// VectorizeType returns the handler type for image vectorization.
// maxAttempts < 1 selects DefaultMaxEmbedAttempts.
func VectorizeType(embedder domain.Embedder, maxAttempts int, log logrus.FieldLogger) worker.HandlerType {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxEmbedAttempts
	}
	return worker.HandlerType{
		Key: VectorizeKey,
		New: func(store domain.Store) domain.Handler {
			return &VectorizeHandler{store: store, embedder: embedder, maxAttempts: maxAttempts, log: log, now: time.Now}
		},
	}
}

func (h *VectorizeHandler) Fetch(ctx context.Context, max int) ([]domain.WorkItem, error) {
	images, err := h.store.FindUnembeddedImages(ctx, h.maxAttempts, max)
	if err != nil {
		return nil, fmt.Errorf("find unembedded images: %w", err)
	}
	items := make([]domain.WorkItem, 0, len(images))
	for _, img := range images {
		items = append(items, domain.Resource{ID: img.ItemID, URI: img.ImageURL})
	}
	return items, nil
}

func (h *VectorizeHandler) Process(ctx context.Context, item domain.WorkItem) error {
	res, ok := item.(domain.Resource)
	if !ok {
		return fmt.Errorf("%w: unexpected work item %T", domain.ErrInvalidArgument, item)
	}

	vec, err := h.embedder.EmbedImage(ctx, res.URI, res.ContentType)
	if err != nil {
		err = fmt.Errorf("embed %s: %w", res.URI, err)
		if ctx.Err() != nil {
			return err
		}
		if rerr := h.store.RecordEmbeddingFailure(context.WithoutCancel(ctx), res.ID, err.Error(), h.now()); rerr != nil {
			h.log.WithError(rerr).WithField("item", res.ID).Warn("recording embedding failure")
		}
		return err
	}
	if err := h.store.SaveEmbedding(context.WithoutCancel(ctx), res.ID, h.embedder.Model(), vec, h.now()); err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}
	h.log.WithFields(logrus.Fields{"item": res.ID, "dims": len(vec)}).Debug("image embedded")
	return nil
}
