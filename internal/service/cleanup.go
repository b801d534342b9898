package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/sendit/internal/domain"
	"go.uber.org/zap"
)

// Cleanup removes the media of a finished batch.
type Cleanup struct {
	deps Deps
}

func NewCleanup(deps Deps) (*Cleanup, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Cleanup{deps: deps.withDefaults()}, nil
}

// Clean deletes every image of the batch, file and record, then the batch
// media directory. Batches with errors are left for inspection.
func (c *Cleanup) Clean(ctx context.Context, batchID string, removeBatch bool) error {
	logger := c.deps.logger(ctx).With(zap.String("batchId", batchID))

	batch, err := c.deps.Batches.GetByID(ctx, batchID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Info("batch already removed, nothing to clean")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get batch: %w", err)
	}
	if batch.HasError {
		logger.Warn("cleanup skipped, batch has errors",
			zap.Int("errors", len(batch.Logs.Errors)),
		)
		return nil
	}

	images, err := c.deps.Images.ListByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	for _, img := range images {
		if err := c.deps.Files.Remove(img.Path); err != nil {
			return err
		}
		if err := c.deps.Images.Delete(ctx, img.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("failed to delete image %s: %w", img.UID, err)
		}
	}
	if err := c.deps.Files.RemoveBatchDir(batchID); err != nil {
		return err
	}

	if removeBatch {
		if err := c.deps.Batches.Delete(ctx, batchID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("failed to delete batch: %w", err)
		}
	}

	logger.Info("batch cleaned",
		zap.Int("images", len(images)),
		zap.Bool("batchRemoved", removeBatch),
	)
	return nil
}
