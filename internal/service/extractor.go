package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kursadbilgin/sendit/internal/deid"
	"github.com/kursadbilgin/sendit/internal/domain"
	"github.com/kursadbilgin/sendit/internal/identifier"
	"github.com/kursadbilgin/sendit/internal/queue"
	"go.uber.org/zap"
)

// Extractor collects the identifiers of a batch and looks up their secure
// replacements.
type Extractor struct {
	deps    Deps
	cfg     PipelineConfig
	service identifier.Service
}

// NewExtractor wires an extractor. service may be nil when lookup is disabled.
func NewExtractor(deps Deps, cfg PipelineConfig, service identifier.Service) (*Extractor, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("de-identification policy is required")
	}
	if cfg.LookupEnabled && service == nil {
		return nil, fmt.Errorf("identifier service is required when lookup is enabled")
	}
	return &Extractor{deps: deps.withDefaults(), cfg: cfg, service: service}, nil
}

func (e *Extractor) Extract(ctx context.Context, batchID string, study string) error {
	logger := e.deps.logger(ctx).With(zap.String("batchId", batchID))

	batch, err := e.deps.Batches.GetByID(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to get batch %s: %w", batchID, err)
	}
	switch batch.Status {
	case domain.BatchStatusNew, domain.BatchStatusQueue, domain.BatchStatusProcessing:
	default:
		logger.Info("batch past extraction, skipping", zap.String("status", batch.Status.String()))
		return nil
	}

	// Identifiers already saved: replacement may have started on the files.
	if e.cfg.LookupEnabled && batch.Status == domain.BatchStatusProcessing {
		_, err := e.deps.Identifiers.GetByBatch(ctx, batchID)
		if err == nil {
			logger.Info("identifiers already extracted, handing off to replace")
			return e.deps.Dispatcher.Dispatch(ctx, queue.StageMessage{
				Stage:   queue.StageReplace,
				BatchID: batchID,
			})
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("failed to get identifiers: %w", err)
		}
	}

	if _, err := e.deps.Batches.Mutate(ctx, batchID, func(b *domain.Batch) error {
		return b.SetStatus(domain.BatchStatusProcessing)
	}); err != nil {
		return fmt.Errorf("failed to mark batch processing: %w", err)
	}
	if err := e.deps.Images.UpdateStatusByBatch(ctx, batchID, domain.ImageStatusProcessing); err != nil {
		return fmt.Errorf("failed to mark images processing: %w", err)
	}

	images, err := e.deps.Images.ListByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	if len(images) == 0 {
		return e.deps.markEmpty(ctx, batchID, "no images to de-identify")
	}
	for _, img := range images {
		if _, err := os.Stat(img.Path); err != nil {
			return e.deps.fail(ctx, batchID, fmt.Sprintf("%s is missing from %s", img.Name, img.Path))
		}
	}

	ids, headers, err := e.deps.readIdentifiers(images, e.cfg.Keys)
	if err != nil {
		return e.deps.fail(ctx, batchID, err.Error())
	}

	if !e.cfg.LookupEnabled {
		return e.passthrough(ctx, batchID, ids, headers)
	}

	if strings.TrimSpace(study) == "" {
		study = e.cfg.Study
	}
	req := identifier.BuildRequest(ids, identifier.RequestFields{
		EntityField: e.cfg.Keys.EntityField,
		ItemField:   e.cfg.Keys.ItemField,
		CodedFields: e.cfg.Keys.CodedFields,
	})

	results, err := e.service.Deidentify(ctx, study, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, identifier.ErrMissingResults) {
			return e.deps.fail(ctx, batchID, "identifier service returned no results")
		}
		return e.deps.fail(ctx, batchID, fmt.Sprintf("identifier lookup failed: %v", err))
	}

	if err := e.deps.Identifiers.Save(ctx, &domain.BatchIdentifiers{
		BatchID:  batchID,
		Response: results,
		IDs:      ids,
	}); err != nil {
		return fmt.Errorf("failed to save identifiers: %w", err)
	}

	logger.Info("identifiers extracted",
		zap.Int("entities", len(ids)),
		zap.Int("items", ids.ItemCount()),
	)

	return e.deps.Dispatcher.Dispatch(ctx, queue.StageMessage{
		Stage:   queue.StageReplace,
		BatchID: batchID,
	})
}

// passthrough finishes processing without the identifier service: headers
// keep their own identifiers and only the policy filter applies.
func (e *Extractor) passthrough(ctx context.Context, batchID string, ids domain.IdentifierMap, headers []domain.Fields) error {
	updated := deid.Passthrough(ids)
	if err := e.deps.Identifiers.Save(ctx, &domain.BatchIdentifiers{
		BatchID: batchID,
		IDs:     ids,
		Updated: updated,
		Cleaned: e.cfg.Policy.Clean(updated),
		Shared:  deid.Shared(headers, deid.SharedFields),
	}); err != nil {
		return fmt.Errorf("failed to save identifiers: %w", err)
	}

	if err := e.deps.Images.UpdateStatusByBatch(ctx, batchID, domain.ImageStatusDoneProcessing); err != nil {
		return fmt.Errorf("failed to mark images processed: %w", err)
	}
	if _, err := e.deps.Batches.Mutate(ctx, batchID, func(b *domain.Batch) error {
		return b.SetStatus(domain.BatchStatusDoneProcessing)
	}); err != nil {
		return fmt.Errorf("failed to mark batch processed: %w", err)
	}

	if e.cfg.DeferUpload {
		return nil
	}
	return e.deps.Dispatcher.Dispatch(ctx, queue.StageMessage{
		Stage:    queue.StageUpload,
		BatchIDs: []string{batchID},
	})
}
