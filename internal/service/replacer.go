package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/kursadbilgin/sendit/internal/deid"
	"github.com/kursadbilgin/sendit/internal/dicomfile"
	"github.com/kursadbilgin/sendit/internal/domain"
	"github.com/kursadbilgin/sendit/internal/queue"
	"go.uber.org/zap"
)

// Replacer rewrites every image of a batch with its secure identifiers.
type Replacer struct {
	deps Deps
	cfg  PipelineConfig
}

func NewReplacer(deps Deps, cfg PipelineConfig) (*Replacer, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("de-identification policy is required")
	}
	return &Replacer{deps: deps.withDefaults(), cfg: cfg}, nil
}

func (r *Replacer) Replace(ctx context.Context, batchID string) error {
	logger := r.deps.logger(ctx).With(zap.String("batchId", batchID))

	batch, err := r.deps.Batches.GetByID(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to get batch %s: %w", batchID, err)
	}
	if batch.Status != domain.BatchStatusProcessing {
		logger.Info("batch not in processing, skipping", zap.String("status", batch.Status.String()))
		return nil
	}

	ids, err := r.deps.Identifiers.GetByBatch(ctx, batchID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("batch has no identifiers, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get identifiers: %w", err)
	}

	updated := deid.Merge(ids.IDs, ids.Response, r.cfg.Keys)
	cleaned := r.cfg.Policy.Clean(updated)

	images, err := r.deps.Images.ListByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}

	var problems []string
	names := make(map[string]struct{}, len(images))
	headers := make([]domain.Fields, 0, len(images))
	series := make(map[string]struct{})

	for i := range images {
		img := images[i]
		header, problem, err := r.replaceImage(ctx, &img, updated, cleaned, names)
		if err != nil {
			return err
		}
		if problem != "" {
			problems = append(problems, problem)
			if err := r.drop(ctx, img); err != nil {
				return err
			}
			continue
		}
		headers = append(headers, header)
		series[header["SeriesInstanceUID"]+"/"+header["SeriesNumber"]] = struct{}{}
	}

	shared := deid.Shared(headers, deid.SharedFields)
	if len(headers) > 0 {
		shared["NumberOfSeries"] = strconv.Itoa(len(series))
	}

	ids.Updated = updated
	ids.Cleaned = cleaned
	ids.Shared = shared
	if err := r.deps.Identifiers.Save(ctx, ids); err != nil {
		return fmt.Errorf("failed to save identifiers: %w", err)
	}

	batch, err = r.deps.Batches.Mutate(ctx, batchID, func(b *domain.Batch) error {
		for _, msg := range problems {
			b.AddError(msg)
		}
		b.Logs.ImageCount = len(headers)
		if len(headers) == 0 {
			b.AddWarning("no images left after de-identification")
			b.Finish(r.deps.Now())
			return b.SetStatus(domain.BatchStatusEmpty)
		}
		return b.SetStatus(domain.BatchStatusDoneProcessing)
	})
	if err != nil {
		return fmt.Errorf("failed to mark batch processed: %w", err)
	}

	logger.Info("identifiers replaced",
		zap.Int("images", len(headers)),
		zap.Int("dropped", len(problems)),
	)

	if batch.Status == domain.BatchStatusEmpty {
		r.deps.Metrics.IncBatchFinished(batch.Status.String())
		return r.deps.Dispatcher.Dispatch(ctx, queue.StageMessage{Stage: queue.StageCleanup, BatchID: batchID})
	}
	if r.cfg.DeferUpload {
		return nil
	}
	return r.deps.Dispatcher.Dispatch(ctx, queue.StageMessage{
		Stage:    queue.StageUpload,
		BatchIDs: []string{batchID},
	})
}

// replaceImage rewrites one image in place under <item suid>.dcm. A non-empty
// problem means the image must be dropped from the batch.
func (r *Replacer) replaceImage(
	ctx context.Context,
	img *domain.Image,
	updated domain.IdentifierMap,
	cleaned map[string]domain.Fields,
	names map[string]struct{},
) (domain.Fields, string, error) {
	// Already rewritten by an earlier delivery.
	if img.Status == domain.ImageStatusDoneProcessing {
		header, err := r.deps.Codec.ReadHeader(img.Path)
		if err != nil {
			return nil, fmt.Sprintf("%s could not be read after rewrite", img.Name), nil
		}
		names[img.Name] = struct{}{}
		return header.Fields, "", nil
	}

	header, err := r.deps.Codec.ReadHeader(img.Path)
	if err != nil {
		return nil, fmt.Sprintf("%s could not be read: %v", img.Name, err), nil
	}

	entityID := deid.EntityID(header.Get(r.cfg.Keys.EntityField))
	itemID := header.Get(r.cfg.Keys.ItemField)
	fields, ok := updated.Lookup(entityID, itemID)
	suid := fields[deid.VarItemID]
	if !ok || suid == "" {
		return nil, fmt.Sprintf("%s has no identifier mapping", img.UID), nil
	}

	name := suid + ".dcm"
	if _, taken := names[name]; taken {
		return nil, fmt.Sprintf("%s collides with another image as %s", img.UID, name), nil
	}

	edit := r.edit(header.Fields, cleaned[suid])
	dst := filepath.Join(filepath.Dir(img.Path), name)
	if err := r.deps.Codec.Rewrite(img.Path, dst, edit); err != nil {
		if errors.Is(err, dicomfile.ErrInvalidFile) {
			return nil, fmt.Sprintf("%s is not a valid DICOM file", img.Name), nil
		}
		return nil, fmt.Sprintf("%s could not be rewritten: %v", img.Name, err), nil
	}
	// Persist dst before removing the source.
	src := img.Path
	done := *img
	done.Name = name
	done.Path = dst
	done.Status = domain.ImageStatusDoneProcessing
	if err := r.deps.Images.Update(ctx, &done); err != nil {
		return nil, "", fmt.Errorf("failed to update image %s: %w", img.UID, err)
	}
	*img = done
	names[name] = struct{}{}

	if dst != src {
		if err := r.deps.Files.Remove(src); err != nil {
			return nil, "", err
		}
	}

	rewritten, err := r.deps.Codec.ReadHeader(dst)
	if err != nil {
		return nil, fmt.Sprintf("%s could not be read after rewrite", name), nil
	}
	return rewritten.Fields, "", nil
}

// edit sets every cleaned value and removes header fields the policy dropped.
func (r *Replacer) edit(header domain.Fields, cleaned domain.Fields) dicomfile.Edit {
	edit := dicomfile.Edit{
		Set:            make(map[string]string, len(cleaned)),
		StripSequences: true,
		StripPrivate:   true,
	}
	for name, value := range cleaned {
		edit.Set[name] = value
	}
	for name := range header {
		if _, kept := cleaned[name]; !kept {
			edit.Remove = append(edit.Remove, name)
		}
	}
	sort.Strings(edit.Remove)
	return edit
}

// drop removes an image that cannot be de-identified, file and record.
func (r *Replacer) drop(ctx context.Context, img domain.Image) error {
	if err := r.deps.Files.Remove(img.Path); err != nil {
		return err
	}
	if err := r.deps.Images.Delete(ctx, img.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to delete image %s: %w", img.UID, err)
	}
	return nil
}
