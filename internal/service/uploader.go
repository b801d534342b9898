package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/sendit/internal/domain"
	"github.com/kursadbilgin/sendit/internal/queue"
	"github.com/kursadbilgin/sendit/internal/ratelimit"
	"github.com/kursadbilgin/sendit/internal/retry"
	"github.com/kursadbilgin/sendit/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errNothingArchived = errors.New("no images could be archived")

// Feeder queues new folders for import.
type Feeder interface {
	StartQueue(ctx context.Context, max int) (int, error)
}

type UploadConfig struct {
	SendToStorage bool
	SendToOrthanc bool
	Collection    string
	Permission    string
	Agent         string
	ArchiveDir    string
	// ItemField names the header field that keys cleaned item metadata.
	ItemField string
	Retry     retry.Policy
}

// Uploader archives de-identified batches and sends them to storage.
type Uploader struct {
	deps    Deps
	cfg     UploadConfig
	factory storage.Factory
	orthanc storage.Sender
	limiter ratelimit.RateLimiter
	feeder  Feeder
}

// NewUploader wires an uploader. factory is required when SendToStorage is
// set and orthanc when SendToOrthanc is set; limiter and feeder are optional.
func NewUploader(
	deps Deps,
	cfg UploadConfig,
	factory storage.Factory,
	orthanc storage.Sender,
	limiter ratelimit.RateLimiter,
	feeder Feeder,
) (*Uploader, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.SendToStorage && factory == nil {
		return nil, fmt.Errorf("storage factory is required")
	}
	if cfg.SendToOrthanc && orthanc == nil {
		return nil, fmt.Errorf("orthanc sender is required")
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = filepath.Join(os.TempDir(), "sendit")
	}
	if cfg.ItemField == "" {
		cfg.ItemField = "SOPInstanceUID"
	}

	return &Uploader{
		deps:    deps.withDefaults(),
		cfg:     cfg,
		factory: factory,
		orthanc: orthanc,
		limiter: limiter,
		feeder:  feeder,
	}, nil
}

// SetFeeder sets the feeder used when an upload asks to drain the queue.
func (u *Uploader) SetFeeder(feeder Feeder) {
	u.feeder = feeder
}

// Upload sends each batch in turn. A batch failure is recorded on the batch
// and does not stop the others.
func (u *Uploader) Upload(ctx context.Context, batchIDs []string, drain bool) error {
	logger := u.deps.logger(ctx)

	var store storage.DatasetStore
	if u.cfg.SendToStorage {
		var err error
		store, err = retry.Do(ctx, u.policy("storage", storage.IsTransient), func(ctx context.Context) (storage.DatasetStore, error) {
			return u.factory(ctx)
		})
		if err != nil {
			logger.Error("failed to open storage client", zap.Error(err))
			return nil
		}
	}

	for _, batchID := range batchIDs {
		if err := u.uploadBatch(ctx, store, batchID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("batch upload failed", zap.String("batchId", batchID), zap.Error(err))
		}

		if drain && u.feeder != nil {
			if _, err := u.feeder.StartQueue(ctx, 1); err != nil {
				logger.Warn("failed to queue next folder", zap.Error(err))
			}
		}
	}
	return nil
}

func (u *Uploader) uploadBatch(ctx context.Context, store storage.DatasetStore, batchID string) error {
	logger := u.deps.logger(ctx).With(zap.String("batchId", batchID))

	batch, err := u.deps.Batches.GetByID(ctx, batchID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("batch not found, skipping upload")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get batch: %w", err)
	}
	if batch.Status != domain.BatchStatusDoneProcessing {
		logger.Info("batch not ready for upload, skipping", zap.String("status", batch.Status.String()))
		return nil
	}

	ids, err := u.deps.Identifiers.GetByBatch(ctx, batchID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to get identifiers: %w", err)
	}
	if ids == nil {
		ids = &domain.BatchIdentifiers{BatchID: batchID}
	}

	images, err := u.deps.Images.ListByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	var files []string
	items := make(map[string]domain.Fields)
	for _, img := range images {
		if !img.Deidentified() {
			continue
		}
		files = append(files, img.Path)
		if fields, ok := u.itemMetadata(img, ids.Cleaned); ok {
			items[img.Name] = fields
		}
	}

	if len(files) == 0 {
		if err := u.deps.markEmpty(ctx, batchID, "no de-identified images to upload"); err != nil {
			return err
		}
		return u.deps.Dispatcher.Dispatch(ctx, queue.StageMessage{Stage: queue.StageCleanup, BatchID: batchID})
	}

	patientID := ids.Shared["PatientID"]
	accession := ids.Shared["AccessionNumber"]
	if patientID == "" || accession == "" {
		_, err := u.deps.Batches.Mutate(ctx, batchID, func(b *domain.Batch) error {
			b.AddWarning("images do not share a single PatientID and AccessionNumber, upload skipped")
			b.Finish(u.deps.Now())
			return b.SetStatus(domain.BatchStatusError)
		})
		if err == nil {
			u.deps.Metrics.IncBatchFinished(domain.BatchStatusError.String())
		}
		return err
	}

	uploadStart := u.deps.Now().UTC()
	if _, err := u.deps.Batches.Mutate(ctx, batchID, func(b *domain.Batch) error {
		b.QA.UploadStartTime = &uploadStart
		return nil
	}); err != nil {
		return fmt.Errorf("failed to record upload start: %w", err)
	}

	sendErr := u.send(ctx, store, batch, ids.Shared, files, items)
	if sendErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(sendErr, errNothingArchived) {
			return u.deps.fail(ctx, batchID, sendErr.Error())
		}
		_, err := u.deps.Batches.Mutate(ctx, batchID, func(b *domain.Batch) error {
			b.AddError("upload failed: " + sendErr.Error())
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to record upload error: %w", err)
		}
		return sendErr
	}

	if err := u.deps.Images.UpdateStatusByBatch(ctx, batchID, domain.ImageStatusSent); err != nil {
		return fmt.Errorf("failed to mark images sent: %w", err)
	}
	uploadFinish := u.deps.Now().UTC()
	if _, err := u.deps.Batches.Mutate(ctx, batchID, func(b *domain.Batch) error {
		b.QA.UploadFinishTime = &uploadFinish
		b.Logs.ImageCount = len(files)
		b.Finish(uploadFinish)
		return b.SetStatus(domain.BatchStatusDone)
	}); err != nil {
		return fmt.Errorf("failed to mark batch done: %w", err)
	}
	u.deps.Metrics.IncBatchFinished(domain.BatchStatusDone.String())

	logger.Info("batch uploaded",
		zap.Int("images", len(files)),
		zap.Duration("elapsed", uploadFinish.Sub(uploadStart)),
	)

	return u.deps.Dispatcher.Dispatch(ctx, queue.StageMessage{Stage: queue.StageCleanup, BatchID: batchID})
}

// itemMetadata finds the cleaned fields of img by the item id in its header,
// falling back to the file name without extension.
func (u *Uploader) itemMetadata(img domain.Image, cleaned map[string]domain.Fields) (domain.Fields, bool) {
	if header, err := u.deps.Codec.ReadHeader(img.Path); err == nil {
		if fields, ok := cleaned[header.Get(u.cfg.ItemField)]; ok {
			return fields, true
		}
	}
	fields, ok := cleaned[strings.TrimSuffix(img.Name, filepath.Ext(img.Name))]
	return fields, ok
}

// send writes the archive to storage and pushes the files to Orthanc. The
// archive is always removed afterwards.
func (u *Uploader) send(
	ctx context.Context,
	store storage.DatasetStore,
	batch *domain.Batch,
	shared domain.Fields,
	files []string,
	items map[string]domain.Fields,
) error {
	g, groupCtx := errgroup.WithContext(ctx)

	if u.cfg.SendToStorage {
		g.Go(func() error {
			return u.sendArchive(groupCtx, store, batch, shared, files, items)
		})
	}
	if u.cfg.SendToOrthanc {
		g.Go(func() error {
			for _, file := range files {
				err := retry.Run(groupCtx, u.policy("orthanc", storage.IsTransient), func(ctx context.Context) error {
					return u.orthanc.Send(ctx, file)
				})
				if err != nil {
					return fmt.Errorf("orthanc: %w", err)
				}
			}
			return nil
		})
	}

	return g.Wait()
}

func (u *Uploader) sendArchive(
	ctx context.Context,
	store storage.DatasetStore,
	batch *domain.Batch,
	shared domain.Fields,
	files []string,
	items map[string]domain.Fields,
) error {
	name := storage.ArchiveName(shared["PatientID"], shared["StudyDate"], shared["AccessionNumber"])
	path, written, err := storage.WriteArchive(u.cfg.ArchiveDir, name, files)
	if path != "" {
		defer os.Remove(path)
	}
	if err != nil {
		return err
	}
	if written == 0 {
		return errNothingArchived
	}

	dataset := storage.Dataset{
		Images:         []string{path},
		Collection:     u.cfg.Collection,
		UID:            batch.UID,
		MimeType:       storage.ArchiveMimeType,
		ImagesMetadata: items,
		EntityMetadata: u.entityMetadata(shared, items, written),
		Permission:     u.cfg.Permission,
	}

	return retry.Run(ctx, u.policy("storage", storage.IsTransient), func(ctx context.Context) error {
		if u.limiter != nil {
			if err := u.limiter.Wait(ctx, ratelimit.KeyStorage); err != nil {
				return err
			}
		}
		if err := store.CreateCollection(ctx, dataset.Collection); err != nil {
			return err
		}
		return store.UploadDataset(ctx, dataset)
	})
}

func (u *Uploader) entityMetadata(shared domain.Fields, items map[string]domain.Fields, count int) map[string]string {
	meta := make(map[string]string, len(shared)+5)
	for k, v := range shared {
		meta[k] = v
	}
	for _, fields := range items {
		for _, k := range []string{"PatientAge", "PatientSex"} {
			if _, ok := meta[k]; !ok && fields[k] != "" {
				meta[k] = fields[k]
			}
		}
	}
	meta["IMAGE_COUNT"] = strconv.Itoa(count)
	meta["UPLOAD_AGENT"] = u.cfg.Agent
	meta["id"] = shared["PatientID"]
	return meta
}

func (u *Uploader) policy(target string, retryable func(error) bool) retry.Policy {
	p := u.cfg.Retry
	p.Retryable = retryable
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		u.deps.Metrics.IncRetry(target)
		u.deps.Logger.Warn("external call failed, retrying",
			zap.String("target", target),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return p
}
