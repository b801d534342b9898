package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kursadbilgin/sendit/internal/chunk"
	"github.com/kursadbilgin/sendit/internal/domain"
	"github.com/kursadbilgin/sendit/internal/queue"
	"github.com/kursadbilgin/sendit/internal/repository"
	"go.uber.org/zap"
)

const defaultUploadGroups = 16

// Orchestrator feeds folders into the pipeline and reports on batches.
type Orchestrator struct {
	batches    repository.BatchRepository
	dispatcher Dispatcher
	base       string
	folders    []string
	logger     *zap.Logger
}

// NewOrchestrator scans base, or only the listed subfolders of base when
// folders is not empty.
func NewOrchestrator(
	batches repository.BatchRepository,
	dispatcher Dispatcher,
	base string,
	folders []string,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if strings.TrimSpace(base) == "" {
		return nil, fmt.Errorf("data base directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		batches:    batches,
		dispatcher: dispatcher,
		base:       base,
		folders:    folders,
		logger:     logger,
	}, nil
}

// StartQueue queues up to max new folders for import. max <= 0 queues all.
func (o *Orchestrator) StartQueue(ctx context.Context, max int) (int, error) {
	return o.StartQueueFrom(ctx, "", max)
}

// StartQueueFrom is StartQueue restricted to one subfolder of the data base.
func (o *Orchestrator) StartQueueFrom(ctx context.Context, subfolder string, max int) (int, error) {
	roots := o.roots(subfolder)

	queued := 0
	for _, root := range roots {
		dirs, err := listFolders(root)
		if err != nil {
			o.logger.Warn("cannot list input folder", zap.String("root", root), zap.Error(err))
			continue
		}

		uids := make([]string, 0, len(dirs))
		for _, dir := range dirs {
			uids = append(uids, filepath.Base(dir))
		}
		existing, err := o.batches.ExistingUIDs(ctx, uids)
		if err != nil {
			return queued, fmt.Errorf("failed to check existing batches: %w", err)
		}

		for _, dir := range dirs {
			if max > 0 && queued >= max {
				return queued, nil
			}
			uid := filepath.Base(dir)
			if _, ok := existing[uid]; ok {
				continue
			}

			ok, err := o.enqueue(ctx, uid, dir)
			if err != nil {
				return queued, err
			}
			if ok {
				queued++
			}
		}
	}

	o.logger.Info("folders queued", zap.Int("count", queued))
	return queued, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, uid, dir string) (bool, error) {
	batch, created, err := o.batches.GetOrCreate(ctx, uid, domain.BatchStatusQueue)
	if err != nil {
		return false, fmt.Errorf("failed to create batch %s: %w", uid, err)
	}
	if !created {
		return false, nil
	}

	if _, err := o.batches.Mutate(ctx, batch.ID, func(b *domain.Batch) error {
		b.Logs.DICOMDir = dir
		return nil
	}); err != nil {
		return false, fmt.Errorf("failed to record folder of batch %s: %w", uid, err)
	}

	if err := o.dispatcher.Dispatch(ctx, queue.StageMessage{Stage: queue.StageImport, Path: dir, Drain: true}); err != nil {
		return false, err
	}
	return true, nil
}

func (o *Orchestrator) roots(subfolder string) []string {
	if subfolder = strings.TrimSpace(subfolder); subfolder != "" {
		return []string{filepath.Join(o.base, subfolder)}
	}
	if len(o.folders) == 0 {
		return []string{o.base}
	}
	roots := make([]string, 0, len(o.folders))
	for _, folder := range o.folders {
		roots = append(roots, filepath.Join(o.base, folder))
	}
	return roots
}

// listFolders returns the visible subdirectories of root, sorted by name.
func listFolders(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			dirs = append(dirs, filepath.Join(root, entry.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// MoveQueue re-publishes import messages for batches stuck in QUEUE.
func (o *Orchestrator) MoveQueue(ctx context.Context, max int) (int, error) {
	batches, err := o.batches.ListByStatus(ctx, domain.BatchStatusQueue, max)
	if err != nil {
		return 0, fmt.Errorf("failed to list queued batches: %w", err)
	}

	moved := 0
	for _, batch := range batches {
		if batch.Logs.DICOMDir == "" {
			o.logger.Warn("queued batch has no folder, skipping", zap.String("uid", batch.UID))
			continue
		}
		msg := queue.StageMessage{Stage: queue.StageImport, Path: batch.Logs.DICOMDir, Drain: true}
		if err := o.dispatcher.Dispatch(ctx, msg); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// UploadFinished splits DONEPROCESSING batches into groups and publishes one
// upload message per group. It returns the number of messages.
func (o *Orchestrator) UploadFinished(ctx context.Context, groups int) (int, error) {
	if groups <= 0 {
		groups = defaultUploadGroups
	}

	batches, err := o.batches.ListByStatus(ctx, domain.BatchStatusDoneProcessing, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list processed batches: %w", err)
	}
	ids := make([]string, 0, len(batches))
	for _, batch := range batches {
		ids = append(ids, batch.ID)
	}

	sent := 0
	for _, group := range chunk.Split(ids, groups) {
		msg := queue.StageMessage{Stage: queue.StageUpload, BatchIDs: group}
		if err := o.dispatcher.Dispatch(ctx, msg); err != nil {
			return sent, err
		}
		sent++
	}

	o.logger.Info("upload groups dispatched",
		zap.Int("batches", len(ids)),
		zap.Int("groups", sent),
	)
	return sent, nil
}

// ErrorBatches returns batches with errors, optionally limited to uids.
func (o *Orchestrator) ErrorBatches(ctx context.Context, uids []string) ([]domain.Batch, error) {
	batches, err := o.batches.ListWithErrors(ctx, uids)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches with errors: %w", err)
	}
	return batches, nil
}

// ClearErrors empties the error log of the batches with errors, optionally
// limited to uids, and returns how many were cleared.
func (o *Orchestrator) ClearErrors(ctx context.Context, uids []string) (int, error) {
	batches, err := o.ErrorBatches(ctx, uids)
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, batch := range batches {
		if _, err := o.batches.Mutate(ctx, batch.ID, func(b *domain.Batch) error {
			b.ClearErrors()
			return nil
		}); err != nil {
			return cleared, fmt.Errorf("failed to clear errors of batch %s: %w", batch.UID, err)
		}
		cleared++
	}
	return cleared, nil
}

// Timing is the size and processing time of one finished batch.
type Timing struct {
	UID            string
	SizeBytes      int64
	ElapsedSeconds float64
	Images         int
	FinishedAt     *time.Time
}

// Timings returns the measurements of DONE batches.
func (o *Orchestrator) Timings(ctx context.Context) ([]Timing, error) {
	batches, err := o.batches.ListByStatus(ctx, domain.BatchStatusDone, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list finished batches: %w", err)
	}

	timings := make([]Timing, 0, len(batches))
	for _, batch := range batches {
		timings = append(timings, Timing{
			UID:            batch.UID,
			SizeBytes:      batch.QA.SizeBytes,
			ElapsedSeconds: batch.QA.ElapsedTime,
			Images:         batch.Logs.ImageCount,
			FinishedAt:     batch.QA.FinishTime,
		})
	}
	return timings, nil
}
