package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kursadbilgin/sendit/internal/deid"
	"github.com/kursadbilgin/sendit/internal/dicomfile"
	"github.com/kursadbilgin/sendit/internal/domain"
	"github.com/kursadbilgin/sendit/internal/queue"
	"go.uber.org/zap"
)

// Importer registers the files of a dropped folder as a batch.
type Importer struct {
	deps   Deps
	cfg    PipelineConfig
	pixels *deid.PixelFilter
}

func NewImporter(deps Deps, cfg PipelineConfig, pixels *deid.PixelFilter) (*Importer, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Importer{deps: deps.withDefaults(), cfg: cfg, pixels: pixels}, nil
}

// scan accumulates the outcome of one pass over a folder.
type scan struct {
	errors   []string
	warnings []string
	size     int64
	series   map[string]domain.SeriesStat
	seen     map[string]struct{}
	dates    map[string]int
	patients map[string]struct{}
}

func newScan() *scan {
	return &scan{
		series:   make(map[string]domain.SeriesStat),
		seen:     make(map[string]struct{}),
		dates:    make(map[string]int),
		patients: make(map[string]struct{}),
	}
}

// Import scans dir, moves accepted images into managed storage and hands the
// batch to the extractor. Redelivery after a completed scan only repeats the
// hand-off.
func (i *Importer) Import(ctx context.Context, dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidInput, dir)
	}

	logger := i.deps.logger(ctx)
	uid := filepath.Base(filepath.Clean(dir))

	batch, _, err := i.deps.Batches.GetOrCreate(ctx, uid, domain.BatchStatusNew)
	if err != nil {
		return fmt.Errorf("failed to get batch %s: %w", uid, err)
	}
	if batch.Status != domain.BatchStatusNew && batch.Status != domain.BatchStatusQueue {
		logger.Info("batch already imported, skipping",
			zap.String("batchId", batch.ID),
			zap.String("status", batch.Status.String()),
		)
		return nil
	}
	if batch.QA.ImportFinishTime != nil {
		return i.handOff(ctx, batch)
	}

	start := i.deps.Now().UTC()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}

	s := newScan()
	total := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		total++
		if err := i.importFile(ctx, batch.ID, filepath.Join(dir, entry.Name()), s); err != nil {
			return err
		}
	}

	dates := sortedKeys(s.dates)
	if len(dates) > 1 {
		s.errors = append(s.errors, "multiple study dates found: "+strings.Join(dates, ", "))
	}

	multiPatient := false
	if len(s.patients) > 1 {
		msg := "multiple patients found: " + strings.Join(sortedSet(s.patients), ", ")
		if i.cfg.RejectMultiPatient {
			s.errors = append(s.errors, msg)
			multiPatient = true
		} else {
			s.warnings = append(s.warnings, msg)
		}
	}

	var flagged []string
	for series := range s.seen {
		if _, ok := s.series[series]; !ok {
			flagged = append(flagged, series)
		}
	}
	sort.Strings(flagged)

	count, err := i.deps.Images.CountByBatch(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("failed to count images: %w", err)
	}

	finished := i.deps.Now().UTC()
	batch, err = i.deps.Batches.Mutate(ctx, batch.ID, func(b *domain.Batch) error {
		b.QA.StartTime = &start
		b.QA.ImportFinishTime = &finished
		b.QA.SizeBytes = s.size
		b.QA.NumberOfSeries = len(s.series)
		b.QA.Series = s.series
		b.QA.FlaggedSeries = flagged
		b.QA.StudyDate = s.dates
		b.Logs.DICOMDir = dir
		b.Logs.StartingImageCount = total
		for _, msg := range s.errors {
			b.AddError(msg)
		}
		for _, msg := range s.warnings {
			b.AddWarning(msg)
		}

		switch {
		case multiPatient:
			b.Finish(finished)
			return b.SetStatus(domain.BatchStatusError)
		case count == 0:
			b.AddWarning("no images accepted")
			b.Finish(finished)
			return b.SetStatus(domain.BatchStatusEmpty)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save import results: %w", err)
	}

	logger.Info("batch imported",
		zap.String("batchId", batch.ID),
		zap.String("uid", batch.UID),
		zap.Int64("images", count),
		zap.Int("files", total),
		zap.Int("errors", len(s.errors)),
	)

	if batch.Status.IsTerminal() {
		i.deps.Metrics.IncBatchFinished(batch.Status.String())
		return nil
	}
	return i.handOff(ctx, batch)
}

func (i *Importer) importFile(ctx context.Context, batchID string, path string, s *scan) error {
	name := filepath.Base(path)
	if info, err := os.Stat(path); err == nil {
		s.size += info.Size()
	}

	header, err := i.deps.Codec.ReadHeader(path)
	if err != nil {
		if errors.Is(err, dicomfile.ErrInvalidFile) {
			s.errors = append(s.errors, fmt.Sprintf("%s is not a valid DICOM file", name))
			return nil
		}
		s.errors = append(s.errors, fmt.Sprintf("%s could not be read: %v", name, err))
		return nil
	}
	if err := header.Require(i.cfg.Keys.EntityField, i.cfg.Keys.ItemField); err != nil {
		field := strings.TrimPrefix(err.Error(), dicomfile.ErrMissingField.Error()+": ")
		s.errors = append(s.errors, fmt.Sprintf("%s is missing %s", name, field))
		return nil
	}

	series := header.Get("SeriesNumber")
	s.seen[series] = struct{}{}

	if i.pixels.Flagged(header.Fields) {
		msg := fmt.Sprintf("%s flagged for burned-in pixel annotation, skipped", name)
		if i.cfg.ScrubPixels {
			msg += " (pixel scrubbing is not available)"
		}
		s.warnings = append(s.warnings, msg)
		return nil
	}

	img, _, err := i.deps.Images.GetOrCreate(ctx, batchID, name)
	if err != nil {
		return fmt.Errorf("failed to register image %s: %w", name, err)
	}
	saved, err := i.deps.Files.Save(batchID, path)
	if err != nil {
		return fmt.Errorf("failed to store image %s: %w", name, err)
	}
	img.Name = name
	img.Path = saved
	if err := i.deps.Images.Update(ctx, img); err != nil {
		return fmt.Errorf("failed to update image %s: %w", name, err)
	}

	stat := s.series[series]
	stat.Count++
	if stat.Description == "" {
		stat.Description = header.Get("SeriesDescription")
	}
	s.series[series] = stat

	date := header.Get("AcquisitionDate")
	if date == "" {
		date = header.Get("StudyDate")
	}
	if date != "" {
		s.dates[date]++
	}
	if patient := header.Get(i.cfg.Keys.EntityField); patient != "" {
		s.patients[patient] = struct{}{}
	}
	return nil
}

// handOff ends an imported batch as EMPTY or sends it to extraction.
func (i *Importer) handOff(ctx context.Context, batch *domain.Batch) error {
	count, err := i.deps.Images.CountByBatch(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("failed to count images: %w", err)
	}
	if count == 0 {
		return i.deps.markEmpty(ctx, batch.ID, "no images accepted")
	}

	return i.deps.Dispatcher.Dispatch(ctx, queue.StageMessage{
		Stage:   queue.StageExtract,
		BatchID: batch.ID,
		Study:   i.cfg.Study,
	})
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSet(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
