package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/kursadbilgin/sendit/internal/domain"
	"github.com/kursadbilgin/sendit/internal/identifier"
	"github.com/kursadbilgin/sendit/internal/queue"
	"github.com/kursadbilgin/sendit/internal/repository"
)

// extractedBatch imports twoImages and runs extraction against service.
func extractedBatch(t *testing.T, env *testEnv, cfg PipelineConfig, service identifier.Service) string {
	t.Helper()

	batchID := env.importFolder(t, cfg, "ACC123", twoImages())
	extractor, err := NewExtractor(env.deps, cfg, service)
	if err != nil {
		t.Fatalf("NewExtractor() error = %v", err)
	}
	if err := extractor.Extract(context.Background(), batchID, "test"); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	return batchID
}

func TestReplacerRewritesImagesWithSecureIdentifiers(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	cfg := testPipelineConfig(t)
	batchID := extractedBatch(t, env, cfg, &fakeIdentifierService{})

	replacer, err := NewReplacer(env.deps, cfg)
	if err != nil {
		t.Fatalf("NewReplacer() error = %v", err)
	}
	if err := replacer.Replace(context.Background(), batchID); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	images := env.imagesOf(t, batchID)
	if len(images) != 2 {
		t.Fatalf("images = %d, want 2", len(images))
	}
	names := []string{images[0].Name, images[1].Name}
	slices.Sort(names)
	if !slices.Equal(names, []string{"IR661B54.dcm", "IR661B55.dcm"}) {
		t.Fatalf("names = %v", names)
	}

	for _, img := range images {
		if img.Status != domain.ImageStatusDoneProcessing {
			t.Fatalf("image %s status = %s, want DONEPROCESSING", img.Name, img.Status)
		}
		if filepath.Base(img.Path) != img.Name {
			t.Fatalf("path = %s, want base %s", img.Path, img.Name)
		}

		header := readHeader(t, img.Path)
		if header["PatientID"] != "IR0001fa6" {
			t.Fatalf("PatientID = %q, want IR0001fa6", header["PatientID"])
		}
		if header["SOPInstanceUID"]+".dcm" != img.Name {
			t.Fatalf("SOPInstanceUID = %q, want it to match %s", header["SOPInstanceUID"], img.Name)
		}
		if header["AccessionNumber"] != "CODEDACC" {
			t.Fatalf("AccessionNumber = %q, want CODEDACC", header["AccessionNumber"])
		}
		if header["StudyDate"] != "20160520" {
			t.Fatalf("StudyDate = %q, want 20160520", header["StudyDate"])
		}
		if header["PatientIdentityRemoved"] != "YES" {
			t.Fatalf("PatientIdentityRemoved = %q, want YES", header["PatientIdentityRemoved"])
		}
		if _, ok := header["PatientName"]; ok {
			t.Fatal("PatientName must be removed")
		}
	}

	for _, old := range []string{"1.2.3.1.dcm", "1.2.3.2.dcm"} {
		if _, err := os.Stat(filepath.Join(env.mediaRoot, batchID, old)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("original %s still present, stat error = %v", old, err)
		}
	}

	batch := env.batch(t, batchID)
	if batch.Status != domain.BatchStatusDoneProcessing {
		t.Fatalf("status = %s, want DONEPROCESSING", batch.Status)
	}
	if batch.Logs.ImageCount != 2 {
		t.Fatalf("ImageCount = %d, want 2", batch.Logs.ImageCount)
	}

	ids, err := env.ids.GetByBatch(context.Background(), batchID)
	if err != nil {
		t.Fatalf("GetByBatch() error = %v", err)
	}
	if ids.Shared["PatientID"] != "IR0001fa6" || ids.Shared["AccessionNumber"] != "CODEDACC" {
		t.Fatalf("shared = %v", ids.Shared)
	}
	if ids.Shared["NumberOfSeries"] != "1" {
		t.Fatalf("NumberOfSeries = %q, want 1", ids.Shared["NumberOfSeries"])
	}
	if _, ok := ids.Cleaned["IR661B54"]; !ok {
		t.Fatalf("cleaned = %v, want key IR661B54", ids.Cleaned)
	}

	uploads := env.dispatcher.ofStage(queue.StageUpload)
	if len(uploads) != 1 || !slices.Equal(uploads[0].BatchIDs, []string{batchID}) {
		t.Fatalf("upload messages = %+v", uploads)
	}

	// Redelivery after the batch left PROCESSING changes nothing.
	if err := replacer.Replace(context.Background(), batchID); err != nil {
		t.Fatalf("second Replace() error = %v", err)
	}
	if got := len(env.dispatcher.ofStage(queue.StageUpload)); got != 1 {
		t.Fatalf("upload messages = %d, want 1", got)
	}
}

func TestReplacerDropsImagesWithoutMapping(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	cfg := testPipelineConfig(t)
	service := &fakeIdentifierService{
		deidentifyFn: func(ctx context.Context, study string, req identifier.Request) ([]domain.EntityResult, error) {
			results := serviceResults()
			results[0].Items = results[0].Items[:1]
			return results, nil
		},
	}
	batchID := extractedBatch(t, env, cfg, service)

	replacer, err := NewReplacer(env.deps, cfg)
	if err != nil {
		t.Fatalf("NewReplacer() error = %v", err)
	}
	if err := replacer.Replace(context.Background(), batchID); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	images := env.imagesOf(t, batchID)
	if len(images) != 1 || images[0].Name != "IR661B54.dcm" {
		t.Fatalf("images = %+v, want only IR661B54.dcm", images)
	}
	if _, err := os.Stat(filepath.Join(env.mediaRoot, batchID, "1.2.3.2.dcm")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("unmapped file still present, stat error = %v", err)
	}

	batch := env.batch(t, batchID)
	if batch.Status != domain.BatchStatusDoneProcessing {
		t.Fatalf("status = %s, want DONEPROCESSING", batch.Status)
	}
	if !slices.Contains(batch.Logs.Errors, "1.2.3.2.dcm has no identifier mapping") {
		t.Fatalf("errors = %v", batch.Logs.Errors)
	}
	if batch.Logs.ImageCount != 1 {
		t.Fatalf("ImageCount = %d, want 1", batch.Logs.ImageCount)
	}
}

func TestReplacerWithoutImagesLeftMarksEmpty(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	cfg := testPipelineConfig(t)
	service := &fakeIdentifierService{
		deidentifyFn: func(ctx context.Context, study string, req identifier.Request) ([]domain.EntityResult, error) {
			return []domain.EntityResult{{ID: "MRN0001", SUID: "IR0001fa6"}}, nil
		},
	}
	batchID := extractedBatch(t, env, cfg, service)

	replacer, err := NewReplacer(env.deps, cfg)
	if err != nil {
		t.Fatalf("NewReplacer() error = %v", err)
	}
	if err := replacer.Replace(context.Background(), batchID); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	if got := env.batch(t, batchID).Status; got != domain.BatchStatusEmpty {
		t.Fatalf("status = %s, want EMPTY", got)
	}
	cleanups := env.dispatcher.ofStage(queue.StageCleanup)
	if len(cleanups) != 1 || cleanups[0].BatchID != batchID {
		t.Fatalf("cleanup messages = %+v", cleanups)
	}
	if len(env.dispatcher.ofStage(queue.StageUpload)) != 0 {
		t.Fatal("empty batch must not be uploaded")
	}
}

func TestReplacerDeferredUploadDoesNotDispatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	cfg := testPipelineConfig(t)
	cfg.DeferUpload = true
	batchID := extractedBatch(t, env, cfg, &fakeIdentifierService{})

	replacer, err := NewReplacer(env.deps, cfg)
	if err != nil {
		t.Fatalf("NewReplacer() error = %v", err)
	}
	if err := replacer.Replace(context.Background(), batchID); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	if got := env.batch(t, batchID).Status; got != domain.BatchStatusDoneProcessing {
		t.Fatalf("status = %s, want DONEPROCESSING", got)
	}
	if len(env.dispatcher.ofStage(queue.StageUpload)) != 0 {
		t.Fatal("deferred upload must not dispatch")
	}
}

// failingImageRepo fails Update for the images failFn selects.
type failingImageRepo struct {
	repository.ImageRepository
	failFn func(img *domain.Image) bool
}

func (r *failingImageRepo) Update(ctx context.Context, img *domain.Image) error {
	if r.failFn != nil && r.failFn(img) {
		return errors.New("connection reset by peer")
	}
	return r.ImageRepository.Update(ctx, img)
}

// failOnce returns an Update filter that fails the first update of uid.
func failOnce(uid string) func(img *domain.Image) bool {
	failed := false
	return func(img *domain.Image) bool {
		if failed || img.UID != uid {
			return false
		}
		failed = true
		return true
	}
}

func TestReplacerRedeliveryAfterFailedImageUpdate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	cfg := testPipelineConfig(t)
	batchID := extractedBatch(t, env, cfg, &fakeIdentifierService{})

	deps := env.deps
	deps.Images = &failingImageRepo{ImageRepository: env.images, failFn: failOnce("1.2.3.2.dcm")}
	replacer, err := NewReplacer(deps, cfg)
	if err != nil {
		t.Fatalf("NewReplacer() error = %v", err)
	}

	if err := replacer.Replace(context.Background(), batchID); err == nil {
		t.Fatal("first Replace() error = nil, want update failure")
	}
	if got := env.batch(t, batchID).Status; got != domain.BatchStatusProcessing {
		t.Fatalf("status after failure = %s, want PROCESSING", got)
	}

	if err := replacer.Replace(context.Background(), batchID); err != nil {
		t.Fatalf("redelivered Replace() error = %v", err)
	}

	batch := env.batch(t, batchID)
	if batch.Status != domain.BatchStatusDoneProcessing {
		t.Fatalf("status = %s, want DONEPROCESSING", batch.Status)
	}
	if batch.HasError || len(batch.Logs.Errors) != 0 {
		t.Fatalf("errors = %v, want none", batch.Logs.Errors)
	}

	images := env.imagesOf(t, batchID)
	names := make([]string, 0, len(images))
	for _, img := range images {
		names = append(names, img.Name)
	}
	slices.Sort(names)
	if !slices.Equal(names, []string{"IR661B54.dcm", "IR661B55.dcm"}) {
		t.Fatalf("names = %v", names)
	}

	entries, err := os.ReadDir(filepath.Join(env.mediaRoot, batchID))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	onDisk := make([]string, 0, len(entries))
	for _, entry := range entries {
		onDisk = append(onDisk, entry.Name())
	}
	slices.Sort(onDisk)
	if !slices.Equal(onDisk, names) {
		t.Fatalf("files on disk = %v, want %v", onDisk, names)
	}
}
