package service

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/kursadbilgin/sendit/internal/domain"
	"github.com/kursadbilgin/sendit/internal/queue"
	"go.uber.org/zap"
)

func newTestOrchestrator(t *testing.T, env *testEnv, folders []string) *Orchestrator {
	t.Helper()

	orchestrator, err := NewOrchestrator(env.batches, env.dispatcher, env.inputRoot, folders, zap.NewNop())
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return orchestrator
}

func mkdirs(t *testing.T, root string, names ...string) {
	t.Helper()

	for _, name := range names {
		if err := os.MkdirAll(filepath.Join(root, name), 0o755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
	}
}

// seedBatch creates a batch and moves it to status.
func seedBatch(t *testing.T, env *testEnv, uid string, status domain.BatchStatus, mutate func(b *domain.Batch)) *domain.Batch {
	t.Helper()

	batch, _, err := env.batches.GetOrCreate(context.Background(), uid, domain.BatchStatusNew)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	batch, err = env.batches.Mutate(context.Background(), batch.ID, func(b *domain.Batch) error {
		if mutate != nil {
			mutate(b)
		}
		return b.SetStatus(status)
	})
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	return batch
}

func importPaths(msgs []queue.StageMessage) []string {
	paths := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		paths = append(paths, msg.Path)
	}
	return paths
}

// assertDraining fails unless every message asks the uploader to queue the next folder.
func assertDraining(t *testing.T, msgs []queue.StageMessage) {
	t.Helper()

	for _, msg := range msgs {
		if !msg.Drain {
			t.Fatalf("message %+v has Drain = false", msg)
		}
	}
}

func TestOrchestratorStartQueueQueuesNewFolders(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	mkdirs(t, env.inputRoot, "ACC1", "ACC2", "ACC3", ".hidden")
	if err := os.WriteFile(filepath.Join(env.inputRoot, "stray.dcm"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	seedBatch(t, env, "ACC2", domain.BatchStatusDone, nil)

	orchestrator := newTestOrchestrator(t, env, nil)
	queued, err := orchestrator.StartQueue(context.Background(), 0)
	if err != nil {
		t.Fatalf("StartQueue() error = %v", err)
	}
	if queued != 2 {
		t.Fatalf("queued = %d, want 2", queued)
	}

	want := []string{filepath.Join(env.inputRoot, "ACC1"), filepath.Join(env.inputRoot, "ACC3")}
	if got := importPaths(env.dispatcher.ofStage(queue.StageImport)); !slices.Equal(got, want) {
		t.Fatalf("import paths = %v, want %v", got, want)
	}
	assertDraining(t, env.dispatcher.ofStage(queue.StageImport))

	batch, err := env.batches.GetByUID(context.Background(), "ACC1")
	if err != nil {
		t.Fatalf("GetByUID() error = %v", err)
	}
	if batch.Status != domain.BatchStatusQueue || batch.Logs.DICOMDir != want[0] {
		t.Fatalf("batch = %s dir=%q, want QUEUE %q", batch.Status, batch.Logs.DICOMDir, want[0])
	}

	queued, err = orchestrator.StartQueue(context.Background(), 0)
	if err != nil {
		t.Fatalf("second StartQueue() error = %v", err)
	}
	if queued != 0 {
		t.Fatalf("second queued = %d, want 0", queued)
	}
}

func TestOrchestratorStartQueueHonorsLimitAndFolders(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	mkdirs(t, env.inputRoot, "in1/ACC1", "in1/ACC2", "in2/ACC3", "other/ACC4")

	orchestrator := newTestOrchestrator(t, env, []string{"in1", "in2"})
	queued, err := orchestrator.StartQueue(context.Background(), 2)
	if err != nil {
		t.Fatalf("StartQueue() error = %v", err)
	}
	if queued != 2 {
		t.Fatalf("queued = %d, want 2", queued)
	}

	queued, err = orchestrator.StartQueue(context.Background(), 0)
	if err != nil {
		t.Fatalf("StartQueue() error = %v", err)
	}
	if queued != 1 {
		t.Fatalf("queued = %d, want 1", queued)
	}

	queued, err = orchestrator.StartQueueFrom(context.Background(), "other", 0)
	if err != nil {
		t.Fatalf("StartQueueFrom() error = %v", err)
	}
	if queued != 1 {
		t.Fatalf("queued from other = %d, want 1", queued)
	}
	if got := len(env.dispatcher.ofStage(queue.StageImport)); got != 4 {
		t.Fatalf("import messages = %d, want 4", got)
	}
}

func TestOrchestratorMoveQueueRepublishesStuckBatches(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	seedBatch(t, env, "ACC1", domain.BatchStatusQueue, func(b *domain.Batch) { b.Logs.DICOMDir = "/data/ACC1" })
	seedBatch(t, env, "ACC2", domain.BatchStatusQueue, nil)
	seedBatch(t, env, "ACC3", domain.BatchStatusProcessing, func(b *domain.Batch) { b.Logs.DICOMDir = "/data/ACC3" })

	moved, err := newTestOrchestrator(t, env, nil).MoveQueue(context.Background(), 0)
	if err != nil {
		t.Fatalf("MoveQueue() error = %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved = %d, want 1", moved)
	}
	if got := importPaths(env.dispatcher.ofStage(queue.StageImport)); !slices.Equal(got, []string{"/data/ACC1"}) {
		t.Fatalf("import paths = %v", got)
	}
	assertDraining(t, env.dispatcher.ofStage(queue.StageImport))
}

func TestOrchestratorUploadFinishedSplitsGroups(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	for _, uid := range []string{"ACC1", "ACC2", "ACC3", "ACC4", "ACC5"} {
		seedBatch(t, env, uid, domain.BatchStatusDoneProcessing, nil)
	}
	seedBatch(t, env, "ACC6", domain.BatchStatusDone, nil)

	sent, err := newTestOrchestrator(t, env, nil).UploadFinished(context.Background(), 2)
	if err != nil {
		t.Fatalf("UploadFinished() error = %v", err)
	}
	if sent != 2 {
		t.Fatalf("groups = %d, want 2", sent)
	}

	uploads := env.dispatcher.ofStage(queue.StageUpload)
	if len(uploads[0].BatchIDs) != 3 || len(uploads[1].BatchIDs) != 2 {
		t.Fatalf("group sizes = %d,%d, want 3,2", len(uploads[0].BatchIDs), len(uploads[1].BatchIDs))
	}
}

func TestOrchestratorReports(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	seedBatch(t, env, "ACC1", domain.BatchStatusError, func(b *domain.Batch) { b.AddError("identifier lookup failed") })
	seedBatch(t, env, "ACC2", domain.BatchStatusDone, func(b *domain.Batch) {
		b.QA.SizeBytes = 2048
		b.QA.ElapsedTime = 12.5
		b.Logs.ImageCount = 3
	})

	orchestrator := newTestOrchestrator(t, env, nil)

	failed, err := orchestrator.ErrorBatches(context.Background(), nil)
	if err != nil {
		t.Fatalf("ErrorBatches() error = %v", err)
	}
	if len(failed) != 1 || failed[0].UID != "ACC1" {
		t.Fatalf("error batches = %+v", failed)
	}
	filtered, err := orchestrator.ErrorBatches(context.Background(), []string{"ACC2"})
	if err != nil {
		t.Fatalf("ErrorBatches() error = %v", err)
	}
	if len(filtered) != 0 {
		t.Fatalf("filtered error batches = %d, want 0", len(filtered))
	}

	timings, err := orchestrator.Timings(context.Background())
	if err != nil {
		t.Fatalf("Timings() error = %v", err)
	}
	want := Timing{UID: "ACC2", SizeBytes: 2048, ElapsedSeconds: 12.5, Images: 3}
	if len(timings) != 1 || timings[0] != want {
		t.Fatalf("timings = %+v, want [%+v]", timings, want)
	}
}

func TestOrchestratorClearErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	seedBatch(t, env, "ACC1", domain.BatchStatusError, func(b *domain.Batch) { b.AddError("identifier lookup failed") })
	seedBatch(t, env, "ACC2", domain.BatchStatusError, func(b *domain.Batch) { b.AddError("upload failed") })
	seedBatch(t, env, "ACC3", domain.BatchStatusDone, nil)

	orchestrator := newTestOrchestrator(t, env, nil)

	cleared, err := orchestrator.ClearErrors(context.Background(), []string{"ACC1", "ACC3"})
	if err != nil {
		t.Fatalf("ClearErrors() error = %v", err)
	}
	if cleared != 1 {
		t.Fatalf("cleared = %d, want 1", cleared)
	}

	batch, err := env.batches.GetByUID(context.Background(), "ACC1")
	if err != nil {
		t.Fatalf("GetByUID() error = %v", err)
	}
	if batch.HasError || len(batch.Logs.Errors) != 0 {
		t.Fatalf("ACC1 HasError=%v errors=%v, want cleared", batch.HasError, batch.Logs.Errors)
	}
	if batch.Status != domain.BatchStatusError {
		t.Fatalf("ACC1 status = %s, want ERROR", batch.Status)
	}

	failed, err := orchestrator.ErrorBatches(context.Background(), nil)
	if err != nil {
		t.Fatalf("ErrorBatches() error = %v", err)
	}
	if len(failed) != 1 || failed[0].UID != "ACC2" {
		t.Fatalf("error batches = %+v, want [ACC2]", failed)
	}

	cleared, err = orchestrator.ClearErrors(context.Background(), nil)
	if err != nil {
		t.Fatalf("second ClearErrors() error = %v", err)
	}
	if cleared != 1 {
		t.Fatalf("second cleared = %d, want 1", cleared)
	}
}

func TestNewOrchestratorValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	if _, err := NewOrchestrator(nil, env.dispatcher, "/data", nil, nil); err == nil {
		t.Fatal("NewOrchestrator() without repository error = nil, want error")
	}
	if _, err := NewOrchestrator(env.batches, env.dispatcher, " ", nil, nil); err == nil {
		t.Fatal("NewOrchestrator() without base error = nil, want error")
	}
}
