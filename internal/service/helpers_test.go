package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/sendit/internal/deid"
	"github.com/kursadbilgin/sendit/internal/dicomfile"
	"github.com/kursadbilgin/sendit/internal/domain"
	"github.com/kursadbilgin/sendit/internal/filestore"
	"github.com/kursadbilgin/sendit/internal/identifier"
	"github.com/kursadbilgin/sendit/internal/infra/postgresql/migrations"
	"github.com/kursadbilgin/sendit/internal/queue"
	"github.com/kursadbilgin/sendit/internal/repository"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testKeys = deid.Keys{
	EntityField: "PatientID",
	ItemField:   "SOPInstanceUID",
	CodedFields: []string{"AccessionNumber"},
}

// testEnv wires the pipeline stages against sqlite, a temp media root and a
// JSON stand-in for DICOM files.
type testEnv struct {
	deps       Deps
	batches    *repository.GormBatchRepo
	images     *repository.GormImageRepo
	ids        *repository.GormIdentifiersRepo
	dispatcher *recordingDispatcher
	mediaRoot  string
	inputRoot  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "sendit.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}
	if err := migrations.Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB() error = %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	mediaRoot := filepath.Join(t.TempDir(), "media")
	files, err := filestore.New(mediaRoot)
	if err != nil {
		t.Fatalf("filestore.New() error = %v", err)
	}

	env := &testEnv{
		batches:    repository.NewGormBatchRepo(db),
		images:     repository.NewGormImageRepo(db),
		ids:        repository.NewGormIdentifiersRepo(db),
		dispatcher: &recordingDispatcher{},
		mediaRoot:  mediaRoot,
		inputRoot:  t.TempDir(),
	}
	env.deps = Deps{
		Batches:     env.batches,
		Images:      env.images,
		Identifiers: env.ids,
		Files:       files,
		Codec:       jsonCodec{},
		Dispatcher:  env.dispatcher,
		Logger:      zap.NewNop(),
		Now:         func() time.Time { return time.Date(2016, 5, 25, 12, 0, 0, 0, time.UTC) },
	}
	return env
}

func testPipelineConfig(t *testing.T) PipelineConfig {
	t.Helper()

	policy, err := deid.LoadPolicy("dicom.blacklist", "")
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	return PipelineConfig{
		Keys:          testKeys,
		Policy:        policy,
		LookupEnabled: true,
		Study:         "test",
	}
}

// writeFolder creates <inputRoot>/<name> holding one JSON header file per entry.
func (e *testEnv) writeFolder(t *testing.T, name string, files map[string]domain.Fields) string {
	t.Helper()

	dir := filepath.Join(e.inputRoot, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	for file, fields := range files {
		writeHeader(t, filepath.Join(dir, file), fields)
	}
	return dir
}

// importFolder imports files as batch name and returns the batch id.
func (e *testEnv) importFolder(t *testing.T, cfg PipelineConfig, name string, files map[string]domain.Fields) string {
	t.Helper()

	importer, err := NewImporter(e.deps, cfg, nil)
	if err != nil {
		t.Fatalf("NewImporter() error = %v", err)
	}
	if err := importer.Import(context.Background(), e.writeFolder(t, name, files)); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	batch, err := e.batches.GetByUID(context.Background(), name)
	if err != nil {
		t.Fatalf("GetByUID() error = %v", err)
	}
	return batch.ID
}

func (e *testEnv) batch(t *testing.T, id string) *domain.Batch {
	t.Helper()

	batch, err := e.batches.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	return batch
}

func (e *testEnv) imagesOf(t *testing.T, batchID string) []domain.Image {
	t.Helper()

	images, err := e.images.ListByBatch(context.Background(), batchID)
	if err != nil {
		t.Fatalf("ListByBatch() error = %v", err)
	}
	return images
}

func twoImages() map[string]domain.Fields {
	return map[string]domain.Fields{
		"1.2.3.1.dcm": {
			"PatientID":         "MRN-0001",
			"PatientName":       "Doe^Jane",
			"SOPInstanceUID":    "1.2.3.1",
			"AccessionNumber":   "ACC123",
			"StudyDate":         "20160525",
			"SeriesNumber":      "1",
			"SeriesInstanceUID": "1.2.3",
			"SeriesDescription": "AXIAL",
			"Modality":          "CT",
			"PatientSex":        "F",
		},
		"1.2.3.2.dcm": {
			"PatientID":         "MRN-0001",
			"PatientName":       "Doe^Jane",
			"SOPInstanceUID":    "1.2.3.2",
			"AccessionNumber":   "ACC123",
			"StudyDate":         "20160525",
			"SeriesNumber":      "1",
			"SeriesInstanceUID": "1.2.3",
			"Modality":          "CT",
			"PatientSex":        "F",
		},
	}
}

func serviceResults() []domain.EntityResult {
	return []domain.EntityResult{{
		ID:   "MRN0001",
		SUID: "IR0001fa6",
		Items: []domain.ItemResult{
			{
				ID:                "1.2.3.1",
				SUID:              "IR661B54",
				JitteredTimestamp: "2016-05-20T00:00:00Z",
				CustomFields:      []domain.CustomField{{Key: "AccessionNumber", Value: "CODEDACC"}},
			},
			{
				ID:                "1.2.3.2",
				SUID:              "IR661B55",
				JitteredTimestamp: "2016-05-20T00:00:00Z",
				CustomFields:      []domain.CustomField{{Key: "AccessionNumber", Value: "CODEDACC"}},
			},
		},
	}}
}

func writeHeader(t *testing.T, path string, fields domain.Fields) {
	t.Helper()

	raw, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func readHeader(t *testing.T, path string) domain.Fields {
	t.Helper()

	header, err := jsonCodec{}.ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader(%s) error = %v", path, err)
	}
	return header.Fields
}

// jsonCodec stores a header as a JSON object. Anything else is not a valid file.
type jsonCodec struct{}

func (jsonCodec) ReadHeader(path string) (dicomfile.Header, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return dicomfile.Header{}, err
	}
	var fields domain.Fields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return dicomfile.Header{}, fmt.Errorf("%w: %s", dicomfile.ErrInvalidFile, filepath.Base(path))
	}
	return dicomfile.Header{Fields: fields}, nil
}

func (c jsonCodec) Rewrite(src string, dst string, edit dicomfile.Edit) error {
	header, err := c.ReadHeader(src)
	if err != nil {
		return err
	}
	for _, name := range edit.Remove {
		delete(header.Fields, name)
	}
	for name, value := range edit.Set {
		header.Fields[name] = value
	}
	raw, err := json.Marshal(header.Fields)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, raw, 0o644)
}

type recordingDispatcher struct {
	mu         sync.Mutex
	messages   []queue.StageMessage
	dispatchFn func(ctx context.Context, msg queue.StageMessage) error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, msg queue.StageMessage) error {
	if d.dispatchFn != nil {
		if err := d.dispatchFn(ctx, msg); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, msg)
	return nil
}

// ofStage returns the recorded messages of one stage.
func (d *recordingDispatcher) ofStage(stage queue.Stage) []queue.StageMessage {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []queue.StageMessage
	for _, msg := range d.messages {
		if msg.Stage == stage {
			out = append(out, msg)
		}
	}
	return out
}

type fakeIdentifierService struct {
	deidentifyFn func(ctx context.Context, study string, req identifier.Request) ([]domain.EntityResult, error)
}

func (f *fakeIdentifierService) Deidentify(ctx context.Context, study string, req identifier.Request) ([]domain.EntityResult, error) {
	if f.deidentifyFn != nil {
		return f.deidentifyFn(ctx, study, req)
	}
	return serviceResults(), nil
}
