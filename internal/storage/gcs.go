package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	collectionMarker = ".collection"
	uploadTimeout    = 10 * time.Minute
)

type GCSConfig struct {
	Project string
	Bucket  string
	// EmulatorHost points the client at a fake-gcs-server when set.
	EmulatorHost string
}

// GCSStore writes datasets to a single Google Cloud Storage bucket.
type GCSStore struct {
	client  *storage.Client
	bucket  string
	project string
	logger  *zap.Logger
}

var _ DatasetStore = (*GCSStore)(nil)

// NewGCSFactory returns a Factory that opens a new GCS client per call.
func NewGCSFactory(cfg GCSConfig, logger *zap.Logger) Factory {
	return func(ctx context.Context) (DatasetStore, error) {
		var opts []option.ClientOption
		if host := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/"); host != "" {
			_ = os.Setenv("STORAGE_EMULATOR_HOST", host)
			opts = append(opts, option.WithoutAuthentication())
		} else {
			opts = append(opts, option.WithScopes(storage.ScopeFullControl))
		}

		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, classifyGCS("open client", err)
		}
		return NewGCSStore(client, cfg, logger)
	}
}

func NewGCSStore(client *storage.Client, cfg GCSConfig, logger *zap.Logger) (*GCSStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GCSStore{
		client:  client,
		bucket:  cfg.Bucket,
		project: cfg.Project,
		logger:  logger,
	}, nil
}

// CreateCollection makes sure the bucket exists and marks the collection
// prefix. Both steps are idempotent.
func (s *GCSStore) CreateCollection(ctx context.Context, collection string) error {
	bkt := s.client.Bucket(s.bucket)

	if _, err := bkt.Attrs(ctx); err != nil {
		if !errors.Is(err, storage.ErrBucketNotExist) {
			return classifyGCS("get bucket", err)
		}
		if err := bkt.Create(ctx, s.project, nil); err != nil && !isStatus(err, http.StatusConflict) {
			return classifyGCS("create bucket", err)
		}
		s.logger.Info("bucket created", zap.String("bucket", s.bucket), zap.String("project", s.project))
	}

	obj := bkt.Object(path.Join(collection, collectionMarker)).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = "text/plain"
	if _, err := io.WriteString(w, collection); err != nil {
		_ = w.Close()
		return classifyGCS("write collection marker", err)
	}
	if err := w.Close(); err != nil && !isStatus(err, http.StatusPreconditionFailed) {
		return classifyGCS("write collection marker", err)
	}
	return nil
}

// UploadDataset writes every image under <collection>/<uid>/ with the entity
// metadata attached, followed by a <name>.json sidecar holding item metadata.
func (s *GCSStore) UploadDataset(ctx context.Context, dataset Dataset) error {
	if len(dataset.Images) == 0 {
		return fmt.Errorf("dataset %s has no images", dataset.UID)
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	bkt := s.client.Bucket(s.bucket)
	prefix := path.Join(dataset.Collection, dataset.UID)

	for _, image := range dataset.Images {
		name := path.Join(prefix, filepath.Base(image))
		if err := s.uploadFile(ctx, bkt.Object(name), image, dataset); err != nil {
			return err
		}

		sidecar, err := json.Marshal(map[string]any{
			"entity": dataset.EntityMetadata,
			"items":  dataset.ImagesMetadata,
		})
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		w := bkt.Object(name + ".json").NewWriter(ctx)
		w.ContentType = "application/json"
		w.PredefinedACL = dataset.Permission
		if _, err := w.Write(sidecar); err != nil {
			_ = w.Close()
			return classifyGCS("write metadata", err)
		}
		if err := w.Close(); err != nil {
			return classifyGCS("write metadata", err)
		}

		s.logger.Info("dataset uploaded",
			zap.String("bucket", s.bucket),
			zap.String("object", name),
		)
	}
	return nil
}

func (s *GCSStore) uploadFile(ctx context.Context, obj *storage.ObjectHandle, file string, dataset Dataset) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()

	w := obj.NewWriter(ctx)
	w.ContentType = dataset.MimeType
	w.Metadata = dataset.EntityMetadata
	w.PredefinedACL = dataset.Permission
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return classifyGCS("write object", err)
	}
	if err := w.Close(); err != nil {
		return classifyGCS("write object", err)
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func classifyGCS(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &Error{Op: op, StatusCode: apiErr.Code, Transient: transientStatus(apiErr.Code), Cause: err}
	}
	if errors.Is(err, storage.ErrBucketNotExist) || errors.Is(err, storage.ErrObjectNotExist) {
		return &Error{Op: op, StatusCode: http.StatusNotFound, Cause: err}
	}
	return &Error{Op: op, Transient: IsTransient(err), Cause: err}
}
