// Package storage packages de-identified batches and sends them to long-term
// object storage and, optionally, to a PACS.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/kursadbilgin/sendit/internal/domain"
)

// Dataset is one batch upload.
type Dataset struct {
	// Images are local files uploaded under <Collection>/<UID>/.
	Images     []string
	Collection string
	UID        string
	MimeType   string
	// ImagesMetadata is keyed by file name inside the archive.
	ImagesMetadata map[string]domain.Fields
	EntityMetadata map[string]string
	Permission     string
}

// DatasetStore is the object storage port used by the uploader.
type DatasetStore interface {
	CreateCollection(ctx context.Context, collection string) error
	UploadDataset(ctx context.Context, dataset Dataset) error
}

// Factory opens a DatasetStore. The uploader calls it once per run.
type Factory func(ctx context.Context) (DatasetStore, error)

// Error is a classified storage failure.
type Error struct {
	Op         string
	StatusCode int
	Transient  bool
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 3)
	parts = append(parts, "storage "+e.Op)
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether a storage error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var storageErr *Error
	if errors.As(err, &storageErr) {
		return storageErr.Transient
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

func transientStatus(code int) bool {
	return code == 408 || code == 429 || (code >= 500 && code <= 599)
}
