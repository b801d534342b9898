// Package filestore keeps batch images under <root>/<batch id>/ on local disk.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

type Store struct {
	root string
}

func New(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("media root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &Store{root: root}, nil
}

// BatchDir returns the managed directory of a batch.
func (s *Store) BatchDir(batchID string) string {
	return filepath.Join(s.root, batchID)
}

// Save moves src into the batch directory and returns the new path. Saving a
// file that already lives at its managed path is a no-op.
func (s *Store) Save(batchID, src string) (string, error) {
	dir := s.BatchDir(batchID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create batch dir: %w", err)
	}

	dst := filepath.Join(dir, filepath.Base(src))
	if filepath.Clean(src) == dst {
		return dst, nil
	}
	if err := move(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// Remove deletes a file. A missing file is not an error.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// RemoveBatchDir deletes the batch directory and anything left in it.
func (s *Store) RemoveBatchDir(batchID string) error {
	if strings.TrimSpace(batchID) == "" {
		return fmt.Errorf("batch id is required")
	}
	if err := os.RemoveAll(s.BatchDir(batchID)); err != nil {
		return fmt.Errorf("remove batch dir: %w", err)
	}
	return nil
}

// move renames src to dst, copying across filesystems when needed.
func move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("move %s: %w", src, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return os.Remove(src)
}
