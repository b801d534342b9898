package storage

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ArchiveMimeType is the content type of dataset archives.
const ArchiveMimeType = "application/gzip"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ArchiveName builds <PatientID>_<StudyDate>_<AccessionNumber>.tar.gz with
// characters outside [A-Za-z0-9._-] replaced by "-".
func ArchiveName(patientID, studyDate, accession string) string {
	parts := []string{patientID, studyDate, accession}
	for i, p := range parts {
		parts[i] = strings.Trim(unsafeName.ReplaceAllString(strings.TrimSpace(p), "-"), "-")
	}
	return strings.Join(parts, "_") + ".tar.gz"
}

// WriteArchive packs files into dir/name as a gzip-compressed tarball using
// their base names. Files that cannot be opened are skipped. It returns the
// archive path and the number of files written; when nothing was written the
// archive is removed.
func WriteArchive(dir, name string, files []string) (string, int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(dir, name)

	out, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create archive: %w", err)
	}

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	written := 0
	for _, file := range files {
		ok, err := addFile(tw, file)
		if err != nil {
			_ = tw.Close()
			_ = gz.Close()
			_ = out.Close()
			_ = os.Remove(path)
			return "", 0, err
		}
		if ok {
			written++
		}
	}

	if err := tw.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("close gzip writer: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("close archive: %w", err)
	}

	if written == 0 {
		_ = os.Remove(path)
		return "", 0, nil
	}
	return path, written, nil
}

func addFile(tw *tar.Writer, path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return false, nil
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return false, fmt.Errorf("tar header for %s: %w", path, err)
	}
	hdr.Name = filepath.Base(path)

	if err := tw.WriteHeader(hdr); err != nil {
		return false, fmt.Errorf("write tar header for %s: %w", path, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return false, fmt.Errorf("write %s to archive: %w", path, err)
	}
	return true, nil
}
