// Package dicomfile reads DICOM headers and rewrites DICOM files.
package dicomfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kursadbilgin/sendit/internal/domain"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

var (
	ErrInvalidFile  = errors.New("invalid dicom file")
	ErrMissingField = errors.New("missing required field")
)

const metadataGroup = 0x0002

// Codec reads and rewrites DICOM files on disk.
type Codec interface {
	ReadHeader(path string) (Header, error)
	Rewrite(src string, dst string, edit Edit) error
}

// Header is the flat set of readable top-level header fields of one file.
type Header struct {
	Fields domain.Fields
}

func (h Header) Get(name string) string {
	return h.Fields[name]
}

// Require returns ErrMissingField for the first absent or empty field.
func (h Header) Require(names ...string) error {
	for _, name := range names {
		if strings.TrimSpace(h.Fields[name]) == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, name)
		}
	}
	return nil
}

// Edit describes a header rewrite.
type Edit struct {
	Set            map[string]string
	Remove         []string
	StripSequences bool
	StripPrivate   bool
}

// FileCodec implements Codec with github.com/suyashkumar/dicom.
type FileCodec struct{}

func NewFileCodec() *FileCodec {
	return &FileCodec{}
}

func (c *FileCodec) ReadHeader(path string) (Header, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return Header{}, fmt.Errorf("%w: %s: %v", ErrInvalidFile, filepath.Base(path), err)
	}

	fields := make(domain.Fields)
	for _, el := range ds.Elements {
		if el == nil || el.Value == nil || el.Tag.Group == metadataGroup || isPrivate(el.Tag) {
			continue
		}
		info, err := tag.Find(el.Tag)
		if err != nil || info.Name == "" {
			continue
		}
		value, ok := formatValue(el.Value)
		if !ok {
			continue
		}
		fields[info.Name] = value
	}

	return Header{Fields: fields}, nil
}

// Rewrite applies edit to src and atomically replaces dst with the result.
// src and dst may be the same path.
func (c *FileCodec) Rewrite(src string, dst string, edit Edit) error {
	ds, err := dicom.ParseFile(src, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidFile, filepath.Base(src), err)
	}

	remove := make(map[tag.Tag]struct{}, len(edit.Remove))
	for _, name := range edit.Remove {
		if info, err := tag.FindByName(name); err == nil {
			remove[info.Tag] = struct{}{}
		}
	}
	set := make(map[tag.Tag]string, len(edit.Set))
	for name, value := range edit.Set {
		if info, err := tag.FindByName(name); err == nil {
			set[info.Tag] = value
		}
	}

	out := dicom.Dataset{Elements: make([]*dicom.Element, 0, len(ds.Elements))}
	for _, el := range ds.Elements {
		if el == nil {
			continue
		}
		if edit.StripPrivate && isPrivate(el.Tag) {
			continue
		}
		if edit.StripSequences && el.Value != nil && el.Value.ValueType() == dicom.Sequences {
			continue
		}
		if _, ok := remove[el.Tag]; ok && el.Tag.Group != metadataGroup {
			continue
		}
		if value, ok := set[el.Tag]; ok && isTextVR(el.ValueRepresentation) {
			v, err := dicom.NewValue([]string{value})
			if err != nil {
				return fmt.Errorf("failed to set %s: %w", el.Tag, err)
			}
			el.Value = v
			delete(set, el.Tag)
		}
		out.Elements = append(out.Elements, el)
	}

	for t, value := range set {
		info, err := tag.Find(t)
		if err != nil || !isTextVR(tag.GetVRKind(t, info.VR)) {
			continue
		}
		el, err := dicom.NewElement(t, []string{value})
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", info.Name, err)
		}
		out.Elements = append(out.Elements, el)
	}

	sort.SliceStable(out.Elements, func(i, j int) bool {
		a, b := out.Elements[i].Tag, out.Elements[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})

	return writeAtomic(dst, out)
}

func writeAtomic(dst string, ds dicom.Dataset) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".rewrite-*.dcm")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after rename

	if err := dicom.Write(tmp, ds, dicom.SkipVRVerification(), dicom.SkipValueTypeVerification()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write dicom: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(dst), err)
	}
	return nil
}

func isPrivate(t tag.Tag) bool {
	return t.Group%2 == 1
}

func isTextVR(kind tag.VRKind) bool {
	switch kind {
	case tag.VRString, tag.VRStringList, tag.VRDate:
		return true
	}
	return false
}

func formatValue(v dicom.Value) (string, bool) {
	switch v.ValueType() {
	case dicom.Strings:
		values, ok := v.GetValue().([]string)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(strings.Join(values, `\`)), true
	case dicom.Ints:
		values, ok := v.GetValue().([]int)
		if !ok {
			return "", false
		}
		parts := make([]string, len(values))
		for i, n := range values {
			parts[i] = strconv.Itoa(n)
		}
		return strings.Join(parts, `\`), true
	case dicom.Floats:
		values, ok := v.GetValue().([]float64)
		if !ok {
			return "", false
		}
		parts := make([]string, len(values))
		for i, f := range values {
			parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return strings.Join(parts, `\`), true
	}
	return "", false
}
