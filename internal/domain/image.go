package domain

import (
	"fmt"
	"strings"
	"time"
)

// ImageStatus mirrors the subset of the batch lifecycle an image goes through.
type ImageStatus string

const (
	ImageStatusNew            ImageStatus = "NEW"
	ImageStatusProcessing     ImageStatus = "PROCESSING"
	ImageStatusDoneProcessing ImageStatus = "DONEPROCESSING"
	ImageStatusSent           ImageStatus = "SENT"
	ImageStatusDone           ImageStatus = "DONE"
)

func (s ImageStatus) String() string { return string(s) }

func (s ImageStatus) IsValid() bool {
	switch s {
	case ImageStatusNew, ImageStatusProcessing, ImageStatusDoneProcessing, ImageStatusSent, ImageStatusDone:
		return true
	}
	return false
}

func ParseImageStatusFromString(s string) (ImageStatus, error) {
	st := ImageStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid image status %q", ErrValidation, s)
	}
	return st, nil
}

// Image is one DICOM file owned by a batch.
type Image struct {
	ID        string
	BatchID   string
	UID       string
	Name      string
	Status    ImageStatus
	Path      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Deidentified reports whether the image left the identifying holding area.
func (i Image) Deidentified() bool {
	return i.Status == ImageStatusDoneProcessing || i.Status == ImageStatusSent
}
