package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// BatchStatus represents the lifecycle state of a batch.
type BatchStatus string

const (
	BatchStatusNew            BatchStatus = "NEW"
	BatchStatusQueue          BatchStatus = "QUEUE"
	BatchStatusProcessing     BatchStatus = "PROCESSING"
	BatchStatusDoneProcessing BatchStatus = "DONEPROCESSING"
	BatchStatusEmpty          BatchStatus = "EMPTY"
	BatchStatusError          BatchStatus = "ERROR"
	BatchStatusDone           BatchStatus = "DONE"
)

// pipelineOrder ranks the non-shortcut statuses along the pipeline.
var pipelineOrder = map[BatchStatus]int{
	BatchStatusNew:            0,
	BatchStatusQueue:          1,
	BatchStatusProcessing:     2,
	BatchStatusDoneProcessing: 3,
	BatchStatusDone:           4,
}

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusNew, BatchStatusQueue, BatchStatusProcessing, BatchStatusDoneProcessing,
		BatchStatusEmpty, BatchStatusError, BatchStatusDone:
		return true
	}
	return false
}

// IsTerminal reports whether no further stage runs for the status.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusEmpty, BatchStatusError, BatchStatusDone:
		return true
	}
	return false
}

func ParseBatchStatusFromString(s string) (BatchStatus, error) {
	st := BatchStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid batch status %q", ErrValidation, s)
	}
	return st, nil
}

// CanTransition reports whether a batch may move from one status to another.
// Statuses only move forward, except that ERROR and EMPTY can be reached from
// any non-terminal status. Re-entering the current status is allowed.
func CanTransition(from, to BatchStatus) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	if to == BatchStatusError || to == BatchStatusEmpty {
		return true
	}
	return pipelineOrder[to] > pipelineOrder[from]
}

// SeriesStat counts accepted images of one series.
type SeriesStat struct {
	Count       int    `json:"count"`
	Description string `json:"description,omitempty"`
}

// QA holds timing and count measurements for a batch.
type QA struct {
	StartTime        *time.Time            `json:"StartTime,omitempty"`
	FinishTime       *time.Time            `json:"FinishTime,omitempty"`
	ImportFinishTime *time.Time            `json:"ImportFinishTime,omitempty"`
	UploadStartTime  *time.Time            `json:"UploadStartTime,omitempty"`
	UploadFinishTime *time.Time            `json:"UploadFinishTime,omitempty"`
	ElapsedTime      float64               `json:"ElapsedTime,omitempty"`
	SizeBytes        int64                 `json:"SizeBytes,omitempty"`
	NumberOfSeries   int                   `json:"NumberOfSeries,omitempty"`
	Series           map[string]SeriesStat `json:"Series,omitempty"`
	FlaggedSeries    []string              `json:"FlaggedSeries,omitempty"`
	StudyDate        map[string]int        `json:"StudyDate,omitempty"`
	Extra            map[string]any        `json:"extra,omitempty"`
}

// Logs holds the operator-facing messages recorded for a batch.
type Logs struct {
	Errors             []string       `json:"errors,omitempty"`
	Warnings           []string       `json:"warnings,omitempty"`
	DICOMDir           string         `json:"DICOM_DIR,omitempty"`
	StartingImageCount int            `json:"STARTING_IMAGE_COUNT,omitempty"`
	ImageCount         int            `json:"IMAGE_COUNT,omitempty"`
	Extra              map[string]any `json:"extra,omitempty"`
}

// Batch is one imported folder of images.
type Batch struct {
	ID        string
	UID       string
	Status    BatchStatus
	HasError  bool
	QA        QA
	Logs      Logs
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AddError records msg once and keeps HasError in sync with the error list.
func (b *Batch) AddError(msg string) {
	msg = strings.TrimSpace(msg)
	if msg != "" && !slices.Contains(b.Logs.Errors, msg) {
		b.Logs.Errors = append(b.Logs.Errors, msg)
	}
	b.HasError = len(b.Logs.Errors) > 0
}

// AddWarning records msg once. Warnings never set HasError.
func (b *Batch) AddWarning(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" || slices.Contains(b.Logs.Warnings, msg) {
		return
	}
	b.Logs.Warnings = append(b.Logs.Warnings, msg)
}

func (b *Batch) ClearErrors() {
	b.Logs.Errors = nil
	b.HasError = false
}

// SetStatus moves the batch to status, rejecting backward moves.
func (b *Batch) SetStatus(status BatchStatus) error {
	if !CanTransition(b.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, status)
	}
	b.Status = status
	return nil
}

// Finish stamps FinishTime and the elapsed time since StartTime.
func (b *Batch) Finish(now time.Time) {
	finish := now.UTC()
	b.QA.FinishTime = &finish
	if b.QA.StartTime != nil {
		b.QA.ElapsedTime = finish.Sub(*b.QA.StartTime).Seconds()
	}
}
