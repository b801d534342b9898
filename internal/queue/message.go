package queue

import (
	"fmt"
	"strings"
)

// Stage names one step of the batch pipeline.
type Stage string

const (
	StageImport  Stage = "import"
	StageExtract Stage = "extract"
	StageReplace Stage = "replace"
	StageUpload  Stage = "upload"
	StageCleanup Stage = "cleanup"
)

var stages = []Stage{StageImport, StageExtract, StageReplace, StageUpload, StageCleanup}

// Stages returns the pipeline stages in order.
func Stages() []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages)
	return out
}

func (s Stage) String() string { return string(s) }

func (s Stage) IsValid() bool {
	for _, st := range stages {
		if s == st {
			return true
		}
	}
	return false
}

// StageMessage is the broker payload handing a batch to the next stage.
type StageMessage struct {
	Stage         Stage    `json:"stage"`
	BatchID       string   `json:"batchId,omitempty"`
	Path          string   `json:"path,omitempty"`
	Study         string   `json:"study,omitempty"`
	BatchIDs      []string `json:"batchIds,omitempty"`
	Drain         bool     `json:"drain,omitempty"`
	RemoveBatch   bool     `json:"removeBatch,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
}

func (m StageMessage) Validate() error {
	if !m.Stage.IsValid() {
		return fmt.Errorf("invalid stage %q", m.Stage)
	}

	switch m.Stage {
	case StageImport:
		if strings.TrimSpace(m.Path) == "" {
			return fmt.Errorf("path is required for %s", m.Stage)
		}
	case StageUpload:
		if len(m.UploadIDs()) == 0 {
			return fmt.Errorf("batchIds is required for %s", m.Stage)
		}
	default:
		if strings.TrimSpace(m.BatchID) == "" {
			return fmt.Errorf("batchId is required for %s", m.Stage)
		}
	}
	return nil
}

// UploadIDs returns BatchIDs, falling back to BatchID.
func (m StageMessage) UploadIDs() []string {
	ids := make([]string, 0, len(m.BatchIDs)+1)
	for _, id := range m.BatchIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 && strings.TrimSpace(m.BatchID) != "" {
		ids = append(ids, strings.TrimSpace(m.BatchID))
	}
	return ids
}

// MessageID identifies a delivery for broker-side tracing.
func (m StageMessage) MessageID() string {
	switch m.Stage {
	case StageImport:
		return fmt.Sprintf("%s:%s", m.Stage, m.Path)
	case StageUpload:
		return fmt.Sprintf("%s:%s", m.Stage, strings.Join(m.UploadIDs(), ","))
	default:
		return fmt.Sprintf("%s:%s", m.Stage, m.BatchID)
	}
}
