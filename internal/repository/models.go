package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/sendit/internal/domain"
	"gorm.io/datatypes"
)

// BatchModel is the persistence model for the batches table.
type BatchModel struct {
	ID        string             `gorm:"type:uuid;primaryKey"`
	UID       string             `gorm:"column:uid;type:varchar(255);not null;uniqueIndex"`
	Status    domain.BatchStatus `gorm:"type:varchar(20);not null;index"`
	HasError  bool               `gorm:"column:has_error;not null;default:false"`
	QA        datatypes.JSON     `gorm:"column:qa"`
	Logs      datatypes.JSON     `gorm:"column:logs"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (BatchModel) TableName() string {
	return "batches"
}

// ImageModel is the persistence model for the images table.
type ImageModel struct {
	ID        string             `gorm:"type:uuid;primaryKey"`
	BatchID   string             `gorm:"type:uuid;not null;uniqueIndex:idx_images_batch_uid"`
	UID       string             `gorm:"column:uid;type:varchar(255);not null;uniqueIndex:idx_images_batch_uid"`
	Name      string             `gorm:"type:varchar(255)"`
	Status    domain.ImageStatus `gorm:"type:varchar(20);not null"`
	Path      string             `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ImageModel) TableName() string {
	return "images"
}

// BatchIdentifiersModel is the persistence model for batch_identifiers.
type BatchIdentifiersModel struct {
	ID        string         `gorm:"type:uuid;primaryKey"`
	BatchID   string         `gorm:"type:uuid;not null;uniqueIndex"`
	Response  datatypes.JSON `gorm:"column:response"`
	IDs       datatypes.JSON `gorm:"column:ids"`
	Shared    datatypes.JSON `gorm:"column:shared"`
	Updated   datatypes.JSON `gorm:"column:updated"`
	Cleaned   datatypes.JSON `gorm:"column:cleaned"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (BatchIdentifiersModel) TableName() string {
	return "batch_identifiers"
}

func batchModelFromDomain(b *domain.Batch) (*BatchModel, error) {
	if b == nil {
		return nil, nil
	}

	qa, err := marshalJSON(b.QA)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch qa: %w", err)
	}
	logs, err := marshalJSON(b.Logs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch logs: %w", err)
	}

	return &BatchModel{
		ID:        b.ID,
		UID:       b.UID,
		Status:    b.Status,
		HasError:  len(b.Logs.Errors) > 0,
		QA:        qa,
		Logs:      logs,
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}, nil
}

func batchModelToDomain(m *BatchModel) (*domain.Batch, error) {
	if m == nil {
		return nil, nil
	}

	b := &domain.Batch{
		ID:        m.ID,
		UID:       m.UID,
		Status:    m.Status,
		HasError:  m.HasError,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if err := unmarshalJSON(m.QA, &b.QA); err != nil {
		return nil, fmt.Errorf("failed to decode batch qa: %w", err)
	}
	if err := unmarshalJSON(m.Logs, &b.Logs); err != nil {
		return nil, fmt.Errorf("failed to decode batch logs: %w", err)
	}
	return b, nil
}

func imageModelFromDomain(i *domain.Image) *ImageModel {
	if i == nil {
		return nil
	}

	return &ImageModel{
		ID:        i.ID,
		BatchID:   i.BatchID,
		UID:       i.UID,
		Name:      i.Name,
		Status:    i.Status,
		Path:      i.Path,
		CreatedAt: i.CreatedAt,
		UpdatedAt: i.UpdatedAt,
	}
}

func imageModelToDomain(m *ImageModel) *domain.Image {
	if m == nil {
		return nil
	}

	return &domain.Image{
		ID:        m.ID,
		BatchID:   m.BatchID,
		UID:       m.UID,
		Name:      m.Name,
		Status:    m.Status,
		Path:      m.Path,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func identifiersModelFromDomain(ids *domain.BatchIdentifiers) (*BatchIdentifiersModel, error) {
	if ids == nil {
		return nil, nil
	}

	m := &BatchIdentifiersModel{
		ID:        ids.ID,
		BatchID:   ids.BatchID,
		CreatedAt: ids.CreatedAt,
		UpdatedAt: ids.UpdatedAt,
	}

	fields := []struct {
		name string
		src  any
		dst  *datatypes.JSON
	}{
		{name: "response", src: ids.Response, dst: &m.Response},
		{name: "ids", src: ids.IDs, dst: &m.IDs},
		{name: "shared", src: ids.Shared, dst: &m.Shared},
		{name: "updated", src: ids.Updated, dst: &m.Updated},
		{name: "cleaned", src: ids.Cleaned, dst: &m.Cleaned},
	}
	for _, f := range fields {
		encoded, err := marshalJSON(f.src)
		if err != nil {
			return nil, fmt.Errorf("failed to encode identifiers %s: %w", f.name, err)
		}
		*f.dst = encoded
	}

	return m, nil
}

func identifiersModelToDomain(m *BatchIdentifiersModel) (*domain.BatchIdentifiers, error) {
	if m == nil {
		return nil, nil
	}

	ids := &domain.BatchIdentifiers{
		ID:        m.ID,
		BatchID:   m.BatchID,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}

	fields := []struct {
		name string
		src  datatypes.JSON
		dst  any
	}{
		{name: "response", src: m.Response, dst: &ids.Response},
		{name: "ids", src: m.IDs, dst: &ids.IDs},
		{name: "shared", src: m.Shared, dst: &ids.Shared},
		{name: "updated", src: m.Updated, dst: &ids.Updated},
		{name: "cleaned", src: m.Cleaned, dst: &ids.Cleaned},
	}
	for _, f := range fields {
		if err := unmarshalJSON(f.src, f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode identifiers %s: %w", f.name, err)
		}
	}

	return ids, nil
}

func marshalJSON(v any) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func unmarshalJSON(raw datatypes.JSON, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
