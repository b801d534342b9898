package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kursadbilgin/sendit/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ImageRepository interface {
	GetOrCreate(ctx context.Context, batchID string, uid string) (*domain.Image, bool, error)
	Update(ctx context.Context, img *domain.Image) error
	ListByBatch(ctx context.Context, batchID string) ([]domain.Image, error)
	CountByBatch(ctx context.Context, batchID string) (int64, error)
	UpdateStatusByBatch(ctx context.Context, batchID string, status domain.ImageStatus) error
	Delete(ctx context.Context, id string) error
}

type GormImageRepo struct {
	db *gorm.DB
}

func NewGormImageRepo(db *gorm.DB) *GormImageRepo {
	return &GormImageRepo{db: db}
}

func (r *GormImageRepo) GetOrCreate(ctx context.Context, batchID string, uid string) (*domain.Image, bool, error) {
	model := &ImageModel{
		ID:      uuid.NewString(),
		BatchID: batchID,
		UID:     uid,
		Status:  domain.ImageStatusNew,
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "batch_id"}, {Name: "uid"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return nil, false, result.Error
	}

	var existing ImageModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND uid = ?", batchID, uid).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, domain.ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}
	return imageModelToDomain(&existing), result.RowsAffected == 1, nil
}

func (r *GormImageRepo) Update(ctx context.Context, img *domain.Image) error {
	if img == nil {
		return domain.ErrValidation
	}

	result := r.db.WithContext(ctx).
		Model(&ImageModel{}).
		Where("id = ?", img.ID).
		Updates(map[string]any{
			"name":   img.Name,
			"status": img.Status,
			"path":   img.Path,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormImageRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.Image, error) {
	var models []ImageModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("uid ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	images := make([]domain.Image, 0, len(models))
	for i := range models {
		images = append(images, *imageModelToDomain(&models[i]))
	}
	return images, nil
}

func (r *GormImageRepo) CountByBatch(ctx context.Context, batchID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&ImageModel{}).
		Where("batch_id = ?", batchID).
		Count(&count).Error
	return count, err
}

func (r *GormImageRepo) UpdateStatusByBatch(ctx context.Context, batchID string, status domain.ImageStatus) error {
	return r.db.WithContext(ctx).
		Model(&ImageModel{}).
		Where("batch_id = ?", batchID).
		Update("status", status).Error
}

func (r *GormImageRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&ImageModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
