package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/sendit/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IdentifiersRepository interface {
	GetByBatch(ctx context.Context, batchID string) (*domain.BatchIdentifiers, error)
	Save(ctx context.Context, ids *domain.BatchIdentifiers) error
}

type GormIdentifiersRepo struct {
	db *gorm.DB
}

func NewGormIdentifiersRepo(db *gorm.DB) *GormIdentifiersRepo {
	return &GormIdentifiersRepo{db: db}
}

func (r *GormIdentifiersRepo) GetByBatch(ctx context.Context, batchID string) (*domain.BatchIdentifiers, error) {
	var model BatchIdentifiersModel
	err := r.db.WithContext(ctx).First(&model, "batch_id = ?", batchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return identifiersModelToDomain(&model)
}

// Save creates the identifiers of a batch or overwrites the existing row.
func (r *GormIdentifiersRepo) Save(ctx context.Context, ids *domain.BatchIdentifiers) error {
	if ids == nil || ids.BatchID == "" {
		return domain.ErrValidation
	}
	if ids.ID == "" {
		ids.ID = uuid.NewString()
	}
	ids.UpdatedAt = time.Now().UTC()

	model, err := identifiersModelFromDomain(ids)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "batch_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"response", "ids", "shared", "updated", "cleaned", "updated_at"}),
		}).
		Create(model).Error
}
