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

type BatchRepository interface {
	GetOrCreate(ctx context.Context, uid string, status domain.BatchStatus) (*domain.Batch, bool, error)
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
	GetByUID(ctx context.Context, uid string) (*domain.Batch, error)
	ListByStatus(ctx context.Context, status domain.BatchStatus, limit int) ([]domain.Batch, error)
	ListWithErrors(ctx context.Context, uids []string) ([]domain.Batch, error)
	ExistingUIDs(ctx context.Context, uids []string) (map[string]struct{}, error)
	Mutate(ctx context.Context, id string, fn func(b *domain.Batch) error) (*domain.Batch, error)
	Delete(ctx context.Context, id string) error
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

// GetOrCreate inserts a batch for uid unless one exists. created is true only
// for the caller whose insert won.
func (r *GormBatchRepo) GetOrCreate(ctx context.Context, uid string, status domain.BatchStatus) (*domain.Batch, bool, error) {
	model, err := batchModelFromDomain(&domain.Batch{
		ID:     uuid.NewString(),
		UID:    uid,
		Status: status,
	})
	if err != nil {
		return nil, false, err
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uid"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return nil, false, result.Error
	}

	b, err := r.GetByUID(ctx, uid)
	if err != nil {
		return nil, false, err
	}
	return b, result.RowsAffected == 1, nil
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *GormBatchRepo) GetByUID(ctx context.Context, uid string) (*domain.Batch, error) {
	return r.first(ctx, "uid = ?", uid)
}

func (r *GormBatchRepo) first(ctx context.Context, query string, arg any) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, query, arg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model)
}

// ListByStatus returns batches in status, oldest first. limit <= 0 means no limit.
func (r *GormBatchRepo) ListByStatus(ctx context.Context, status domain.BatchStatus, limit int) ([]domain.Batch, error) {
	query := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []BatchModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	return batchesToDomain(models)
}

// ListWithErrors returns batches carrying unresolved errors, optionally
// restricted to the given folder names.
func (r *GormBatchRepo) ListWithErrors(ctx context.Context, uids []string) ([]domain.Batch, error) {
	query := r.db.WithContext(ctx).
		Where("has_error = ?", true).
		Order("created_at ASC")
	if len(uids) > 0 {
		query = query.Where("uid IN ?", uids)
	}

	var models []BatchModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	return batchesToDomain(models)
}

func (r *GormBatchRepo) ExistingUIDs(ctx context.Context, uids []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(uids))
	if len(uids) == 0 {
		return existing, nil
	}

	var found []string
	err := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("uid IN ?", uids).
		Pluck("uid", &found).Error
	if err != nil {
		return nil, err
	}
	for _, uid := range found {
		existing[uid] = struct{}{}
	}
	return existing, nil
}

// Mutate runs fn against a row-locked copy of the batch and persists the
// result in the same transaction.
func (r *GormBatchRepo) Mutate(ctx context.Context, id string, fn func(b *domain.Batch) error) (*domain.Batch, error) {
	var out *domain.Batch
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model BatchModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		b, err := batchModelToDomain(&model)
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
		b.HasError = len(b.Logs.Errors) > 0
		b.UpdatedAt = time.Now().UTC()

		updated, err := batchModelFromDomain(b)
		if err != nil {
			return err
		}
		if err := tx.Model(&BatchModel{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":     updated.Status,
				"has_error":  updated.HasError,
				"qa":         updated.QA,
				"logs":       updated.Logs,
				"updated_at": updated.UpdatedAt,
			}).Error; err != nil {
			return err
		}

		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the batch together with its images and identifiers.
func (r *GormBatchRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("batch_id = ?", id).Delete(&ImageModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("batch_id = ?", id).Delete(&BatchIdentifiersModel{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&BatchModel{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func batchesToDomain(models []BatchModel) ([]domain.Batch, error) {
	batches := make([]domain.Batch, 0, len(models))
	for i := range models {
		b, err := batchModelToDomain(&models[i])
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, nil
}
