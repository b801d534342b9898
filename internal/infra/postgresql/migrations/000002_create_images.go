package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/sendit/internal/repository"
	"gorm.io/gorm"
)

func createImagesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_images",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.ImageModel{}); err != nil {
				return err
			}
			return execPostgres(tx,
				`ALTER TABLE images ADD CONSTRAINT fk_images_batch FOREIGN KEY (batch_id) REFERENCES batches (id) ON DELETE CASCADE`,
			)
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ImageModel{})
		},
	}
}
