package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/sendit/internal/repository"
	"gorm.io/gorm"
)

func createBatchIdentifiersTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_batch_identifiers",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchIdentifiersModel{}); err != nil {
				return err
			}
			return execPostgres(tx,
				`ALTER TABLE batch_identifiers ADD CONSTRAINT fk_batch_identifiers_batch FOREIGN KEY (batch_id) REFERENCES batches (id) ON DELETE CASCADE`,
			)
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchIdentifiersModel{})
		},
	}
}
