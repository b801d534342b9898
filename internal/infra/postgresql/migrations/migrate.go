package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		createBatchesTable(),
		createImagesTable(),
		createBatchIdentifiersTable(),
	})

	return m.Migrate()
}

// execPostgres runs statements only on postgres; other dialects rely on the
// repository's explicit cascading deletes.
func execPostgres(tx *gorm.DB, statements ...string) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	for _, sql := range statements {
		if err := tx.Exec(sql).Error; err != nil {
			return err
		}
	}
	return nil
}
