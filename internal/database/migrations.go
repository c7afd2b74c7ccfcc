package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/content"
)

// Retry budgets used to be unbounded; rows abandoned by an older build get one
// fresh budget under the current policy.
const migrationRequeueAbandonedRetries = "2026-10-01_requeue_abandoned_retries"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRequeueAbandonedRetries, apply: requeueAbandonedRetries},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func requeueAbandonedRetries(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&content.PendingTransaction{}).
			Where("status = ? AND last_reason <> ?", content.PendingAbandoned, content.ReasonUnrecognized).
			Updates(map[string]any{
				"status":             content.PendingWaiting,
				"attempts":           0,
				"next_attempt_at_ms": 0,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&content.EmptyTransaction{}).
			Where("status = ?", content.EmptyAbandoned).
			Updates(map[string]any{
				"status":             content.EmptyUnresolved,
				"attempts":           0,
				"next_attempt_at_ms": 0,
			}).Error
	})
}
