package database

import (
	"errors"
	"time"

	"github.com/mohsenbarari/trading-bot-sub000/internal/market"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillOfferRemainingQuantity = "2026-04-18_backfill_offer_remaining_quantity"

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
		{name: migrationBackfillOfferRemainingQuantity, apply: backfillOfferRemainingQuantity},
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

// Offers created before partial fills were tracked have a zero
// remaining_quantity; treat them as fully unfilled.
func backfillOfferRemainingQuantity(db *gorm.DB) error {
	return db.Model(&market.Offer{}).
		Where("remaining_quantity = 0 AND status = ?", market.OfferStatusActive).
		Update("remaining_quantity", gorm.Expr("quantity")).Error
}
