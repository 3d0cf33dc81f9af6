package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/mohsenbarari/trading-bot-sub000/internal/market"
	"github.com/mohsenbarari/trading-bot-sub000/internal/sync"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&market.Account{},
		&market.UserBlock{},
		&market.Commodity{},
		&market.CommodityAlias{},
		&market.TradingSetting{},
		&market.Offer{},
		&market.Trade{},
		&sync.ChangeLog{},
		&sync.SyncBlock{},
		&migrationRecord{},
	)
	if err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
