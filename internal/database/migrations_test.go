package database

import (
	"path/filepath"
	"testing"

	"github.com/mohsenbarari/trading-bot-sub000/internal/market"
)

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "region.db"), nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	for _, table := range []string{"users", "user_blocks", "commodities", "commodity_aliases", "trading_settings", "offers", "trades", "change_log", "sync_blocks", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %q to exist", table)
		}
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestMigrationsRunOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.db")

	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	var first migrationRecord
	if err := db.Take(&first, "name = ?", migrationBackfillOfferRemainingQuantity).Error; err != nil {
		t.Fatalf("expected migration record: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unexpected handle error: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close database: %v", err)
	}

	reopened, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected reopen error: %v", err)
	}

	var count int64
	if err := reopened.Model(&migrationRecord{}).Where("name = ?", migrationBackfillOfferRemainingQuantity).Count(&count).Error; err != nil {
		t.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		t.Fatalf("migration must be recorded exactly once, got %d", count)
	}
}

func TestBackfillOfferRemainingQuantity(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "region.db"), nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	offer := &market.Offer{
		ID:          30,
		UserID:      1,
		OfferType:   market.OfferTypeSell,
		CommodityID: 2,
		Quantity:    10,
		Price:       5000,
		Status:      market.OfferStatusActive,
	}
	if err := db.Create(offer).Error; err != nil {
		t.Fatalf("failed to seed offer: %v", err)
	}

	if err := backfillOfferRemainingQuantity(db); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}

	var stored market.Offer
	if err := db.Take(&stored, "id = ?", 30).Error; err != nil {
		t.Fatalf("failed to load offer: %v", err)
	}
	if stored.RemainingQuantity != 10 {
		t.Fatalf("expected remaining quantity backfilled to 10, got %d", stored.RemainingQuantity)
	}
}
