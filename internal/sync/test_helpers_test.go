package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/mohsenbarari/trading-bot-sub000/internal/market"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:tradesync_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&market.Account{},
		&market.UserBlock{},
		&market.Commodity{},
		&market.CommodityAlias{},
		&market.TradingSetting{},
		&market.Offer{},
		&market.Trade{},
		&ChangeLog{},
		&SyncBlock{},
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()

	outbox, err := OpenOutbox(filepath.Join(t.TempDir(), "outbox.db"), nil)
	if err != nil {
		t.Fatalf("failed to open outbox: %v", err)
	}
	t.Cleanup(func() {
		if err := outbox.Close(); err != nil {
			t.Errorf("failed to close outbox: %v", err)
		}
	})
	return outbox
}

func newTestApplier(t *testing.T, cfg ApplierConfig) *Applier {
	t.Helper()

	applier, err := NewApplier(cfg)
	if err != nil {
		t.Fatalf("failed to construct applier: %v", err)
	}
	return applier
}

func mustData(t *testing.T, entity any) map[string]any {
	t.Helper()

	encoded, err := json.Marshal(entity)
	if err != nil {
		t.Fatalf("failed to encode entity: %v", err)
	}
	var data map[string]any
	if err := json.Unmarshal(encoded, &data); err != nil {
		t.Fatalf("failed to decode entity snapshot: %v", err)
	}
	return data
}

func entityRecord(t *testing.T, table string, op Operation, id RecordID, entity any) Record {
	t.Helper()

	data := mustData(t, entity)
	return Record{
		Table:     table,
		Operation: op,
		ID:        id,
		Data:      data,
		Timestamp: time.Now().Unix(),
		Hash:      ContentHash(data),
	}
}

func mustApply(t *testing.T, applier *Applier, items []Record) BatchResult {
	t.Helper()

	result, err := applier.ApplyBatch(context.Background(), items)
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	return result
}

type fakeSubmitter struct {
	payloads [][]byte
	full     bool
}

func (f *fakeSubmitter) Submit(payload []byte) bool {
	if f.full {
		return false
	}
	f.payloads = append(f.payloads, payload)
	return true
}

type fakeMessenger struct {
	chatIDs []int64
	texts   []string
	err     error
}

func (f *fakeMessenger) SendMessage(_ context.Context, chatID int64, text, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.chatIDs = append(f.chatIDs, chatID)
	f.texts = append(f.texts, text)
	return nil
}

type fakePublisher struct {
	published []int64
	nextID    int64
	err       error
}

func (f *fakePublisher) PublishOffer(_ context.Context, offer *market.Offer) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.published = append(f.published, offer.ID)
	f.nextID++
	return f.nextID, nil
}

type fakeInvalidator struct {
	groups []string
}

func (f *fakeInvalidator) Invalidate(group string) {
	f.groups = append(f.groups, group)
}
