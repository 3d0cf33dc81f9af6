package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mohsenbarari/trading-bot-sub000/internal/market"
)

func newCaptureFixture(t *testing.T) (*market.Store, *Outbox, *fakeSubmitter) {
	t.Helper()

	db := newTestDB(t)
	outbox := newTestOutbox(t)
	submitter := &fakeSubmitter{}

	recorder, err := NewRecorder(RecorderConfig{
		Outbox:     outbox,
		Dispatcher: submitter,
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to construct recorder: %v", err)
	}

	store, err := market.NewStore(market.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	store.RegisterObserver(recorder)
	return store, outbox, submitter
}

func popRecord(t *testing.T, outbox *Outbox) Record {
	t.Helper()

	_, payload, err := outbox.TryPop()
	if err != nil {
		t.Fatalf("unexpected pop error: %v", err)
	}
	if payload == nil {
		t.Fatalf("expected a captured record in the outbox")
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		t.Fatalf("failed to decode record: %v", err)
	}
	return record
}

func TestStoreMutationIsCaptured(t *testing.T) {
	store, outbox, submitter := newCaptureFixture(t)

	account := testAccount(1, "alpha")
	if err := store.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	record := popRecord(t, outbox)
	if record.Table != TableAccounts || record.Operation != OperationInsert {
		t.Fatalf("unexpected record header: %+v", record)
	}
	if record.ID.Num != account.ID {
		t.Fatalf("expected record id %d, got %s", account.ID, record.ID)
	}
	if record.Hash == "" || record.Timestamp != 1700000000 {
		t.Fatalf("expected hash and capture timestamp, got %+v", record)
	}
	if record.Data["account_name"] != "alpha" {
		t.Fatalf("unexpected snapshot: %v", record.Data)
	}

	if len(submitter.payloads) != 1 {
		t.Fatalf("expected one direct push submission, got %d", len(submitter.payloads))
	}
}

func TestCaptureAppendsChangeLogRow(t *testing.T) {
	db := newTestDB(t)
	outbox := newTestOutbox(t)
	recorder, err := NewRecorder(RecorderConfig{Outbox: outbox})
	if err != nil {
		t.Fatalf("failed to construct recorder: %v", err)
	}
	store, err := market.NewStore(market.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	store.RegisterObserver(recorder)

	if err := store.CreateCommodity(context.Background(), &market.Commodity{ID: 2, Name: "copper"}); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	var row ChangeLog
	if err := db.Take(&row, "table_name = ? AND record_id = ?", TableCatalog, 2).Error; err != nil {
		t.Fatalf("expected change log row: %v", err)
	}
	if row.Operation != OperationInsert || row.Hash == "" {
		t.Fatalf("unexpected change log row: %+v", row)
	}
	if row.Synced || row.Verified {
		t.Fatalf("fresh change log rows start unsynced: %+v", row)
	}
}

func TestCaptureIsSuppressedDuringApply(t *testing.T) {
	store, outbox, submitter := newCaptureFixture(t)

	ctx := WithApplyContext(context.Background())
	if err := store.CreateAccount(ctx, testAccount(1, "alpha")); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	depth, err := outbox.Depth()
	if err != nil {
		t.Fatalf("unexpected depth error: %v", err)
	}
	if depth != 0 {
		t.Fatalf("replicated changes must not be re-captured, found %d records", depth)
	}
	if len(submitter.payloads) != 0 {
		t.Fatalf("replicated changes must not be re-pushed")
	}
}

func TestCaptureUsesNaturalKeyForSettings(t *testing.T) {
	store, outbox, _ := newCaptureFixture(t)

	setting := &market.TradingSetting{Key: "commission_rate", Value: `"0.5"`}
	if err := store.PutSetting(context.Background(), setting); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}

	record := popRecord(t, outbox)
	if record.Table != TableSettings || record.Operation != OperationInsert {
		t.Fatalf("unexpected record header: %+v", record)
	}
	if !record.ID.IsNatural() || record.ID.Key != "commission_rate" {
		t.Fatalf("settings must be identified by their key, got %s", record.ID)
	}
}

func TestCaptureSecondPutIsAnUpdate(t *testing.T) {
	store, outbox, _ := newCaptureFixture(t)

	setting := &market.TradingSetting{Key: "commission_rate", Value: `"0.5"`}
	if err := store.PutSetting(context.Background(), setting); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	setting.Value = `"0.75"`
	if err := store.PutSetting(context.Background(), setting); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}

	popRecord(t, outbox)
	record := popRecord(t, outbox)
	if record.Operation != OperationUpdate {
		t.Fatalf("expected second put captured as update, got %s", record.Operation)
	}
}

func TestCaptureOmitsOfferNotes(t *testing.T) {
	store, outbox, _ := newCaptureFixture(t)

	ctx := context.Background()
	if err := store.CreateAccount(ctx, testAccount(1, "alpha")); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := store.CreateCommodity(ctx, &market.Commodity{ID: 2, Name: "copper"}); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	offer := testOffer(30, 1, 2)
	offer.Notes = "operator only"
	if err := store.CreateOffer(ctx, offer); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	popRecord(t, outbox)
	popRecord(t, outbox)
	record := popRecord(t, outbox)
	if record.Table != TableOffers {
		t.Fatalf("expected offer record, got %+v", record)
	}
	if _, present := record.Data["notes"]; present {
		t.Fatalf("offer notes must never leave the region: %v", record.Data)
	}
}

func TestCaptureDeleteCarriesFinalState(t *testing.T) {
	store, outbox, _ := newCaptureFixture(t)

	ctx := context.Background()
	commodity := &market.Commodity{ID: 2, Name: "copper"}
	if err := store.CreateCommodity(ctx, commodity); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := store.DeleteCommodity(ctx, commodity); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	popRecord(t, outbox)
	record := popRecord(t, outbox)
	if record.Operation != OperationDelete || record.ID.Num != 2 {
		t.Fatalf("unexpected delete record: %+v", record)
	}
}
