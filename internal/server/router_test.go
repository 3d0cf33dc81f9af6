package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/mohsenbarari/trading-bot-sub000/internal/market"
	"github.com/mohsenbarari/trading-bot-sub000/internal/sync"
	"gorm.io/gorm"
)

const testSecret = "shared-secret"

var testNow = time.Unix(1700000000, 0)

func newTestHandler(t *testing.T) (http.Handler, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:tradesync_server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	applier, err := sync.NewApplier(sync.ApplierConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct applier: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Applier: applier,
		Signer:  sync.NewSigner(testSecret),
		Clock:   func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return handler, db
}

func signedRequest(t *testing.T, body []byte, at time.Time) *http.Request {
	t.Helper()

	request := httptest.NewRequest(http.MethodPost, "/api/sync/receive", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(sync.HeaderAPIKey, testSecret)
	request.Header.Set(sync.HeaderTimestamp, strconv.FormatInt(at.Unix(), 10))
	request.Header.Set(sync.HeaderSignature, sync.NewSigner(testSecret).Sign(at.Unix(), body))
	return request
}

func accountBatch(t *testing.T) []byte {
	t.Helper()

	account := &market.Account{
		ID:           1,
		AccountName:  "alpha",
		MobileNumber: "09120000000",
		TelegramID:   100,
		FullName:     "Trader alpha",
		Role:         market.AccountRoleTrader,
		HasBotAccess: true,
	}
	data, err := json.Marshal(account)
	if err != nil {
		t.Fatalf("failed to encode account: %v", err)
	}
	var snapshot map[string]any
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}

	body, err := json.Marshal([]sync.Record{{
		Table:     sync.TableAccounts,
		Operation: sync.OperationInsert,
		ID:        sync.NumericID(1),
		Data:      snapshot,
		Timestamp: testNow.Unix(),
	}})
	if err != nil {
		t.Fatalf("failed to encode batch: %v", err)
	}
	return body
}

func TestReceiveRejectsMissingHeaders(t *testing.T) {
	handler, _ := newTestHandler(t)

	request := httptest.NewRequest(http.MethodPost, "/api/sync/receive", bytes.NewReader(accountBatch(t)))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestReceiveRejectsExpiredTimestamp(t *testing.T) {
	handler, db := newTestHandler(t)

	request := signedRequest(t, accountBatch(t), testNow.Add(-301*time.Second))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a replayed request, got %d", recorder.Code)
	}

	var count int64
	if err := db.Model(&market.Account{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count accounts: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected request must not be applied")
	}
}

func TestReceiveRejectsWrongSignature(t *testing.T) {
	handler, _ := newTestHandler(t)

	body := accountBatch(t)
	request := signedRequest(t, body, testNow)
	request.Header.Set(sync.HeaderSignature, "deadbeef")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestReceiveAppliesSignedBatch(t *testing.T) {
	handler, db := newTestHandler(t)

	request := signedRequest(t, accountBatch(t), testNow)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response struct {
		Status    string `json:"status"`
		Processed int    `json:"processed"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != "success" || response.Processed != 1 {
		t.Fatalf("unexpected response: %+v", response)
	}

	var stored market.Account
	if err := db.Take(&stored, "id = ?", 1).Error; err != nil {
		t.Fatalf("account should have been applied: %v", err)
	}
}

func TestReceiveReportsPartialBatches(t *testing.T) {
	handler, _ := newTestHandler(t)

	body, err := json.Marshal([]sync.Record{
		{
			Table:     sync.TableSettings,
			Operation: sync.OperationInsert,
			ID:        sync.NaturalKey("fee"),
			Data:      map[string]any{"key": "fee", "value": "1"},
		},
		{
			Table:     sync.TableOffers,
			Operation: sync.OperationInsert,
			ID:        sync.NumericID(30),
			Data:      map[string]any{"id": 30, "user_id": 9, "commodity_id": 9, "offer_type": "sell", "quantity": 1, "remaining_quantity": 1, "price": 1, "status": "active"},
		},
	})
	if err != nil {
		t.Fatalf("failed to encode batch: %v", err)
	}

	request := signedRequest(t, body, testNow)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response struct {
		Status    string `json:"status"`
		Processed int    `json:"processed"`
		Errors    int    `json:"errors"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != "partial" || response.Processed != 1 || response.Errors != 1 {
		t.Fatalf("unexpected response: %+v", response)
	}
}

func TestReceiveRejectsMalformedJSON(t *testing.T) {
	handler, _ := newTestHandler(t)

	body := []byte("not json")
	request := signedRequest(t, body, testNow)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for signed but malformed body, got %d", recorder.Code)
	}
}

func TestHealthEndpointIsUnauthenticated(t *testing.T) {
	handler, _ := newTestHandler(t)

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response["status"] != "ok" {
		t.Fatalf("unexpected health payload: %v", response)
	}
}
