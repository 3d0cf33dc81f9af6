package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mohsenbarari/trading-bot-sub000/internal/market"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

type applyContextKey struct{}

// WithApplyContext marks ctx as running inside the receiver's apply path.
// Capture is suppressed under this flag so a replicated change is never
// re-captured and bounced back to its origin.
func WithApplyContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, applyContextKey{}, true)
}

// IsApplyContext reports whether ctx carries the apply flag.
func IsApplyContext(ctx context.Context) bool {
	flag, _ := ctx.Value(applyContextKey{}).(bool)
	return flag
}

// Submitter accepts a serialized record for best-effort direct delivery.
type Submitter interface {
	Submit(payload []byte) bool
}

var (
	errMissingOutbox      = errors.New("outbox is required")
	errMissingDatabase    = errors.New("database handle is required")
	errUnsupportedCapture = errors.New("unsupported entity type")
)

// RecorderConfig wires the change recorder.
type RecorderConfig struct {
	Outbox     *Outbox
	Dispatcher Submitter
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Recorder turns observed entity mutations into change records: it appends
// the change_log audit row inside the mutating transaction, appends the
// serialized record to the durable outbox, and hands it to the direct-push
// dispatcher. The recorder never fails the observed transaction; every
// internal error is logged and absorbed.
type Recorder struct {
	outbox     *Outbox
	dispatcher Submitter
	clock      func() time.Time
	logger     *zap.Logger
}

// NewRecorder validates dependencies and constructs a Recorder.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Outbox == nil {
		return nil, errMissingOutbox
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Recorder{
		outbox:     cfg.Outbox,
		dispatcher: cfg.Dispatcher,
		clock:      clock,
		logger:     logger,
	}, nil
}

// ObserveChange implements market.ChangeObserver.
func (r *Recorder) ObserveChange(ctx context.Context, tx *gorm.DB, change market.Change) {
	if IsApplyContext(ctx) {
		return
	}

	record, err := r.buildRecord(change)
	if err != nil {
		r.logger.Error("change capture skipped", zap.Error(err))
		return
	}

	logRow := ChangeLog{
		Operation: record.Operation,
		Table:     record.Table,
		RecordID:  record.ID.Num,
		RecordKey: record.ID.Key,
		Data:      encodeData(record.Data),
		Timestamp: time.Unix(record.Timestamp, 0).UTC(),
		Hash:      record.Hash,
	}
	if err := tx.Create(&logRow).Error; err != nil {
		r.logger.Error("change log append failed",
			zap.String("table", record.Table),
			zap.String("record_id", record.ID.String()),
			zap.Error(err))
	}

	payload, err := json.Marshal(record)
	if err != nil {
		r.logger.Error("change record encode failed",
			zap.String("table", record.Table),
			zap.String("record_id", record.ID.String()),
			zap.Error(err))
		return
	}

	if err := r.outbox.Push(ListOutbound, payload); err != nil {
		r.logger.Error("outbox append failed",
			zap.String("table", record.Table),
			zap.String("record_id", record.ID.String()),
			zap.Error(err))
		return
	}

	if r.dispatcher != nil && !r.dispatcher.Submit(payload) {
		r.logger.Warn("direct push queue full, drain worker will deliver",
			zap.String("table", record.Table),
			zap.String("record_id", record.ID.String()))
	}
}

func (r *Recorder) buildRecord(change market.Change) (Record, error) {
	var table string
	var id RecordID

	switch entity := change.Entity.(type) {
	case *market.Account:
		table, id = TableAccounts, NumericID(entity.ID)
	case *market.UserBlock:
		table, id = TableBlocks, NumericID(entity.ID)
	case *market.Commodity:
		table, id = TableCatalog, NumericID(entity.ID)
	case *market.CommodityAlias:
		table, id = TableAliases, NumericID(entity.ID)
	case *market.TradingSetting:
		table, id = TableSettings, NaturalKey(entity.Key)
	case *market.Offer:
		table, id = TableOffers, NumericID(entity.ID)
	case *market.Trade:
		table, id = TableTrades, NumericID(entity.ID)
	default:
		return Record{}, fmt.Errorf("%w: %T", errUnsupportedCapture, change.Entity)
	}

	data, err := snapshot(change.Entity)
	if err != nil {
		return Record{}, err
	}

	return Record{
		Table:     table,
		Operation: Operation(change.Op),
		ID:        id,
		Data:      data,
		Timestamp: r.clock().UTC().Unix(),
		Hash:      ContentHash(data),
	}, nil
}

// snapshot projects an entity to its replicated fields. The projection is the
// entity's json encoding, so fields tagged "-" (offer notes) never leave the
// region.
func snapshot(entity any) (map[string]any, error) {
	encoded, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("snapshot %T: %w", entity, err)
	}
	var data map[string]any
	if err := json.Unmarshal(encoded, &data); err != nil {
		return nil, fmt.Errorf("snapshot %T: %w", entity, err)
	}
	return data, nil
}

func encodeData(data map[string]any) string {
	encoded, err := json.Marshal(data)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
