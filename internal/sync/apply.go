package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mohsenbarari/trading-bot-sub000/internal/cache"
	"github.com/mohsenbarari/trading-bot-sub000/internal/market"
	"github.com/mohsenbarari/trading-bot-sub000/internal/relay"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrorKind classifies apply failures so the batch loop can branch on
// structure instead of error text.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindAuth
	KindTransient
	KindConflict
	KindForeignKey
	KindValidation
	KindFatal
)

// String names the kind for logs and batch error reports.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindForeignKey:
		return "foreign_key"
	case KindValidation:
		return "validation"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ApplyError attaches an ErrorKind to an apply failure.
type ApplyError struct {
	Kind ErrorKind
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

func applyErrorf(kind ErrorKind, format string, args ...any) error {
	return &ApplyError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// BatchResult reports the outcome of one received batch.
type BatchResult struct {
	Processed int
	Errors    []string
}

// ApplierConfig wires the receiver-side reconciliation service.
type ApplierConfig struct {
	Database       *gorm.DB
	Cache          cache.Invalidator
	Messenger      relay.Messenger
	Publisher      relay.ChannelPublisher
	Auditor        *Auditor
	Source         string
	ExternalRegion bool
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Applier applies received change batches: dependency ordering, per-item
// savepoints, idempotent upserts with max-wins counters and natural-key
// fallback, one deferral pass for missing parents, and post-commit side
// effects. Idempotence, not ordering, is the consistency mechanism: the same
// record may arrive any number of times over either delivery path.
type Applier struct {
	db        *gorm.DB
	cache     cache.Invalidator
	messenger relay.Messenger
	publisher relay.ChannelPublisher
	auditor   *Auditor
	source    string
	external  bool
	clock     func() time.Time
	logger    *zap.Logger
}

// NewApplier validates dependencies and constructs an Applier.
func NewApplier(cfg ApplierConfig) (*Applier, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	source := cfg.Source
	if source == "" {
		source = "peer"
	}
	return &Applier{
		db:        cfg.Database,
		cache:     cfg.Cache,
		messenger: cfg.Messenger,
		publisher: cfg.Publisher,
		auditor:   cfg.Auditor,
		source:    source,
		external:  cfg.ExternalRegion,
		clock:     clock,
		logger:    logger,
	}, nil
}

type batchState struct {
	touched   map[string]bool
	newOffers []int64
	hashes    []string
}

// ApplyBatch applies one received batch and returns its result. A non-nil
// error means the whole batch rolled back and the caller should report a
// transient failure to the sender.
func (a *Applier) ApplyBatch(ctx context.Context, items []Record) (BatchResult, error) {
	ctx = WithApplyContext(ctx)

	ordered := make([]Record, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return Rank(ordered[i].Table) < Rank(ordered[j].Table)
	})

	var result BatchResult
	state := &batchState{touched: make(map[string]bool)}

	txErr := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var deferred []Record

		for _, item := range ordered {
			if item.IsNotification() {
				if a.relayNotification(ctx, item) {
					result.Processed++
				}
				continue
			}

			kind, err := a.applyItem(tx, item, state)
			switch kind {
			case KindNone:
				result.Processed++
				state.note(item)
			case KindForeignKey:
				deferred = append(deferred, item)
			case KindValidation:
				a.logger.Warn("invalid sync item skipped",
					zap.String("table", item.Table),
					zap.String("record_id", item.ID.String()),
					zap.Error(err))
			default:
				a.logger.Error("sync item failed",
					zap.String("table", item.Table),
					zap.String("record_id", item.ID.String()),
					zap.Error(err))
				result.Errors = append(result.Errors, itemError(item, err))
			}
		}

		for _, item := range deferred {
			kind, err := a.applyItem(tx, item, state)
			if kind == KindNone {
				result.Processed++
				state.note(item)
				continue
			}
			a.logger.Error("deferred sync item failed",
				zap.String("table", item.Table),
				zap.String("record_id", item.ID.String()),
				zap.Error(err))
			result.Errors = append(result.Errors, itemError(item, err))
		}

		return nil
	})
	if txErr != nil {
		a.logger.Error("sync batch rolled back", zap.Error(txErr))
		return BatchResult{}, &ApplyError{Kind: KindFatal, Err: txErr}
	}

	a.finishBatch(ctx, state)
	return result, nil
}

func itemError(item Record, err error) string {
	return fmt.Sprintf("%s:%s: %v", item.Table, item.ID, err)
}

func (s *batchState) note(item Record) {
	s.touched[item.Table] = true
	if item.Hash != "" {
		s.hashes = append(s.hashes, item.Hash)
	}
}

// applyItem applies one record inside its own savepoint so a failing item
// cannot poison the batch transaction.
func (a *Applier) applyItem(tx *gorm.DB, item Record, state *batchState) (ErrorKind, error) {
	err := tx.Transaction(func(sp *gorm.DB) error {
		return a.applyRecord(sp, item, state)
	})
	if err == nil {
		return KindNone, nil
	}
	var applyErr *ApplyError
	if errors.As(err, &applyErr) {
		return applyErr.Kind, err
	}
	switch {
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return KindForeignKey, err
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return KindConflict, err
	}
	return KindTransient, err
}

func (a *Applier) applyRecord(sp *gorm.DB, item Record, state *batchState) error {
	switch item.Table {
	case TableAccounts:
		return a.applyAccount(sp, item)
	case TableBlocks:
		return a.applyBlock(sp, item)
	case TableCatalog:
		return a.applyCommodity(sp, item)
	case TableAliases:
		return a.applyAlias(sp, item)
	case TableSettings:
		return a.applySetting(sp, item)
	case TableOffers:
		return a.applyOffer(sp, item, state)
	case TableTrades:
		return a.applyTrade(sp, item)
	default:
		return applyErrorf(KindValidation, "unknown table %q", item.Table)
	}
}

func decodeInto(item Record, dst any) error {
	if item.Data == nil {
		return applyErrorf(KindValidation, "%s:%s carries no data", item.Table, item.ID)
	}
	encoded, err := json.Marshal(item.Data)
	if err != nil {
		return &ApplyError{Kind: KindValidation, Err: err}
	}
	if err := json.Unmarshal(encoded, dst); err != nil {
		return applyErrorf(KindValidation, "decode %s record: %v", item.Table, err)
	}
	return nil
}

func requireNumericID(item Record) error {
	if item.ID.IsNatural() {
		return applyErrorf(KindValidation, "%s requires a numeric id, got %q", item.Table, item.ID.Key)
	}
	return nil
}

// requireParent turns a missing foreign row into a deferrable failure.
// Referential integrity is checked explicitly so ordering across batches is
// never assumed.
func requireParent(sp *gorm.DB, model any, id int64, item Record) error {
	var count int64
	if err := sp.Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return applyErrorf(KindForeignKey, "%s:%s references missing parent %d", item.Table, item.ID, id)
	}
	return nil
}

func (a *Applier) applyAccount(sp *gorm.DB, item Record) error {
	if err := requireNumericID(item); err != nil {
		return err
	}
	if item.Operation == OperationDelete {
		return sp.Delete(&market.Account{}, item.ID.Num).Error
	}

	var incoming market.Account
	if err := decodeInto(item, &incoming); err != nil {
		return err
	}
	incoming.ID = item.ID.Num

	var existing market.Account
	err := sp.Take(&existing, "id = ?", incoming.ID).Error
	switch {
	case err == nil:
		mergeAccountCounters(&incoming, &existing)
		return sp.Save(&incoming).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		// The same account may exist under another id when both regions
		// registered it independently; merge into the row owning the name.
		var byName market.Account
		nameErr := sp.Take(&byName, "account_name = ?", incoming.AccountName).Error
		if nameErr == nil {
			incoming.ID = byName.ID
			mergeAccountCounters(&incoming, &byName)
			return sp.Save(&incoming).Error
		}
		if !errors.Is(nameErr, gorm.ErrRecordNotFound) {
			return nameErr
		}
		return sp.Create(&incoming).Error
	default:
		return err
	}
}

// mergeAccountCounters keeps cumulative counters monotonic: a stale incoming
// snapshot can never erase a count that has since advanced locally.
func mergeAccountCounters(incoming, existing *market.Account) {
	incoming.TradesCount = max(incoming.TradesCount, existing.TradesCount)
	incoming.CommoditiesTradedCount = max(incoming.CommoditiesTradedCount, existing.CommoditiesTradedCount)
	incoming.ChannelMessagesCount = max(incoming.ChannelMessagesCount, existing.ChannelMessagesCount)
}

func (a *Applier) applyBlock(sp *gorm.DB, item Record) error {
	if err := requireNumericID(item); err != nil {
		return err
	}
	if item.Operation == OperationDelete {
		return sp.Delete(&market.UserBlock{}, item.ID.Num).Error
	}

	var incoming market.UserBlock
	if err := decodeInto(item, &incoming); err != nil {
		return err
	}
	incoming.ID = item.ID.Num

	if err := requireParent(sp, &market.Account{}, incoming.BlockerID, item); err != nil {
		return err
	}
	if err := requireParent(sp, &market.Account{}, incoming.BlockedID, item); err != nil {
		return err
	}

	var existing market.UserBlock
	err := sp.Take(&existing, "id = ?", incoming.ID).Error
	switch {
	case err == nil:
		return sp.Save(&incoming).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		pairErr := sp.Take(&existing, "blocker_id = ? AND blocked_id = ?", incoming.BlockerID, incoming.BlockedID).Error
		if pairErr == nil {
			incoming.ID = existing.ID
			return sp.Save(&incoming).Error
		}
		if !errors.Is(pairErr, gorm.ErrRecordNotFound) {
			return pairErr
		}
		return sp.Create(&incoming).Error
	default:
		return err
	}
}

func (a *Applier) applyCommodity(sp *gorm.DB, item Record) error {
	if err := requireNumericID(item); err != nil {
		return err
	}
	if item.Operation == OperationDelete {
		return sp.Delete(&market.Commodity{}, item.ID.Num).Error
	}

	var incoming market.Commodity
	if err := decodeInto(item, &incoming); err != nil {
		return err
	}
	incoming.ID = item.ID.Num

	var existing market.Commodity
	err := sp.Take(&existing, "id = ?", incoming.ID).Error
	switch {
	case err == nil:
		return sp.Save(&incoming).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		var byName market.Commodity
		nameErr := sp.Take(&byName, "name = ?", incoming.Name).Error
		if nameErr == nil {
			incoming.ID = byName.ID
			return sp.Save(&incoming).Error
		}
		if !errors.Is(nameErr, gorm.ErrRecordNotFound) {
			return nameErr
		}
		return sp.Create(&incoming).Error
	default:
		return err
	}
}

func (a *Applier) applyAlias(sp *gorm.DB, item Record) error {
	if err := requireNumericID(item); err != nil {
		return err
	}
	if item.Operation == OperationDelete {
		return sp.Delete(&market.CommodityAlias{}, item.ID.Num).Error
	}

	var incoming market.CommodityAlias
	if err := decodeInto(item, &incoming); err != nil {
		return err
	}
	incoming.ID = item.ID.Num

	if err := requireParent(sp, &market.Commodity{}, incoming.CommodityID, item); err != nil {
		return err
	}

	var existing market.CommodityAlias
	err := sp.Take(&existing, "id = ?", incoming.ID).Error
	switch {
	case err == nil:
		return sp.Save(&incoming).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		var byAlias market.CommodityAlias
		aliasErr := sp.Take(&byAlias, "alias = ?", incoming.Alias).Error
		if aliasErr == nil {
			incoming.ID = byAlias.ID
			return sp.Save(&incoming).Error
		}
		if !errors.Is(aliasErr, gorm.ErrRecordNotFound) {
			return aliasErr
		}
		return sp.Create(&incoming).Error
	default:
		return err
	}
}

func (a *Applier) applySetting(sp *gorm.DB, item Record) error {
	var incoming market.TradingSetting
	if item.Operation != OperationDelete {
		if err := decodeInto(item, &incoming); err != nil {
			return err
		}
	}
	if item.ID.IsNatural() {
		incoming.Key = item.ID.Key
	}
	if incoming.Key == "" {
		return applyErrorf(KindValidation, "trading setting without a key")
	}

	if item.Operation == OperationDelete {
		return sp.Delete(&market.TradingSetting{}, "key = ?", incoming.Key).Error
	}
	return sp.Save(&incoming).Error
}

func (a *Applier) applyOffer(sp *gorm.DB, item Record, state *batchState) error {
	if err := requireNumericID(item); err != nil {
		return err
	}
	if item.Operation == OperationDelete {
		return sp.Delete(&market.Offer{}, item.ID.Num).Error
	}

	var incoming market.Offer
	if err := decodeInto(item, &incoming); err != nil {
		return err
	}
	incoming.ID = item.ID.Num

	if err := requireParent(sp, &market.Account{}, incoming.UserID, item); err != nil {
		return err
	}
	if err := requireParent(sp, &market.Commodity{}, incoming.CommodityID, item); err != nil {
		return err
	}

	var existing market.Offer
	err := sp.Take(&existing, "id = ?", incoming.ID).Error
	switch {
	case err == nil:
		if offerSnapshotStale(&incoming, &existing) {
			return nil
		}
		// Keep region-local state the snapshot does not carry.
		incoming.Notes = existing.Notes
		if incoming.ChannelMessageID == nil {
			incoming.ChannelMessageID = existing.ChannelMessageID
		}
		return sp.Save(&incoming).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		if createErr := sp.Create(&incoming).Error; createErr != nil {
			return createErr
		}
		if item.Operation == OperationInsert && incoming.ChannelMessageID == nil {
			state.newOffers = append(state.newOffers, incoming.ID)
		}
		return nil
	default:
		return err
	}
}

// offerSnapshotStale reports whether the incoming snapshot predates the row's
// last known update. Records can be delivered any number of times over either
// path, so a re-delivered insert must never roll back a later completion.
func offerSnapshotStale(incoming, existing *market.Offer) bool {
	if existing.UpdatedAt == nil {
		return false
	}
	return incoming.UpdatedAt == nil || incoming.UpdatedAt.Before(*existing.UpdatedAt)
}

func (a *Applier) applyTrade(sp *gorm.DB, item Record) error {
	if err := requireNumericID(item); err != nil {
		return err
	}
	if item.Operation == OperationDelete {
		return sp.Delete(&market.Trade{}, item.ID.Num).Error
	}

	var incoming market.Trade
	if err := decodeInto(item, &incoming); err != nil {
		return err
	}
	incoming.ID = item.ID.Num

	if err := requireParent(sp, &market.Account{}, incoming.UserID, item); err != nil {
		return err
	}
	if err := requireParent(sp, &market.Commodity{}, incoming.CommodityID, item); err != nil {
		return err
	}

	var existing market.Trade
	err := sp.Take(&existing, "id = ?", incoming.ID).Error
	switch {
	case err == nil:
		return sp.Save(&incoming).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return sp.Create(&incoming).Error
	default:
		return err
	}
}

func (a *Applier) relayNotification(ctx context.Context, item Record) bool {
	if item.ChatID == 0 || item.Text == "" {
		a.logger.Warn("invalid notification payload", zap.Int64("chat_id", item.ChatID))
		return false
	}
	if a.messenger == nil {
		a.logger.Warn("no messenger configured, notification dropped", zap.Int64("chat_id", item.ChatID))
		return false
	}
	if err := a.messenger.SendMessage(ctx, item.ChatID, item.Text, item.ParseMode); err != nil {
		a.logger.Error("notification relay failed", zap.Int64("chat_id", item.ChatID), zap.Error(err))
		return false
	}
	return true
}

// finishBatch runs post-commit side effects: cache invalidation, offer
// publication on the externally facing region, and the daily audit rollup.
func (a *Applier) finishBatch(ctx context.Context, state *batchState) {
	if a.cache != nil {
		if state.touched[TableCatalog] || state.touched[TableAliases] {
			a.cache.Invalidate(cache.GroupCommodities)
		}
		if state.touched[TableSettings] {
			a.cache.Invalidate(cache.GroupTradingSettings)
		}
	}

	if a.external && a.publisher != nil {
		a.publishNewOffers(ctx, state.newOffers)
	}

	if a.auditor != nil && len(state.hashes) > 0 {
		if err := a.auditor.RecordBatch(ctx, a.source, state.hashes); err != nil {
			a.logger.Error("audit rollup failed", zap.Error(err))
		}
	}
}

func (a *Applier) publishNewOffers(ctx context.Context, ids []int64) {
	for _, id := range ids {
		var offer market.Offer
		if err := a.db.WithContext(ctx).Take(&offer, "id = ?", id).Error; err != nil {
			a.logger.Error("offer lookup for publication failed", zap.Int64("offer_id", id), zap.Error(err))
			continue
		}
		if offer.ChannelMessageID != nil || offer.Status != market.OfferStatusActive {
			continue
		}
		messageID, err := a.publisher.PublishOffer(ctx, &offer)
		if err != nil {
			a.logger.Error("offer publication failed", zap.Int64("offer_id", id), zap.Error(err))
			continue
		}
		err = a.db.WithContext(ctx).Model(&market.Offer{}).
			Where("id = ?", id).
			Update("channel_message_id", messageID).Error
		if err != nil {
			a.logger.Error("offer message id update failed", zap.Int64("offer_id", id), zap.Error(err))
		}
	}
}
