package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreError wraps store failures with a dotted operation code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code for the failure.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const (
	opStoreNew = "market.store.new"
	opMutate   = "market.mutate"
)

// StoreConfig wires the mutation store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store performs every mutation of the replicated tables and notifies the
// registered change observers inside the mutating transaction. Request
// handlers and the bot never touch gorm directly for these tables.
type Store struct {
	db        *gorm.DB
	clock     func() time.Time
	logger    *zap.Logger
	observers []ChangeObserver
}

// NewStore validates dependencies and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// RegisterObserver appends a change observer. Observers are registered at
// startup, before the store receives traffic; registration is not
// synchronized against concurrent mutations.
func (s *Store) RegisterObserver(observer ChangeObserver) {
	if observer == nil {
		return
	}
	s.observers = append(s.observers, observer)
}

func (s *Store) notify(ctx context.Context, tx *gorm.DB, change Change) {
	for _, observer := range s.observers {
		observer.ObserveChange(ctx, tx, change)
	}
}

func (s *Store) mutate(ctx context.Context, op Operation, entity any, fn func(tx *gorm.DB) error) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := fn(tx); err != nil {
			return err
		}
		s.notify(ctx, tx, Change{Op: op, Entity: entity})
		return nil
	})
	if txErr != nil {
		s.logger.Error("market mutation failed",
			zap.String("operation", string(op)),
			zap.String("entity", fmt.Sprintf("%T", entity)),
			zap.Error(txErr))
		return newStoreError(opMutate, "transaction_failed", txErr)
	}
	return nil
}

// CreateAccount inserts an account and captures the change.
func (s *Store) CreateAccount(ctx context.Context, account *Account) error {
	return s.mutate(ctx, OperationInsert, account, func(tx *gorm.DB) error {
		return tx.Create(account).Error
	})
}

// SaveAccount persists the full state of an existing account.
func (s *Store) SaveAccount(ctx context.Context, account *Account) error {
	return s.mutate(ctx, OperationUpdate, account, func(tx *gorm.DB) error {
		return tx.Save(account).Error
	})
}

// CreateBlock inserts a user block pair.
func (s *Store) CreateBlock(ctx context.Context, block *UserBlock) error {
	return s.mutate(ctx, OperationInsert, block, func(tx *gorm.DB) error {
		return tx.Create(block).Error
	})
}

// DeleteBlock removes a user block pair.
func (s *Store) DeleteBlock(ctx context.Context, block *UserBlock) error {
	return s.mutate(ctx, OperationDelete, block, func(tx *gorm.DB) error {
		return tx.Delete(&UserBlock{}, block.ID).Error
	})
}

// CreateCommodity inserts a catalog item.
func (s *Store) CreateCommodity(ctx context.Context, commodity *Commodity) error {
	return s.mutate(ctx, OperationInsert, commodity, func(tx *gorm.DB) error {
		return tx.Create(commodity).Error
	})
}

// DeleteCommodity removes a catalog item and its aliases.
func (s *Store) DeleteCommodity(ctx context.Context, commodity *Commodity) error {
	return s.mutate(ctx, OperationDelete, commodity, func(tx *gorm.DB) error {
		if err := tx.Where("commodity_id = ?", commodity.ID).Delete(&CommodityAlias{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Commodity{}, commodity.ID).Error
	})
}

// CreateAlias inserts a catalog alias.
func (s *Store) CreateAlias(ctx context.Context, alias *CommodityAlias) error {
	return s.mutate(ctx, OperationInsert, alias, func(tx *gorm.DB) error {
		return tx.Create(alias).Error
	})
}

// PutSetting inserts or replaces a trading parameter by key.
func (s *Store) PutSetting(ctx context.Context, setting *TradingSetting) error {
	op := OperationUpdate
	err := s.db.WithContext(ctx).
		Select("key").
		Take(&TradingSetting{}, "key = ?", setting.Key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		op = OperationInsert
	}
	return s.mutate(ctx, op, setting, func(tx *gorm.DB) error {
		return tx.Save(setting).Error
	})
}

// DeleteSetting removes a trading parameter by key.
func (s *Store) DeleteSetting(ctx context.Context, setting *TradingSetting) error {
	return s.mutate(ctx, OperationDelete, setting, func(tx *gorm.DB) error {
		return tx.Delete(&TradingSetting{}, "key = ?", setting.Key).Error
	})
}

// CreateOffer inserts an offer and captures the change.
func (s *Store) CreateOffer(ctx context.Context, offer *Offer) error {
	return s.mutate(ctx, OperationInsert, offer, func(tx *gorm.DB) error {
		return tx.Create(offer).Error
	})
}

// SaveOffer persists the full state of an existing offer. The update stamp is
// what lets the receiving region discard stale snapshots of the same offer.
func (s *Store) SaveOffer(ctx context.Context, offer *Offer) error {
	now := s.clock().UTC()
	offer.UpdatedAt = &now
	return s.mutate(ctx, OperationUpdate, offer, func(tx *gorm.DB) error {
		return tx.Save(offer).Error
	})
}

// CreateTrade inserts a trade and captures the change.
func (s *Store) CreateTrade(ctx context.Context, trade *Trade) error {
	return s.mutate(ctx, OperationInsert, trade, func(tx *gorm.DB) error {
		return tx.Create(trade).Error
	})
}
